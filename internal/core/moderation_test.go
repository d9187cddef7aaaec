package core

import (
	"errors"
	"testing"
	"time"

	"nexus/internal/protocol"
)

func TestRequiredVotes(t *testing.T) {
	cases := []struct {
		roster    int
		threshold float64
		want      int
	}{
		{0, 0.51, 1},
		{1, 0.51, 1},
		{2, 0.51, 2},
		{3, 0.51, 2},
		{4, 0.51, 3},
		{4, 0.5, 2},
		{10, 0.51, 6},
	}
	for _, tc := range cases {
		s, _ := newTestState(t, func(o *Options) { o.VoteThreshold = tc.threshold })
		for i := 0; i < tc.roster; i++ {
			id := string(rune('a' + i))
			admit(t, s, id, "")
			s.Join(id, nil)
		}
		if got := s.requiredVotes(); got != tc.want {
			t.Fatalf("requiredVotes(n=%d, t=%v) = %d, want %d", tc.roster, tc.threshold, got, tc.want)
		}
	}
}

func TestVoteKickWithThreeParticipants(t *testing.T) {
	s, _ := newTestState(t, nil)
	a := joined(t, s, "a", "10.0.0.1", "alice")
	b := joined(t, s, "b", "10.0.0.2", "bob")
	c := joined(t, s, "c", "10.0.0.3", "carol")

	if !s.StartVote("a", "c") {
		t.Fatal("start vote failed")
	}
	started := lastOfType(t, drain(b), protocol.TypeVoteStarted)
	if started.TargetID != "c" || started.TargetName != "carol" || started.Required != 2 || started.Yes != 1 {
		t.Fatalf("vote_started = %#v", started)
	}

	if !s.CastVote("b", "c", protocol.BallotYes) {
		t.Fatal("cast vote failed")
	}

	final := drain(c)
	fd := lastOfType(t, final, protocol.TypeForceDisconnect)
	if fd.Reason != protocol.ReasonKicked {
		t.Fatalf("force_disconnect reason = %q", fd.Reason)
	}
	if !isClosed(c) {
		t.Fatal("target connection not released")
	}

	for name, conn := range map[string]*Conn{"a": a, "b": b} {
		res := lastOfType(t, drain(conn), protocol.TypeVoteResult)
		if res.Result != protocol.ResultKicked || res.TargetID != "c" {
			t.Fatalf("%s vote_result = %#v", name, res)
		}
	}

	if s.VoteOpen("c") {
		t.Fatal("session still open after kick")
	}
	if s.CastVote("a", "c", protocol.BallotYes) {
		t.Fatal("vote accepted after session was destroyed")
	}
	if _, ok := s.Participant("c"); ok {
		t.Fatal("kicked participant still on roster")
	}
}

func TestSecondVoteAgainstSameTargetIsNoop(t *testing.T) {
	s, _ := newTestState(t, nil)
	joined(t, s, "a", "", "alice")
	joined(t, s, "b", "", "bob")
	c := joined(t, s, "c", "", "carol")
	joined(t, s, "d", "", "dave")

	if !s.StartVote("a", "d") {
		t.Fatal("first vote failed")
	}
	if s.StartVote("b", "d") {
		t.Fatal("second vote against the same target opened")
	}
	if got := ofType(drain(c), protocol.TypeVoteStarted); len(got) != 1 {
		t.Fatalf("got %d vote_started frames, want 1", len(got))
	}
}

func TestVoteValidation(t *testing.T) {
	s, _ := newTestState(t, nil)
	joined(t, s, "a", "", "alice")
	joined(t, s, "b", "", "bob")
	joined(t, s, "c", "", "carol")
	joined(t, s, "d", "", "dave")
	admit(t, s, "lurker", "")

	if s.StartVote("a", "a") {
		t.Fatal("self vote-kick opened")
	}
	if s.StartVote("a", "ghost") {
		t.Fatal("vote against unknown target opened")
	}
	if s.StartVote("lurker", "b") {
		t.Fatal("unjoined connection opened a vote")
	}

	s.StartVote("a", "d")
	if s.CastVote("a", "d", protocol.BallotYes) {
		t.Fatal("initiator voted twice")
	}
	if s.CastVote("b", "d", "maybe") {
		t.Fatal("invalid ballot accepted")
	}
	if s.CastVote("b", "ghost", protocol.BallotYes) {
		t.Fatal("ballot for missing session accepted")
	}
	if !s.CastVote("b", "d", protocol.BallotNo) {
		t.Fatal("valid no ballot rejected")
	}
	if s.CastVote("b", "d", protocol.BallotYes) {
		t.Fatal("second ballot accepted")
	}
}

func TestVoteClosesWhenQuorumUnreachable(t *testing.T) {
	s, _ := newTestState(t, nil)
	a := joined(t, s, "a", "", "alice")
	joined(t, s, "b", "", "bob")
	joined(t, s, "c", "", "carol")

	s.StartVote("a", "c")
	s.CastVote("b", "c", protocol.BallotNo)
	if !s.VoteOpen("c") {
		t.Fatal("vote closed while the target could still tip it")
	}
	progress := lastOfType(t, drain(a), protocol.TypeVoteProgress)
	if progress.Yes != 1 || progress.No != 1 || progress.Required != 2 {
		t.Fatalf("vote_progress = %#v", progress)
	}

	s.CastVote("c", "c", protocol.BallotNo)
	if s.VoteOpen("c") {
		t.Fatal("vote still open with no path to quorum")
	}
	res := lastOfType(t, drain(a), protocol.TypeVoteResult)
	if res.Result != protocol.ResultClosed {
		t.Fatalf("vote_result = %#v", res)
	}
	if _, ok := s.Participant("c"); !ok {
		t.Fatal("target removed by a failed vote")
	}
}

func TestVoterDisconnectRetractsBallot(t *testing.T) {
	s, _ := newTestState(t, nil)
	a := joined(t, s, "a", "", "alice")
	joined(t, s, "b", "", "bob")
	joined(t, s, "c", "", "carol")
	d := joined(t, s, "d", "", "dave")

	s.StartVote("a", "d")
	s.CastVote("b", "d", protocol.BallotYes)
	if !s.VoteOpen("d") {
		t.Fatal("two of four should not reach quorum")
	}
	drainAll(s)

	// Three remain, two are required, and only alice's yes survives.
	s.Disconnect("b")
	if !s.VoteOpen("d") {
		t.Fatal("retracted ballot was still counted")
	}
	if yes, _ := s.votes["d"].tally(); yes != 1 {
		t.Fatalf("yes tally = %d after retraction, want 1", yes)
	}
	progress := ofType(drain(a), protocol.TypeVoteProgress)
	if len(progress) != 1 {
		t.Fatalf("got %d vote_progress frames after retraction, want 1", len(progress))
	}
	if p := progress[0]; p.TargetID != "d" || p.Yes != 1 || p.No != 0 || p.Required != 2 {
		t.Fatalf("vote_progress after retraction = %+v", p)
	}

	s.CastVote("c", "d", protocol.BallotYes)
	if s.VoteOpen("d") || !isClosed(d) {
		t.Fatal("target not kicked after quorum")
	}
}

func TestVoterDisconnectCanResolveRemainingVote(t *testing.T) {
	s, _ := newTestState(t, nil)
	a := joined(t, s, "a", "", "alice")
	joined(t, s, "b", "", "bob")
	joined(t, s, "c", "", "carol")
	d := joined(t, s, "d", "", "dave")

	s.StartVote("a", "d")
	s.CastVote("b", "d", protocol.BallotNo)
	s.CastVote("c", "d", protocol.BallotYes)

	// With bob gone three remain and two yes ballots already meet quorum.
	s.Disconnect("b")
	if s.VoteOpen("d") || !isClosed(d) {
		t.Fatal("shrinking roster did not resolve the vote")
	}
	res := lastOfType(t, drain(a), protocol.TypeVoteResult)
	if res.Result != protocol.ResultKicked {
		t.Fatalf("vote_result = %#v", res)
	}
}

func TestTargetDisconnectDropsVote(t *testing.T) {
	s, _ := newTestState(t, nil)
	joined(t, s, "a", "", "alice")
	joined(t, s, "b", "", "bob")
	joined(t, s, "c", "", "carol")

	s.StartVote("a", "c")
	s.Disconnect("c")
	if s.VoteOpen("c") {
		t.Fatal("vote survived its target")
	}
}

func TestRepeatedVoteKicksBanAddress(t *testing.T) {
	s, clock := newTestState(t, nil)
	joined(t, s, "a", "10.0.0.1", "alice")
	joined(t, s, "b", "10.0.0.2", "bob")

	kick := func(id string) {
		t.Helper()
		joined(t, s, id, "10.9.9.9", "troll")
		s.StartVote("a", id)
		s.CastVote("b", id, protocol.BallotYes)
		if s.VoteOpen(id) {
			t.Fatalf("vote against %s did not resolve", id)
		}
	}

	kick("x1")
	if s.IsBanned("10.9.9.9") {
		t.Fatal("banned after a single kick")
	}
	kick("x2")
	if !s.IsBanned("10.9.9.9") {
		t.Fatal("not banned after repeated kicks")
	}

	_, err := s.Admit("x3", "10.9.9.9", false)
	var banned *BannedError
	if !errors.As(err, &banned) {
		t.Fatalf("admit err = %v, want BannedError", err)
	}
	if !banned.Until.After(clock.Now()) {
		t.Fatalf("ban until %v not in the future", banned.Until)
	}

	clock.Advance(DefaultBanDuration + time.Second)
	if _, err := s.Admit("x4", "10.9.9.9", false); err != nil {
		t.Fatalf("admit after ban expiry: %v", err)
	}
}

func TestBannedConnectionProcessesNoEvents(t *testing.T) {
	s, _ := newTestState(t, nil)
	watcher := joined(t, s, "a", "10.0.0.1", "alice")
	admit(t, s, "victim", "10.6.6.6")
	s.bans["10.6.6.6"] = s.now().Add(time.Hour)

	if _, err := s.Admit("again", "10.6.6.6", false); err == nil {
		t.Fatal("banned address admitted")
	}
	drain(watcher)

	s.Handle("again", protocol.Message{Type: protocol.TypeJoin})
	if _, ok := s.Participant("again"); ok {
		t.Fatal("refused connection was able to join")
	}
	if got := drain(watcher); len(got) != 0 {
		t.Fatalf("refused connection produced %d frames", len(got))
	}
}

func TestAdminKickRequiresPrivilege(t *testing.T) {
	s, _ := newTestState(t, nil)
	joined(t, s, "a", "", "alice")
	c := joined(t, s, "c", "", "carol")

	if s.AdminKick("a", "c") {
		t.Fatal("unprivileged admin kick succeeded")
	}
	if isClosed(c) {
		t.Fatal("target released by unprivileged kick")
	}

	if _, err := s.Admit("op", "", true); err != nil {
		t.Fatalf("admit op: %v", err)
	}
	if !s.AdminKick("op", "c") {
		t.Fatal("privileged admin kick failed")
	}
	fd := lastOfType(t, drain(c), protocol.TypeForceDisconnect)
	if fd.Reason != protocol.ReasonAdminKicked {
		t.Fatalf("reason = %q", fd.Reason)
	}
	if !isClosed(c) {
		t.Fatal("target not released")
	}
}

func TestAdminBanEvictsEveryConnectionFromAddress(t *testing.T) {
	s, _ := newTestState(t, nil)
	a := joined(t, s, "a", "10.0.0.1", "alice")
	c1 := joined(t, s, "c1", "10.7.7.7", "carol")
	c2 := joined(t, s, "c2", "10.7.7.7", "carol-alt")
	if _, err := s.Admit("op", "10.0.0.9", true); err != nil {
		t.Fatalf("admit op: %v", err)
	}

	if !s.AdminBan("op", "c1") {
		t.Fatal("admin ban failed")
	}
	for _, c := range []*Conn{c1, c2} {
		fd := lastOfType(t, drain(c), protocol.TypeForceDisconnect)
		if fd.Reason != protocol.ReasonAdminBanned || fd.Until == 0 {
			t.Fatalf("%s force_disconnect = %#v", c.ID, fd)
		}
		if !isClosed(c) {
			t.Fatalf("%s not released", c.ID)
		}
	}
	res := lastOfType(t, drain(a), protocol.TypeVoteResult)
	if res.Result != protocol.ResultBanned || res.TargetName != "carol" {
		t.Fatalf("vote_result = %#v", res)
	}
	if !s.IsBanned("10.7.7.7") {
		t.Fatal("address not banned")
	}
	if s.IsBanned("10.0.0.1") {
		t.Fatal("unrelated address banned")
	}
}
