package core

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"nexus/internal/protocol"
)

// voteSession is one open vote-kick. Tallies are always derived from
// ballots so a retracted ballot can never leave a stale count behind.
type voteSession struct {
	targetID    string
	targetName  string
	initiatorID string
	ballots     map[string]string
	startedAt   time.Time
}

func (v *voteSession) tally() (yes, no int) {
	for _, b := range v.ballots {
		if b == protocol.BallotYes {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}

// StartVote opens a vote-kick against targetID with the initiator's implicit
// yes. It is a no-op when either side is not joined, when initiator and
// target are the same, or when a vote against the target is already open.
func (s *RoomState) StartVote(initiatorID, targetID string) bool {
	if _, ok := s.participants[initiatorID]; !ok {
		return false
	}
	target, ok := s.participants[targetID]
	if !ok || initiatorID == targetID {
		return false
	}
	if _, open := s.votes[targetID]; open {
		return false
	}

	v := &voteSession{
		targetID:    targetID,
		targetName:  target.displayName,
		initiatorID: initiatorID,
		ballots:     map[string]string{initiatorID: protocol.BallotYes},
		startedAt:   s.now(),
	}
	s.votes[targetID] = v
	s.metrics.VotesStarted.Inc()

	yes, no := v.tally()
	required := s.requiredVotes()
	slog.Info("vote started", "target_id", targetID, "initiator_id", initiatorID, "required", required)
	s.broadcast(protocol.Message{
		Type:        protocol.TypeVoteStarted,
		TargetID:    targetID,
		TargetName:  v.targetName,
		InitiatorID: initiatorID,
		Yes:         yes,
		No:          no,
		Required:    required,
	}, "")

	s.evaluate(v)
	return true
}

// CastVote records one ballot in an open session. Unknown voters, invalid
// ballots, missing sessions, and second ballots are ignored.
func (s *RoomState) CastVote(voterID, targetID, ballot string) bool {
	if _, ok := s.participants[voterID]; !ok {
		return false
	}
	if ballot != protocol.BallotYes && ballot != protocol.BallotNo {
		return false
	}
	v, ok := s.votes[targetID]
	if !ok {
		return false
	}
	if _, voted := v.ballots[voterID]; voted {
		return false
	}
	v.ballots[voterID] = ballot

	slog.Debug("vote cast", "target_id", targetID, "voter_id", voterID, "ballot", ballot)
	s.broadcastProgress(v)

	s.evaluate(v)
	return true
}

func (s *RoomState) broadcastProgress(v *voteSession) {
	yes, no := v.tally()
	s.broadcast(protocol.Message{
		Type:       protocol.TypeVoteProgress,
		TargetID:   v.targetID,
		TargetName: v.targetName,
		Yes:        yes,
		No:         no,
		Required:   s.requiredVotes(),
	}, "")
}

// VoteOpen reports whether a vote against targetID is in progress.
func (s *RoomState) VoteOpen(targetID string) bool {
	_, ok := s.votes[targetID]
	return ok
}

// requiredVotes is ceil(roster × threshold), never below one.
func (s *RoomState) requiredVotes() int {
	n := float64(len(s.participants))
	required := int(math.Ceil(n*s.opts.VoteThreshold - 1e-9))
	if required < 1 {
		required = 1
	}
	return required
}

// evaluate resolves v when quorum is met or can no longer be met.
func (s *RoomState) evaluate(v *voteSession) {
	yes, no := v.tally()
	required := s.requiredVotes()
	outstanding := len(s.participants) - len(v.ballots)
	if outstanding < 0 {
		outstanding = 0
	}

	switch {
	case yes >= required:
		s.resolveKicked(v, yes, no)
	case yes+outstanding < required:
		delete(s.votes, v.targetID)
		s.metrics.VotesResolved.WithLabelValues(protocol.ResultClosed).Inc()
		slog.Info("vote closed", "target_id", v.targetID, "yes", yes, "no", no, "required", required)
		s.broadcast(protocol.Message{
			Type:       protocol.TypeVoteResult,
			TargetID:   v.targetID,
			TargetName: v.targetName,
			Result:     protocol.ResultClosed,
			Yes:        yes,
			No:         no,
		}, "")
	}
}

func (s *RoomState) resolveKicked(v *voteSession, yes, no int) {
	delete(s.votes, v.targetID)
	s.metrics.VotesResolved.WithLabelValues(protocol.ResultKicked).Inc()

	var address string
	if c, ok := s.conns[v.targetID]; ok {
		address = c.Address
	}
	slog.Info("vote kicked participant", "target_id", v.targetID, "yes", yes, "no", no, "address", address)

	s.evict(v.targetID, protocol.ReasonKicked, time.Time{})
	s.broadcast(protocol.Message{
		Type:       protocol.TypeVoteResult,
		TargetID:   v.targetID,
		TargetName: v.targetName,
		Result:     protocol.ResultKicked,
		Yes:        yes,
		No:         no,
	}, "")
	s.strike(address)
}

// participantLeft cascades a departure into moderation: a session against
// the leaver is dropped, the leaver's ballots are retracted, and the
// remaining sessions are re-evaluated against the smaller roster. Sessions
// that stay open get a fresh vote_progress.
func (s *RoomState) participantLeft(id string) {
	if _, ok := s.votes[id]; ok {
		delete(s.votes, id)
		s.metrics.VotesResolved.WithLabelValues("target_left").Inc()
		slog.Debug("vote dropped, target left", "target_id", id)
	}
	for _, v := range s.votes {
		if _, voted := v.ballots[id]; voted {
			delete(v.ballots, id)
			slog.Debug("ballot retracted", "target_id", v.targetID, "voter_id", id)
		}
	}

	targets := make([]string, 0, len(s.votes))
	for tid := range s.votes {
		targets = append(targets, tid)
	}
	sort.Strings(targets)
	for _, tid := range targets {
		v, ok := s.votes[tid]
		if !ok {
			continue
		}
		s.evaluate(v)
		if s.votes[tid] == v {
			s.broadcastProgress(v)
		}
	}
}

// strike counts a vote-kick against address and bans it once the count
// reaches KicksBeforeBan.
func (s *RoomState) strike(address string) {
	if s.opts.KicksBeforeBan <= 0 || address == "" {
		return
	}
	s.strikes[address]++
	if s.strikes[address] < s.opts.KicksBeforeBan {
		slog.Info("strike recorded", "address", address, "strikes", s.strikes[address])
		return
	}
	delete(s.strikes, address)
	s.ban(address, protocol.ReasonBanned)
}

// ban installs a ban record and evicts every connection from address.
func (s *RoomState) ban(address, reason string) time.Time {
	until := s.now().Add(s.opts.BanDuration)
	s.bans[address] = until
	s.metrics.Bans.Inc()
	slog.Warn("address banned", "address", address, "until", until, "reason", reason)

	var ids []string
	for id, c := range s.conns {
		if c.Address == address {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.evict(id, reason, until)
	}
	return until
}

// bannedUntil reports whether address is banned right now. Expired records
// are pruned.
func (s *RoomState) bannedUntil(address string) (time.Time, bool) {
	if address == "" {
		return time.Time{}, false
	}
	until, ok := s.bans[address]
	if !ok {
		return time.Time{}, false
	}
	if !s.now().Before(until) {
		delete(s.bans, address)
		return time.Time{}, false
	}
	return until, true
}

// IsBanned reports whether address currently has a ban record.
func (s *RoomState) IsBanned(address string) bool {
	_, banned := s.bannedUntil(address)
	return banned
}

// AdminKick kicks targetID on behalf of a privileged connection.
func (s *RoomState) AdminKick(actorID, targetID string) bool {
	if !s.privileged(actorID) {
		slog.Warn("unprivileged admin kick ignored", "conn_id", actorID, "target_id", targetID)
		return false
	}
	return s.Kick(targetID)
}

// AdminBan bans targetID's address on behalf of a privileged connection.
func (s *RoomState) AdminBan(actorID, targetID string) bool {
	if !s.privileged(actorID) {
		slog.Warn("unprivileged admin ban ignored", "conn_id", actorID, "target_id", targetID)
		return false
	}
	_, ok := s.Ban(targetID)
	return ok
}

// Kick disconnects targetID without a vote. Callers are responsible for
// authorization.
func (s *RoomState) Kick(targetID string) bool {
	if _, ok := s.conns[targetID]; !ok {
		return false
	}
	name := s.displayName(targetID)
	slog.Info("admin kick", "target_id", targetID)
	s.evict(targetID, protocol.ReasonAdminKicked, time.Time{})
	s.broadcast(protocol.Message{
		Type:       protocol.TypeVoteResult,
		TargetID:   targetID,
		TargetName: name,
		Result:     protocol.ResultKicked,
		Reason:     protocol.ReasonAdminKicked,
	}, "")
	return true
}

// Ban bans targetID's source address and disconnects every connection from
// it. Callers are responsible for authorization.
func (s *RoomState) Ban(targetID string) (time.Time, bool) {
	c, ok := s.conns[targetID]
	if !ok {
		return time.Time{}, false
	}
	name := s.displayName(targetID)
	if c.Address == "" {
		// Nothing to ban by; fall back to a kick.
		return time.Time{}, s.Kick(targetID)
	}
	until := s.ban(c.Address, protocol.ReasonAdminBanned)
	s.broadcast(protocol.Message{
		Type:       protocol.TypeVoteResult,
		TargetID:   targetID,
		TargetName: name,
		Result:     protocol.ResultBanned,
		Reason:     protocol.ReasonAdminBanned,
		Until:      until.UnixMilli(),
	}, "")
	return until, true
}

func (s *RoomState) privileged(connID string) bool {
	c, ok := s.conns[connID]
	return ok && c.Privileged
}

func (s *RoomState) displayName(id string) string {
	if p, ok := s.participants[id]; ok {
		return p.displayName
	}
	return ""
}
