package core

import (
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"nexus/internal/protocol"
)

// Profile defaults for fields a join leaves out.
const (
	DefaultDisplayName = "Anon"
	DefaultColorTag    = "#00ffcc"
)

type participant struct {
	id           string
	address      string
	displayName  string
	colorTag     string
	roleTag      string
	roleTagColor string
	avatarRef    string

	presence      string
	joinSeq       uint64
	lastActiveAt  time.Time
	lastMessageAt time.Time
	rate          rateState
}

func (p *participant) view() protocol.Participant {
	return protocol.Participant{
		ID:           p.id,
		DisplayName:  p.displayName,
		ColorTag:     p.colorTag,
		RoleTag:      p.roleTag,
		RoleTagColor: p.roleTagColor,
		AvatarRef:    p.avatarRef,
		Presence:     p.presence,
	}
}

func (p *participant) author() protocol.Author {
	return protocol.Author{
		ID:           p.id,
		DisplayName:  p.displayName,
		ColorTag:     p.colorTag,
		RoleTag:      p.roleTag,
		RoleTagColor: p.roleTagColor,
		AvatarRef:    p.avatarRef,
	}
}

// Join creates or overwrites the participant record for an admitted
// connection and broadcasts the roster. Rate-limit bookkeeping survives a
// re-join on the same connection.
func (s *RoomState) Join(connID string, patch *protocol.ProfilePatch) (protocol.Participant, bool) {
	c, ok := s.conns[connID]
	if !ok {
		return protocol.Participant{}, false
	}
	now := s.now()

	p := &participant{
		id:          connID,
		address:     c.Address,
		displayName: DefaultDisplayName,
		colorTag:    DefaultColorTag,
	}
	if prev, exists := s.participants[connID]; exists {
		p.joinSeq = prev.joinSeq
		p.lastMessageAt = prev.lastMessageAt
		p.rate = prev.rate
	} else {
		s.joinSeq++
		p.joinSeq = s.joinSeq
	}
	applyPatch(p, patch)
	p.presence = protocol.PresenceActive
	p.lastActiveAt = now

	s.participants[connID] = p
	s.metrics.Participants.Set(float64(len(s.participants)))
	slog.Info("participant joined", "participant_id", connID, "display_name", p.displayName, "total_participants", len(s.participants))

	s.broadcastRoster()
	return p.view(), true
}

// UpdateProfile merges the present fields of patch into the participant and
// marks it active. Unknown connections are ignored.
func (s *RoomState) UpdateProfile(connID string, patch *protocol.ProfilePatch) (protocol.Participant, bool) {
	p, ok := s.participants[connID]
	if !ok || patch == nil {
		return protocol.Participant{}, false
	}
	applyPatch(p, patch)
	p.presence = protocol.PresenceActive
	p.lastActiveAt = s.now()
	slog.Debug("profile updated", "participant_id", connID, "display_name", p.displayName)

	s.broadcastRoster()
	return p.view(), true
}

// Remove deletes a participant, cascades into moderation, and broadcasts the
// roster. The connection itself stays admitted.
func (s *RoomState) Remove(connID string) bool {
	p, ok := s.participants[connID]
	if !ok {
		return false
	}
	delete(s.participants, connID)
	s.metrics.Participants.Set(float64(len(s.participants)))
	slog.Info("participant removed", "participant_id", connID, "display_name", p.displayName, "remaining_participants", len(s.participants))

	s.participantLeft(connID)
	s.broadcastRoster()
	return true
}

// Participant returns one participant's broadcast view.
func (s *RoomState) Participant(id string) (protocol.Participant, bool) {
	p, ok := s.participants[id]
	if !ok {
		return protocol.Participant{}, false
	}
	return p.view(), true
}

// Roster returns a snapshot of all participants ordered by join time.
func (s *RoomState) Roster() []protocol.Participant {
	ps := make([]*participant, 0, len(s.participants))
	for _, p := range s.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].joinSeq != ps[j].joinSeq {
			return ps[i].joinSeq < ps[j].joinSeq
		}
		return ps[i].id < ps[j].id
	})

	out := make([]protocol.Participant, len(ps))
	for i, p := range ps {
		out[i] = p.view()
	}
	return out
}

func (s *RoomState) broadcastRoster() {
	s.broadcast(protocol.Message{
		Type:         protocol.TypeRosterUpdate,
		Participants: s.Roster(),
	}, "")
}

// applyPatch copies the present fields of patch into p. Fields that sanitize
// to nothing keep their prior value, except avatar_ref where an empty string
// clears the avatar.
func applyPatch(p *participant, patch *protocol.ProfilePatch) {
	if patch == nil {
		return
	}
	if patch.DisplayName != nil {
		if name := cleanText(*patch.DisplayName, MaxNameLength); name != "" {
			p.displayName = name
		}
	}
	if patch.ColorTag != nil {
		if tag := cleanText(*patch.ColorTag, MaxTagLength); tag != "" {
			p.colorTag = tag
		}
	}
	if patch.RoleTag != nil {
		p.roleTag = cleanText(*patch.RoleTag, MaxTagLength)
	}
	if patch.RoleTagColor != nil {
		p.roleTagColor = cleanText(*patch.RoleTagColor, MaxTagLength)
	}
	if patch.AvatarRef != nil {
		if ref := strings.TrimSpace(*patch.AvatarRef); len(ref) <= MaxRefLength {
			p.avatarRef = ref
		}
	}
}

// cleanText trims, NFC-normalizes, and truncates s to max runes.
func cleanText(s string, max int) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:max]))
}
