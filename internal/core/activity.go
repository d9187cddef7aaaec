package core

import (
	"log/slog"

	"nexus/internal/protocol"
)

// Touch records inbound activity from a joined participant. An idle
// participant becomes active again and the roster is broadcast.
func (s *RoomState) Touch(connID string) bool {
	p, ok := s.participants[connID]
	if !ok {
		return false
	}
	p.lastActiveAt = s.now()
	if p.presence == protocol.PresenceActive {
		return false
	}
	p.presence = protocol.PresenceActive
	slog.Debug("participant active", "participant_id", connID)
	s.broadcastRoster()
	return true
}

// SweepIdle marks every active participant whose last activity is older
// than the idle timeout as idle. The roster is broadcast once if anything
// changed. It returns the number of transitions.
func (s *RoomState) SweepIdle() int {
	now := s.now()
	changed := 0
	for _, p := range s.participants {
		if p.presence != protocol.PresenceActive {
			continue
		}
		if now.Sub(p.lastActiveAt) > s.opts.IdleTimeout {
			p.presence = protocol.PresenceIdle
			changed++
		}
	}
	if changed > 0 {
		slog.Debug("participants idle", "count", changed)
		s.broadcastRoster()
	}
	return changed
}
