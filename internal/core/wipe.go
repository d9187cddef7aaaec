package core

import (
	"log/slog"

	"nexus/internal/protocol"
)

// roomClock counts down to the next wipe. Only one cycle is ever armed.
type roomClock struct {
	remaining int
	running   bool
}

func (s *RoomState) wipeSeconds() int {
	return int(s.opts.WipeInterval.Seconds())
}

// StartClock arms the countdown. Starting a running clock is a no-op.
func (s *RoomState) StartClock() bool {
	if s.clock.running {
		return false
	}
	s.clock.running = true
	if s.clock.remaining <= 0 {
		s.clock.remaining = s.wipeSeconds()
	}
	slog.Info("wipe clock started", "seconds_remaining", s.clock.remaining)
	return true
}

// StopClock pauses the countdown.
func (s *RoomState) StopClock() {
	s.clock.running = false
}

// SecondsRemaining returns the seconds until the next wipe.
func (s *RoomState) SecondsRemaining() int {
	return s.clock.remaining
}

// Tick advances the clock by one second and broadcasts the new value. When
// the countdown reaches zero the room is wiped and the clock re-armed. It
// reports whether a wipe happened.
func (s *RoomState) Tick() bool {
	if !s.clock.running {
		return false
	}
	s.clock.remaining--
	wiped := false
	if s.clock.remaining <= 0 {
		s.Wipe()
		wiped = true
	}
	s.broadcast(protocol.Message{
		Type:             protocol.TypeTimerUpdate,
		SecondsRemaining: protocol.Int(s.clock.remaining),
	}, "")
	return wiped
}

// Wipe forgets participants, messages, reactions, media, votes, strikes, and
// bans in one step, tells every connection, runs the wipe hooks, and re-arms
// the clock. Connections stay open and must join again.
func (s *RoomState) Wipe() {
	participants, messages, votes := len(s.participants), len(s.history), len(s.votes)
	s.resetEpoch()
	s.clock.remaining = s.wipeSeconds()
	s.metrics.Wipes.Inc()
	slog.Info("room wiped", "participants", participants, "messages", messages, "votes", votes, "conns", len(s.conns))

	s.broadcast(protocol.Message{Type: protocol.TypeSystemWipe}, "")
	for _, fn := range s.onWipe {
		fn()
	}
}
