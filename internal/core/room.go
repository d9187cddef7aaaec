package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"nexus/internal/protocol"
)

// ErrRoomClosed is returned once the room actor has stopped.
var ErrRoomClosed = errors.New("room closed")

// Room owns a RoomState on a single goroutine. Every inbound event, query,
// and periodic task runs there to completion, one at a time, so the state
// needs no locks.
type Room struct {
	state *RoomState
	inbox chan func(*RoomState)
	done  chan struct{}
	tick  time.Duration
}

// NewRoom wraps state in an actor. queue bounds the number of pending
// operations before callers block.
func NewRoom(state *RoomState, queue int) *Room {
	if queue <= 0 {
		queue = 256
	}
	return &Room{
		state: state,
		inbox: make(chan func(*RoomState), queue),
		done:  make(chan struct{}),
		tick:  time.Second,
	}
}

// Run processes operations and drives the activity sweep and the wipe clock
// until ctx is canceled. Connections still open on exit are released.
func (r *Room) Run(ctx context.Context) error {
	defer close(r.done)

	sweep := time.NewTicker(r.state.Options().ActivitySweep)
	defer sweep.Stop()
	clock := time.NewTicker(r.tick)
	defer clock.Stop()

	r.state.StartClock()
	slog.Info("room running", "wipe_interval", r.state.Options().WipeInterval, "idle_timeout", r.state.Options().IdleTimeout)

	for {
		select {
		case <-ctx.Done():
			r.state.Shutdown()
			slog.Info("room stopped")
			return nil
		case fn := <-r.inbox:
			fn(r.state)
		case <-sweep.C:
			r.state.SweepIdle()
		case <-clock.C:
			r.state.Tick()
		}
	}
}

// Done is closed when Run returns.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Do runs fn on the room goroutine and waits for it to finish.
func (r *Room) Do(ctx context.Context, fn func(*RoomState)) error {
	finished := make(chan struct{})
	if err := r.Post(ctx, func(s *RoomState) {
		defer close(finished)
		fn(s)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn for the room goroutine without waiting for it to run.
func (r *Room) Post(ctx context.Context, fn func(*RoomState)) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.inbox <- fn:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit registers a connection, or returns a *BannedError.
func (r *Room) Admit(ctx context.Context, connID, address string, privileged bool) (*Conn, error) {
	var (
		conn *Conn
		err  error
	)
	if doErr := r.Do(ctx, func(s *RoomState) {
		conn, err = s.Admit(connID, address, privileged)
	}); doErr != nil {
		return nil, doErr
	}
	return conn, err
}

// Dispatch queues one inbound frame.
func (r *Room) Dispatch(ctx context.Context, connID string, msg protocol.Message) error {
	return r.Post(ctx, func(s *RoomState) {
		s.Handle(connID, msg)
	})
}

// Disconnect queues the release of a closed connection.
func (r *Room) Disconnect(ctx context.Context, connID string) error {
	return r.Post(ctx, func(s *RoomState) {
		s.Disconnect(connID)
	})
}

// Snapshot is a read-only summary of the room.
type Snapshot struct {
	Conns            int                    `json:"conns"`
	Participants     []protocol.Participant `json:"participants"`
	Messages         int                    `json:"messages"`
	OpenVotes        int                    `json:"open_votes"`
	SecondsRemaining int                    `json:"seconds_remaining"`
}

// Snapshot returns the current room summary.
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := r.Do(ctx, func(s *RoomState) {
		snap = Snapshot{
			Conns:            s.ConnCount(),
			Participants:     s.Roster(),
			Messages:         len(s.history),
			OpenVotes:        len(s.votes),
			SecondsRemaining: s.SecondsRemaining(),
		}
	})
	return snap, err
}

// Gallery returns the media shared during the current epoch.
func (r *Room) Gallery(ctx context.Context) ([]protocol.Media, error) {
	var out []protocol.Media
	err := r.Do(ctx, func(s *RoomState) {
		out = s.Gallery()
	})
	return out, err
}

// Kick disconnects a connection without a vote. Authorization is the
// caller's job.
func (r *Room) Kick(ctx context.Context, targetID string) (bool, error) {
	var ok bool
	err := r.Do(ctx, func(s *RoomState) {
		ok = s.Kick(targetID)
	})
	return ok, err
}

// Ban bans a connection's address. Authorization is the caller's job.
func (r *Room) Ban(ctx context.Context, targetID string) (time.Time, bool, error) {
	var (
		until time.Time
		ok    bool
	)
	err := r.Do(ctx, func(s *RoomState) {
		until, ok = s.Ban(targetID)
	})
	return until, ok, err
}
