package core

import (
	"testing"
	"time"

	"nexus/internal/protocol"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestState(t *testing.T, mutate func(*Options)) (*RoomState, *fakeClock) {
	t.Helper()
	opts := DefaultOptions()
	opts.SendBuffer = 256
	if mutate != nil {
		mutate(&opts)
	}
	clock := newFakeClock()
	return NewRoomState(opts, clock.Now, nil), clock
}

func admit(t *testing.T, s *RoomState, id, address string) *Conn {
	t.Helper()
	c, err := s.Admit(id, address, false)
	if err != nil {
		t.Fatalf("admit %s: %v", id, err)
	}
	return c
}

// joined admits and joins a connection, then discards everything queued so far
// on every connection.
func joined(t *testing.T, s *RoomState, id, address, name string) *Conn {
	t.Helper()
	c := admit(t, s, id, address)
	if _, ok := s.Join(id, &protocol.ProfilePatch{DisplayName: protocol.String(name)}); !ok {
		t.Fatalf("join %s failed", id)
	}
	drainAll(s)
	return c
}

// drain returns every frame currently queued on c without blocking.
func drain(c *Conn) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func drainAll(s *RoomState) {
	for _, c := range s.conns {
		drain(c)
	}
}

func ofType(msgs []protocol.Message, typ string) []protocol.Message {
	var out []protocol.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func lastOfType(t *testing.T, msgs []protocol.Message, typ string) protocol.Message {
	t.Helper()
	found := ofType(msgs, typ)
	if len(found) == 0 {
		t.Fatalf("no %s frame in %d frames", typ, len(msgs))
	}
	return found[len(found)-1]
}

func isClosed(c *Conn) bool {
	for {
		select {
		case _, ok := <-c.Send:
			if !ok {
				return true
			}
		default:
			return false
		}
	}
}

func rosterIDs(ps []protocol.Participant) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}
