package core

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"nexus/internal/protocol"
)

// Conn is the server side of one admitted connection. The transport drains
// Send; the room closes it exactly once when the connection is released.
type Conn struct {
	ID         string
	Address    string
	Privileged bool
	Send       chan protocol.Message

	closed bool
}

// BannedError rejects a connection whose source address is banned.
type BannedError struct {
	Address string
	Until   time.Time
}

func (e *BannedError) Error() string {
	return fmt.Sprintf("address %s banned until %s", e.Address, e.Until.UTC().Format(time.RFC3339))
}

// RoomState is the whole mutable state of the room. It is not safe for
// concurrent use: a Room actor owns it and serializes every call.
type RoomState struct {
	opts    Options
	limiter RateLimiter
	now     func() time.Time
	metrics *Metrics
	entropy io.Reader

	conns        map[string]*Conn
	participants map[string]*participant
	joinSeq      uint64

	history   []protocol.ChatMessage
	reactions map[string]map[string]int
	gallery   []protocol.Media

	votes   map[string]*voteSession
	bans    map[string]time.Time
	strikes map[string]int

	clock     roomClock
	onWipe    []func()
	onMessage []func(protocol.ChatMessage)
}

// NewRoomState returns an empty room. now may be nil (time.Now) and metrics
// may be nil (unregistered collectors).
func NewRoomState(opts Options, now func() time.Time, metrics *Metrics) *RoomState {
	opts = opts.withDefaults()
	if now == nil {
		now = time.Now
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &RoomState{
		opts:    opts,
		limiter: NewRateLimiter(opts),
		now:     now,
		metrics: metrics,
		entropy: ulid.Monotonic(rand.Reader, 0),
		conns:   make(map[string]*Conn),
	}
	s.resetEpoch()
	s.clock.remaining = s.wipeSeconds()
	return s
}

// Options returns the effective configuration.
func (s *RoomState) Options() Options {
	return s.opts
}

// OnWipe registers fn to run inside the wipe step, after state is cleared.
func (s *RoomState) OnWipe(fn func()) {
	s.onWipe = append(s.onWipe, fn)
}

// OnMessage registers fn to run after every relayed chat message. fn runs on
// the room goroutine and must not block.
func (s *RoomState) OnMessage(fn func(protocol.ChatMessage)) {
	s.onMessage = append(s.onMessage, fn)
}

// resetEpoch clears everything a wipe forgets. Connections survive.
func (s *RoomState) resetEpoch() {
	s.participants = make(map[string]*participant)
	s.history = nil
	s.reactions = make(map[string]map[string]int)
	s.gallery = nil
	s.votes = make(map[string]*voteSession)
	s.bans = make(map[string]time.Time)
	s.strikes = make(map[string]int)
	s.metrics.Participants.Set(0)
}

// Admit registers a new connection unless its source address is banned.
// The admitted connection is greeted with a welcome snapshot.
func (s *RoomState) Admit(connID, address string, privileged bool) (*Conn, error) {
	if connID == "" {
		return nil, fmt.Errorf("connection id is required")
	}
	if _, exists := s.conns[connID]; exists {
		return nil, fmt.Errorf("connection %s already admitted", connID)
	}
	if until, banned := s.bannedUntil(address); banned {
		s.metrics.Admissions.WithLabelValues("banned").Inc()
		slog.Info("connection refused", "conn_id", connID, "address", address, "banned_until", until)
		return nil, &BannedError{Address: address, Until: until}
	}

	c := &Conn{
		ID:         connID,
		Address:    address,
		Privileged: privileged,
		Send:       make(chan protocol.Message, s.opts.SendBuffer),
	}
	s.conns[connID] = c
	s.metrics.Admissions.WithLabelValues("accepted").Inc()
	s.metrics.Connections.Set(float64(len(s.conns)))

	s.sendTo(connID, protocol.Message{
		Type:             protocol.TypeWelcome,
		SelfID:           connID,
		SecondsRemaining: protocol.Int(s.clock.remaining),
		Participants:     s.Roster(),
		History:          s.History(),
	})
	slog.Info("connection admitted", "conn_id", connID, "address", address, "privileged", privileged, "total_conns", len(s.conns))
	return c, nil
}

// Disconnect handles a transport-level close. Unknown ids are ignored.
func (s *RoomState) Disconnect(connID string) {
	if _, ok := s.conns[connID]; !ok {
		return
	}
	s.Remove(connID)
	s.release(connID)
}

// ConnCount returns the number of admitted connections.
func (s *RoomState) ConnCount() int {
	return len(s.conns)
}

// release drops a connection and closes its outbound queue.
func (s *RoomState) release(connID string) {
	c, ok := s.conns[connID]
	if !ok {
		return
	}
	delete(s.conns, connID)
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	s.metrics.Connections.Set(float64(len(s.conns)))
	slog.Debug("connection released", "conn_id", connID, "remaining_conns", len(s.conns))
}

// evict sends a final force_disconnect and releases the connection.
func (s *RoomState) evict(connID, reason string, until time.Time) {
	msg := protocol.Message{Type: protocol.TypeForceDisconnect, Reason: reason}
	if !until.IsZero() {
		msg.Until = until.UnixMilli()
	}
	s.sendTo(connID, msg)
	s.Remove(connID)
	s.release(connID)
}

// broadcast queues msg for every connection except exceptID.
func (s *RoomState) broadcast(msg protocol.Message, exceptID string) {
	sent := 0
	for id, c := range s.conns {
		if exceptID != "" && id == exceptID {
			continue
		}
		if trySend(c, msg) {
			sent++
		}
	}
	slog.Debug("broadcast", "type", msg.Type, "recipients", sent, "total", len(s.conns))
}

// sendTo queues msg for one connection.
func (s *RoomState) sendTo(connID string, msg protocol.Message) bool {
	c, ok := s.conns[connID]
	if !ok {
		return false
	}
	return trySend(c, msg)
}

// trySend never blocks the room: a full queue drops the frame for that
// connection only.
func trySend(c *Conn, msg protocol.Message) bool {
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		slog.Debug("outbound queue full, frame dropped", "conn_id", c.ID, "type", msg.Type)
		return false
	}
}
