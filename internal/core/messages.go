package core

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"nexus/internal/protocol"
)

// Send relays a chat message from a joined participant to every connection,
// the sender included. Unjoined senders, empty drafts, and rate-limited
// messages are dropped without a reply, except for burst warnings which go
// to the sender alone.
func (s *RoomState) Send(connID string, draft *protocol.Draft) (protocol.ChatMessage, bool) {
	p, ok := s.participants[connID]
	if !ok {
		s.metrics.MessagesDropped.WithLabelValues("not_joined").Inc()
		return protocol.ChatMessage{}, false
	}
	if draft == nil || (strings.TrimSpace(draft.Text) == "" && draft.MediaRef == "") {
		s.metrics.MessagesDropped.WithLabelValues("empty").Inc()
		return protocol.ChatMessage{}, false
	}

	now := s.now()
	switch verdict := s.limiter.allow(p, now); verdict {
	case VerdictAllow:
	case VerdictWarn, VerdictMute:
		s.metrics.MessagesDropped.WithLabelValues("rate_" + verdict.String()).Inc()
		warning := protocol.Message{Type: protocol.TypeRateWarning, Reason: verdict.String()}
		if verdict == VerdictMute {
			warning.Until = p.rate.mutedUntil.UnixMilli()
		}
		s.sendTo(connID, warning)
		slog.Info("rate limit escalation", "participant_id", connID, "verdict", verdict.String(), "warnings", p.rate.warnings)
		return protocol.ChatMessage{}, false
	default:
		s.metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
		slog.Debug("message rate limited", "participant_id", connID)
		return protocol.ChatMessage{}, false
	}

	msg := protocol.ChatMessage{
		ID:        ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		Author:    p.author(),
		Text:      draft.Text,
		MediaRef:  draft.MediaRef,
		MediaType: draft.MediaType,
		ReplyToID: draft.ReplyToID,
		SentAt:    now.UnixMilli(),
	}
	if draft.ReplyToID != "" {
		msg.ReplyPreview = s.replyPreview(draft.ReplyToID)
	}

	s.appendHistory(msg)
	s.reactions[msg.ID] = make(map[string]int)
	if msg.MediaRef != "" {
		s.appendGallery(protocol.Media{
			MessageID: msg.ID,
			MediaRef:  msg.MediaRef,
			MediaType: msg.MediaType,
			SentAt:    msg.SentAt,
		})
	}

	out := s.view(msg)
	s.broadcast(protocol.Message{Type: protocol.TypeMessageReceived, Chat: &out}, "")
	s.metrics.MessagesRelayed.Inc()

	p.lastMessageAt = now
	p.lastActiveAt = now
	slog.Debug("message relayed", "message_id", msg.ID, "participant_id", connID, "has_media", msg.MediaRef != "")
	for _, fn := range s.onMessage {
		fn(out)
	}
	return out, true
}

// AttachLinkPreview stores preview on a retained message and broadcasts it.
// Messages that were evicted or wiped in the meantime are skipped.
func (s *RoomState) AttachLinkPreview(messageID string, preview protocol.LinkPreview) bool {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID != messageID {
			continue
		}
		lp := preview
		s.history[i].LinkPreview = &lp
		s.broadcast(protocol.Message{
			Type:        protocol.TypeLinkPreview,
			MessageID:   messageID,
			LinkPreview: &lp,
		}, "")
		return true
	}
	return false
}

// React increments the count for symbol on a known message and broadcasts
// the full reaction map. Repeated reactions from one participant all count.
func (s *RoomState) React(connID, messageID, symbol string) (map[string]int, bool) {
	if _, ok := s.participants[connID]; !ok {
		return nil, false
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" || len(symbol) > MaxSymbolLength || !utf8.ValidString(symbol) {
		return nil, false
	}
	counts, ok := s.reactions[messageID]
	if !ok {
		return nil, false
	}
	counts[symbol]++
	s.metrics.Reactions.Inc()

	snapshot := copyCounts(counts)
	s.broadcast(protocol.Message{
		Type:      protocol.TypeReactionUpdate,
		MessageID: messageID,
		Reactions: snapshot,
	}, "")
	return snapshot, true
}

// Typing tells every other connection that a participant started or stopped
// typing. Nothing is retained.
func (s *RoomState) Typing(connID string, isTyping bool) bool {
	p, ok := s.participants[connID]
	if !ok {
		return false
	}
	s.broadcast(protocol.Message{
		Type:        protocol.TypeTypingUpdate,
		SenderID:    connID,
		DisplayName: p.displayName,
		IsTyping:    protocol.Bool(isTyping),
	}, connID)
	return true
}

// History returns the retained messages, oldest first, with current reactions.
func (s *RoomState) History() []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, len(s.history))
	for i, m := range s.history {
		out[i] = s.view(m)
	}
	return out
}

// Gallery returns the media shared during the current epoch, oldest first.
func (s *RoomState) Gallery() []protocol.Media {
	out := make([]protocol.Media, len(s.gallery))
	copy(out, s.gallery)
	return out
}

// KnowsMessage reports whether messageID still has a reaction map.
func (s *RoomState) KnowsMessage(messageID string) bool {
	_, ok := s.reactions[messageID]
	return ok
}

func (s *RoomState) view(msg protocol.ChatMessage) protocol.ChatMessage {
	msg.Reactions = copyCounts(s.reactions[msg.ID])
	return msg
}

func (s *RoomState) appendHistory(m protocol.ChatMessage) {
	s.history = append(s.history, m)
	if over := len(s.history) - s.opts.HistoryLimit; over > 0 {
		for _, evicted := range s.history[:over] {
			delete(s.reactions, evicted.ID)
		}
		s.history = append([]protocol.ChatMessage(nil), s.history[over:]...)
	}
}

func (s *RoomState) appendGallery(m protocol.Media) {
	s.gallery = append(s.gallery, m)
	if over := len(s.gallery) - s.opts.GalleryLimit; over > 0 {
		s.gallery = append([]protocol.Media(nil), s.gallery[over:]...)
	}
}

func (s *RoomState) replyPreview(messageID string) *protocol.ReplyPreview {
	for i := len(s.history) - 1; i >= 0; i-- {
		m := s.history[i]
		if m.ID != messageID {
			continue
		}
		text := m.Text
		if utf8.RuneCountInString(text) > MaxPreviewRunes {
			text = string([]rune(text)[:MaxPreviewRunes])
		}
		return &protocol.ReplyPreview{
			MessageID:   m.ID,
			DisplayName: m.Author.DisplayName,
			Text:        text,
		}
	}
	return nil
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
