package core

import (
	"log/slog"

	"nexus/internal/protocol"
)

// Handle applies one inbound frame from an admitted connection. Frames that
// do not validate are dropped without a reply and leave no trace, not even
// activity. Accepted frames count as activity from the sender.
func (s *RoomState) Handle(connID string, in protocol.Message) {
	if _, ok := s.conns[connID]; !ok {
		return
	}

	var accepted bool
	switch in.Type {
	case protocol.TypeJoin:
		s.Join(connID, in.Profile)
	case protocol.TypeUpdateProfile:
		// UpdateProfile marks the sender active and broadcasts the roster itself.
		s.UpdateProfile(connID, in.Profile)
	case protocol.TypeActivityPing:
		accepted = true
	case protocol.TypeTyping:
		if in.IsTyping != nil {
			accepted = s.Typing(connID, *in.IsTyping)
		}
	case protocol.TypeSendMessage:
		_, accepted = s.Send(connID, in.Draft)
	case protocol.TypeAddReaction:
		_, accepted = s.React(connID, in.MessageID, in.Symbol)
	case protocol.TypeStartVoteKick:
		accepted = s.StartVote(connID, in.TargetID)
	case protocol.TypeCastVote:
		accepted = s.CastVote(connID, in.TargetID, in.Ballot)
	case protocol.TypeAdminKick:
		accepted = s.AdminKick(connID, in.TargetID)
	case protocol.TypeAdminBan:
		accepted = s.AdminBan(connID, in.TargetID)
	default:
		slog.Debug("unsupported message type dropped", "conn_id", connID, "type", in.Type)
	}
	if accepted {
		s.Touch(connID)
	}
}

// Shutdown tells every connection the server is going away and releases it.
func (s *RoomState) Shutdown() {
	for id := range s.conns {
		s.sendTo(id, protocol.Message{Type: protocol.TypeForceDisconnect, Reason: protocol.ReasonServerClosed})
		s.release(id)
	}
	s.resetEpoch()
	s.StopClock()
}
