package chatsync

import (
	"context"

	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/protocol"
	"github.com/pixora/chat-sync/internal/store"
)

// handleEvent applies one inbound event. It runs on the transport's read
// goroutine, so events are applied in receipt order.
func (s *Session) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.NewMessageEvent:
		s.onNewMessage(e.Message)

	case protocol.TypingEvent:
		active := s.store.Active()
		if e.ConversationID != "" && e.ConversationID != active {
			return
		}
		if e.UserID == s.store.Self().ID {
			return
		}
		if !s.tracker.OnTypingEvent(e.UserID, e.Username, e.IsTyping) {
			return
		}

	case protocol.MessageReadEvent:
		s.store.ApplyRead(e.MessageID, chat.User{ID: e.UserID, Username: e.Username}, s.now())

	case protocol.ReactionAddedEvent:
		s.store.ApplyReaction(e.MessageID, e.Emoji, chat.User{ID: e.UserID, Username: e.Username})

	case protocol.ConversationUpdatedEvent:
		s.store.ApplyConversationUpdate(e.Conversation)

	case protocol.ErrorEvent:
		s.log.Warn("server error", "code", e.Code, "message", e.Message)
		return

	case protocol.ConnectionEstablishedEvent:
		s.log.Info("connection established", "message", e.Message)
		return

	case protocol.JoinedConversationEvent:
		s.log.Debug("joined conversation", "conversation", e.ConversationID)
		return

	default:
		return
	}
	s.notify()
}

func (s *Session) onNewMessage(m chat.Message) {
	self := s.store.Self()
	out := s.store.Reconcile(m)
	s.store.UpdateConversationSummary(m)

	if out == store.OutcomeIgnored || m.Sender.ID == self.ID || m.IsTemporary() {
		return
	}
	// Auto read receipt for messages that land in the open conversation.
	_ = s.send(context.Background(), protocol.MarkAsReadCmd{MessageID: m.ID})
}
