package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/protocol"
	"github.com/pixora/chat-sync/internal/store"
	"github.com/pixora/chat-sync/internal/transport"
)

// SendMessage shows content immediately as an optimistic message in the
// active conversation and sends it. A send the transport drops flags the
// message as failed; it is never removed. The returned message carries the
// temporary id.
func (s *Session) SendMessage(ctx context.Context, content string, replyTo *chat.Message) (chat.Message, error) {
	m, err := s.store.AppendOptimistic(content, replyTo)
	if err != nil {
		return chat.Message{}, err
	}
	s.store.UpdateConversationSummary(m)
	s.composer.Sent()
	s.notify()

	return s.deliver(ctx, m), nil
}

// SendTo selects conversationID when it is not active, then sends content.
func (s *Session) SendTo(ctx context.Context, conversationID, content string) (chat.Message, error) {
	if s.store.Active() != conversationID {
		err := s.SelectConversation(ctx, conversationID)
		if err != nil && !errors.Is(err, store.ErrSelectionSuperseded) {
			return chat.Message{}, fmt.Errorf("chatsync: select %s: %w", conversationID, err)
		}
	}
	return s.SendMessage(ctx, content, nil)
}

// RetrySend sends a failed optimistic message again.
func (s *Session) RetrySend(ctx context.Context, tempID string) (chat.Message, error) {
	m, err := s.store.RetryFailed(tempID)
	if err != nil {
		return chat.Message{}, err
	}
	s.notify()
	return s.deliver(ctx, m), nil
}

func (s *Session) deliver(ctx context.Context, m chat.Message) chat.Message {
	cmd := protocol.SendMessageCmd{
		ConversationID: m.ConversationID,
		Content:        m.Content,
		ClientID:       m.ClientID,
	}
	if m.ReplyTo != nil {
		cmd.ReplyTo = m.ReplyTo.ID
	}
	if err := s.send(ctx, cmd); err != nil {
		if s.store.MarkSendFailed(m.ID) {
			m.SendFailed = true
			s.notify()
		}
	}
	return m
}

// AddReaction reacts to a message. The reaction shows locally at once.
func (s *Session) AddReaction(ctx context.Context, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if messageID == "" || emoji == "" {
		return fmt.Errorf("chatsync: reaction needs a message id and an emoji")
	}
	s.store.ApplyReaction(messageID, emoji, s.store.Self())
	s.notify()
	_ = s.send(ctx, protocol.AddReactionCmd{MessageID: messageID, Emoji: emoji})
	return nil
}

// MarkMessageRead acknowledges one message. When the socket cannot take
// the receipt it goes over REST instead.
func (s *Session) MarkMessageRead(ctx context.Context, messageID string) error {
	err := s.send(ctx, protocol.MarkAsReadCmd{MessageID: messageID})
	if errors.Is(err, transport.ErrCommandDropped) {
		err = s.api.MarkMessageRead(ctx, messageID)
	}
	return err
}
