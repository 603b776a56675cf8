package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/metrics"
)

// AppendOptimistic validates content and appends a local message with a
// temporary id to the active conversation. The temporary id doubles as the
// client_id echoed by the server. A second identical message from the same
// sender is refused while the first is unresolved.
func (s *Store) AppendOptimistic(content string, replyTo *chat.Message) (chat.Message, error) {
	text, err := chat.ValidateMessage(content)
	if err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == "" {
		return chat.Message{}, ErrNoActiveConversation
	}
	for _, m := range s.messages {
		if m.Optimistic && m.Sender.ID == s.self.ID && m.Content == text {
			return chat.Message{}, ErrDuplicatePending
		}
	}

	id := chat.TempIDPrefix + uuid.NewString()
	m := chat.Message{
		ID:             id,
		ConversationID: s.active,
		Sender:         s.self,
		Content:        text,
		MessageType:    chat.KindText,
		CreatedAt:      s.now(),
		ClientID:       id,
		Optimistic:     true,
	}
	if replyTo != nil {
		m.ReplyTo = &chat.ReplyPreview{
			ID:          replyTo.ID,
			Content:     replyTo.Content,
			Sender:      replyTo.Sender.Username,
			MessageType: replyTo.MessageType,
		}
	}
	s.messages = append(s.messages, m)
	return m.Clone(), nil
}

// MarkSendFailed flags an optimistic message whose command could not be
// delivered. The message stays in the buffer.
func (s *Store) MarkSendFailed(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexMessage(tempID)
	if i < 0 || !s.messages[i].Optimistic {
		return false
	}
	s.messages[i].SendFailed = true
	return true
}

// RetryFailed clears the failure flag of a message so it can be sent again.
func (s *Store) RetryFailed(tempID string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexMessage(tempID)
	if i < 0 || !s.messages[i].Optimistic || !s.messages[i].SendFailed {
		return chat.Message{}, ErrMessageNotFound
	}
	s.messages[i].SendFailed = false
	return s.messages[i].Clone(), nil
}

// Reconcile applies a new_message from the server to the active buffer.
//
// The message replaces, in place, the optimistic entry whose temporary id
// equals its client_id, or failing that the oldest optimistic entry with the
// same sender and content. Otherwise it is inserted by createdAt unless its
// id is already present.
func (s *Store) Reconcile(m chat.Message) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Outcome
	switch {
	case m.ConversationID != "" && m.ConversationID != s.active:
		out = OutcomeIgnored
	case s.loading:
		// Counted once, with the outcome of the replay.
		msg := m.Clone()
		s.deferred = append(s.deferred, func() {
			o := s.reconcileLocked(msg)
			metrics.ReconcileTotal.WithLabelValues(o.String()).Inc()
		})
		return OutcomeDeferred
	default:
		out = s.reconcileLocked(m.Clone())
	}

	metrics.ReconcileTotal.WithLabelValues(out.String()).Inc()
	if out == OutcomeAppended && m.Sender.ID == s.self.ID {
		s.log.Warn("server echo matched no pending message", "id", m.ID)
	}
	return out
}

func (s *Store) reconcileLocked(m chat.Message) Outcome {
	m.Optimistic = false
	m.SendFailed = false

	slot := -1
	if m.ClientID != "" {
		for i := range s.messages {
			if s.messages[i].Optimistic && s.messages[i].ID == m.ClientID {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		for i := range s.messages {
			if s.messages[i].Optimistic &&
				s.messages[i].Sender.ID == m.Sender.ID &&
				s.messages[i].Content == m.Content {
				slot = i
				break
			}
		}
	}

	existing := s.indexMessage(m.ID)
	if slot >= 0 {
		if existing >= 0 {
			// The confirmed copy is already in the buffer; drop the placeholder.
			s.messages = append(s.messages[:slot], s.messages[slot+1:]...)
			return OutcomeDuplicate
		}
		if m.ClientID == "" {
			m.ClientID = s.messages[slot].ClientID
		}
		s.messages[slot] = m
		return OutcomeReplaced
	}
	if existing >= 0 {
		return OutcomeDuplicate
	}

	s.insertOrderedLocked(m)
	return OutcomeAppended
}

// insertOrderedLocked inserts m after every message not newer than it, so
// createdAt stays non-decreasing and ties keep arrival order.
func (s *Store) insertOrderedLocked(m chat.Message) {
	i := len(s.messages)
	for i > 0 && s.messages[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	s.messages = append(s.messages, chat.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

// ApplyRead records that reader read messageID. Events that arrive while a
// page is loading are applied after it.
func (s *Store) ApplyRead(messageID string, reader chat.User, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.IsZero() {
		at = s.now()
	}
	apply := func() {
		i := s.indexMessage(messageID)
		if i < 0 {
			return
		}
		m := &s.messages[i]
		if m.AddReader(reader, at) && reader.ID != m.Sender.ID {
			m.IsRead = true
		}
	}
	if s.loading {
		s.deferred = append(s.deferred, apply)
		return
	}
	apply()
}

// ApplyReaction records an emoji reaction on messageID.
func (s *Store) ApplyReaction(messageID, emoji string, user chat.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply := func() {
		if i := s.indexMessage(messageID); i >= 0 {
			s.messages[i].AddReaction(emoji, user)
		}
	}
	if s.loading {
		s.deferred = append(s.deferred, apply)
		return
	}
	apply()
}

// RemoveMessage drops a message the user deleted. It reports whether the
// message was in the buffer.
func (s *Store) RemoveMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexMessage(id)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return true
}

// Message returns a copy of one message from the active buffer.
func (s *Store) Message(id string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexMessage(id); i >= 0 {
		return s.messages[i].Clone(), true
	}
	return chat.Message{}, false
}

func (s *Store) indexMessage(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}
