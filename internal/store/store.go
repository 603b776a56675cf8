// Package store is the in-memory conversation cache the UI renders from. It
// merges REST snapshots, live server events and local optimistic sends into
// one ordered view without duplicating or reordering messages.
package store

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/logging"
)

var (
	ErrNoActiveConversation = errors.New("store: no active conversation")
	ErrEmptyMessage         = chat.ErrEmptyMessage
	ErrDuplicatePending     = errors.New("store: identical message is still pending")
	ErrSelectionSuperseded  = errors.New("store: selection superseded by a newer one")
	ErrMessageNotFound      = errors.New("store: message not found")
)

// Outcome describes how a server message was applied.
type Outcome int

const (
	OutcomeReplaced  Outcome = iota // an optimistic placeholder was resolved
	OutcomeAppended                 // no placeholder and a new id
	OutcomeDuplicate                // id already present
	OutcomeDeferred                 // held until the selected page arrives
	OutcomeIgnored                  // not for the active conversation
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplaced:
		return "replaced"
	case OutcomeAppended:
		return "appended"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Options configures a Store.
type Options struct {
	Self   chat.User
	Logger *slog.Logger
	Now    func() time.Time
}

// Store is safe for concurrent use. All buffers are mutated only through its
// methods.
type Store struct {
	log *slog.Logger
	now func() time.Time

	mu            sync.RWMutex
	self          chat.User
	conversations []chat.Conversation
	active        string
	messages      []chat.Message
	hasMore       bool

	generation uint64
	loading    bool
	deferred   []func()
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		log:           logging.Component(opts.Logger, "store"),
		now:           opts.Now,
		self:          opts.Self,
		conversations: []chat.Conversation{},
		messages:      []chat.Message{},
	}
}

// SetSelf sets the user that optimistic messages are attributed to.
func (s *Store) SetSelf(u chat.User) {
	s.mu.Lock()
	s.self = u
	s.mu.Unlock()
}

// Self returns the current user.
func (s *Store) Self() chat.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// SetConversations replaces the conversation list wholesale, in the order
// given. A nil list is treated as empty.
func (s *Store) SetConversations(list []chat.Conversation) {
	out := make([]chat.Conversation, 0, len(list))
	for _, c := range list {
		out = append(out, c.Clone())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = out
	if i := s.indexConversation(s.active); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
}

// UpsertConversation replaces the conversation in place when present and
// prepends it otherwise. It reports whether the conversation was new.
func (s *Store) UpsertConversation(c chat.Conversation) (created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(c.Clone())
}

// ApplyConversationUpdate applies a conversation_updated event.
func (s *Store) ApplyConversationUpdate(c chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c = c.Clone()
	if c.ID == s.active {
		c.UnreadCount = 0
	}
	s.upsertLocked(c)
}

func (s *Store) upsertLocked(c chat.Conversation) bool {
	if i := s.indexConversation(c.ID); i >= 0 {
		s.conversations[i] = c
		return false
	}
	s.conversations = append([]chat.Conversation{c}, s.conversations...)
	return true
}

// UpdateConversationSummary records m as the last message of its
// conversation and re-sorts the list by updatedAt, newest first. Messages
// from other users bump the unread count unless the conversation is active.
// It reports false when the conversation is not in the list.
func (s *Store) UpdateConversationSummary(m chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexConversation(m.ConversationID)
	if i < 0 {
		s.log.Debug("summary for unknown conversation", "conversation", m.ConversationID)
		return false
	}
	last := m.Clone()
	c := &s.conversations[i]
	c.LastMessage = &last
	c.UpdatedAt = m.CreatedAt
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	if c.ID != s.active && m.Sender.ID != s.self.ID && !m.Optimistic {
		c.UnreadCount++
	}

	sort.SliceStable(s.conversations, func(a, b int) bool {
		return s.conversations[a].UpdatedAt.After(s.conversations[b].UpdatedAt)
	})
	return true
}

// MarkConversationRead resets the unread count of a conversation.
func (s *Store) MarkConversationRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexConversation(id); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
}

// Conversations returns a copy of the conversation list.
func (s *Store) Conversations() []chat.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.Clone()
	}
	return out
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(id string) (chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexConversation(id); i >= 0 {
		return s.conversations[i].Clone(), true
	}
	return chat.Conversation{}, false
}

func (s *Store) indexConversation(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

// BeginSelect makes id the active conversation, empties the message buffer
// and starts holding events for id until CompleteSelect. It returns the
// selection generation and the previously active conversation.
func (s *Store) BeginSelect(id string) (gen uint64, prev string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.active
	s.generation++
	s.active = id
	s.messages = []chat.Message{}
	s.hasMore = false
	s.loading = true
	s.deferred = nil
	if i := s.indexConversation(id); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
	return s.generation, prev
}

// CompleteSelect installs the fetched page for selection gen, then replays
// events held since BeginSelect. Optimistic messages written while loading
// are kept after the page. A stale gen is discarded with
// ErrSelectionSuperseded.
func (s *Store) CompleteSelect(gen uint64, page []chat.Message, hasMore bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return ErrSelectionSuperseded
	}

	msgs := make([]chat.Message, 0, len(page)+len(s.messages))
	seen := make(map[string]struct{}, len(page))
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		msgs = append(msgs, m.Clone())
	}
	sort.SliceStable(msgs, func(a, b int) bool {
		return msgs[a].CreatedAt.Before(msgs[b].CreatedAt)
	})
	for _, m := range s.messages {
		if m.Optimistic {
			msgs = append(msgs, m)
		}
	}

	s.messages = msgs
	s.hasMore = hasMore
	s.finishSelectLocked()
	return nil
}

// FailSelect ends selection gen after a failed fetch. The buffer keeps only
// what arrived live since BeginSelect.
func (s *Store) FailSelect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.finishSelectLocked()
}

func (s *Store) finishSelectLocked() {
	s.loading = false
	pending := s.deferred
	s.deferred = nil
	for _, fn := range pending {
		fn()
	}
}

// Active returns the active conversation id, or "" when none.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Loading reports whether the active conversation's page is being fetched.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// HasMore reports whether older messages can be fetched.
func (s *Store) HasMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasMore
}

// Messages returns a copy of the active conversation's buffer.
func (s *Store) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// MergePage merges a further page of conversation id into the buffer by
// createdAt, skipping ids already present. The page may hold older or newer
// messages than the buffer. It returns how many were added.
func (s *Store) MergePage(id string, page []chat.Message, hasMore bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.active || s.loading {
		return 0
	}

	added := 0
	for _, m := range page {
		if s.indexMessage(m.ID) >= 0 {
			continue
		}
		s.insertOrderedLocked(m.Clone())
		added++
	}
	s.hasMore = hasMore
	return added
}

// Reset forgets everything, used at logout.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.conversations = []chat.Conversation{}
	s.active = ""
	s.messages = []chat.Message{}
	s.hasMore = false
	s.loading = false
	s.deferred = nil
}
