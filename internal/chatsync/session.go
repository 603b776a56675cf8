// Package chatsync is the facade a UI or a headless bridge talks to. A
// Session owns the transport, the conversation store and the typing state
// for one logged-in user, and publishes a Snapshot after every change.
package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pixora/chat-sync/internal/api"
	"github.com/pixora/chat-sync/internal/auth"
	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/logging"
	"github.com/pixora/chat-sync/internal/presence"
	"github.com/pixora/chat-sync/internal/protocol"
	"github.com/pixora/chat-sync/internal/resume"
	"github.com/pixora/chat-sync/internal/store"
	"github.com/pixora/chat-sync/internal/transport"
)

var (
	ErrNotAuthenticated = errors.New("chatsync: no access token")
	ErrClosed           = errors.New("chatsync: session closed")
)

// API is the REST surface a Session needs. *api.Client implements it.
type API interface {
	ListConversations(ctx context.Context) (chat.Page[chat.Conversation], error)
	CreateOrGetConversation(ctx context.Context, participantID string) (chat.Conversation, error)
	Messages(ctx context.Context, conversationID string, page int) (chat.Page[chat.Message], error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	MarkMessageRead(ctx context.Context, messageID string) error
	SendAttachment(ctx context.Context, u api.Upload) (chat.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Transport is the live connection a Session drives. *transport.Client
// implements it.
type Transport interface {
	Connect(token string)
	Disconnect()
	SetUserID(id string)
	Send(ctx context.Context, cmd protocol.Command) error
	State() transport.State
	Subscribe(h transport.Handler) (unsubscribe func())
	OnStateChange(fn func(transport.State)) (unsubscribe func())
}

// Snapshot is everything a UI renders.
type Snapshot struct {
	Conversations        []chat.Conversation
	ActiveConversationID string
	Messages             []chat.Message
	ConnectionState      transport.State
	TypingUsers          map[string]string
	Loading              bool
	HasMore              bool
}

// Options configures a Session. API, Transport and Tokens are required.
type Options struct {
	API       API
	Transport Transport
	Tokens    auth.TokenSource
	Notifier  *auth.Notifier // optional; "unauthenticated" tears the transport down
	Resume    resume.Store   // optional; the last conversation is reselected on Start

	// Self is the logged-in user. When its ID is empty Start reads user_id
	// from the access token.
	Self       chat.User
	TypingIdle time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Session is safe for concurrent use.
type Session struct {
	api      API
	conn     Transport
	tokens   auth.TokenSource
	resume   resume.Store
	log      *slog.Logger
	now      func() time.Time
	store    *store.Store
	tracker  *presence.Tracker
	composer *presence.Composer

	mu       sync.Mutex
	state    transport.State
	page     int
	pageConv string
	subs     map[int]func(Snapshot)
	nextSub  int
	unsubs   []func()
	closed   bool

	// notifyMu keeps snapshots delivered in mutation order.
	notifyMu sync.Mutex
}

// New wires a Session to its collaborators. Nothing is dialed until Start.
func New(opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logging.Component(opts.Logger, "chatsync")
	s := &Session{
		api:     opts.API,
		conn:    opts.Transport,
		tokens:  opts.Tokens,
		resume:  opts.Resume,
		log:     log,
		now:     opts.Now,
		store:   store.New(store.Options{Self: opts.Self, Logger: opts.Logger, Now: opts.Now}),
		tracker: presence.NewTracker(),
		state:   opts.Transport.State(),
		subs:    make(map[int]func(Snapshot)),
	}
	s.composer = presence.NewComposer(opts.TypingIdle, s.emitTyping)

	s.unsubs = append(s.unsubs,
		s.conn.Subscribe(s.handleEvent),
		s.conn.OnStateChange(s.onState),
	)
	if opts.Notifier != nil {
		s.unsubs = append(s.unsubs, opts.Notifier.Subscribe(s.onUnauthenticated))
	}
	return s
}

// Start connects the transport with the current token and loads the
// conversation list. A conversation persisted in the resume store is
// selected again.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	token, ok := s.tokens.AccessToken()
	if !ok {
		return ErrNotAuthenticated
	}
	if s.store.Self().ID == "" {
		claims, err := auth.ParseClaims(token)
		if err != nil {
			return err
		}
		self := s.store.Self()
		self.ID = claims.UserID
		s.store.SetSelf(self)
	}

	// The transport keys the resume store by the same user.
	s.conn.SetUserID(s.store.Self().ID)
	s.conn.Connect(token)
	if err := s.LoadConversations(ctx); err != nil {
		return err
	}

	if s.resume == nil {
		return nil
	}
	last, err := s.resume.LastConversation(ctx, s.store.Self().ID)
	if err != nil {
		s.log.Warn("resume lookup failed", "err", err)
		return nil
	}
	if last != "" {
		s.log.Info("resuming conversation", "conversation", last)
		if err := s.SelectConversation(ctx, last); err != nil {
			s.log.Warn("resume select failed", "conversation", last, "err", err)
		}
	}
	return nil
}

// RefreshToken reconnects when the token source now holds a different
// token, and disconnects when it holds none.
func (s *Session) RefreshToken() {
	if s.isClosed() {
		return
	}
	token, ok := s.tokens.AccessToken()
	if !ok {
		s.conn.Disconnect()
		return
	}
	s.conn.Connect(token)
}

// Close disconnects and forgets all state. Subscribers are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.subs = make(map[int]func(Snapshot))
	s.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	s.composer.Stop()
	s.conn.Disconnect()
	s.tracker.Clear()
	s.store.Reset()
	s.log.Info("session closed")
}

// Self returns the logged-in user.
func (s *Session) Self() chat.User {
	return s.store.Self()
}

// Composer returns the typing debouncer for the message field. Its signals
// go to the active conversation.
func (s *Session) Composer() *presence.Composer {
	return s.composer
}

// OnEvent registers h for every inbound transport event, after the Session
// has applied it.
func (s *Session) OnEvent(h transport.Handler) (unsubscribe func()) {
	return s.conn.Subscribe(h)
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	return Snapshot{
		Conversations:        s.store.Conversations(),
		ActiveConversationID: s.store.Active(),
		Messages:             s.store.Messages(),
		ConnectionState:      state,
		TypingUsers:          s.tracker.Users(),
		Loading:              s.store.Loading(),
		HasMore:              s.store.HasMore(),
	}
}

// Subscribe calls fn with a fresh Snapshot after every change. fn runs on
// the goroutine that made the change and must not call mutating Session
// methods.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) onState(st transport.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug("connection state", "state", st)
	s.notify()
}

func (s *Session) onUnauthenticated() {
	s.log.Warn("access token rejected, disconnecting")
	s.composer.Stop()
	s.conn.Disconnect()
}

// send hands cmd to the transport. A dropped command is logged by the
// transport and only reported to the caller.
func (s *Session) send(ctx context.Context, cmd protocol.Command) error {
	err := s.conn.Send(ctx, cmd)
	if err != nil && !errors.Is(err, transport.ErrCommandDropped) {
		s.log.Warn("send failed", "type", cmd.CommandType(), "err", err)
	}
	return err
}

func (s *Session) emitTyping(isTyping bool) {
	active := s.store.Active()
	if active == "" {
		return
	}
	_ = s.send(context.Background(), protocol.TypingCmd{ConversationID: active, IsTyping: isTyping})
}

// ---------------------------------------------------------------------------
// REST-backed operations
// ---------------------------------------------------------------------------

// LoadConversations replaces the conversation list. On failure the list is
// left unchanged and the *api.FetchError is returned.
func (s *Session) LoadConversations(ctx context.Context) error {
	page, err := s.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	s.store.SetConversations(page.Items)
	s.notify()
	return nil
}

// CreateOrGetConversation returns the direct conversation with
// participantID and puts it in the list.
func (s *Session) CreateOrGetConversation(ctx context.Context, participantID string) (chat.Conversation, error) {
	conv, err := s.api.CreateOrGetConversation(ctx, participantID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if s.store.UpsertConversation(conv) {
		s.log.Debug("conversation added", "conversation", conv.ID)
	}
	s.notify()
	return conv, nil
}

// SelectConversation leaves the previous conversation, joins id and resets
// the message buffer to id's first page. Live events for id that arrive
// before the page are applied after it. When a newer selection started in
// the meantime the page is discarded and store.ErrSelectionSuperseded is
// returned.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.composer.Stop()

	gen, prev := s.store.BeginSelect(id)
	s.tracker.Clear()
	if prev != "" && prev != id {
		_ = s.send(ctx, protocol.LeaveConversationCmd{ConversationID: prev})
	}
	_ = s.send(ctx, protocol.JoinConversationCmd{ConversationID: id})
	s.notify()

	page, err := s.api.Messages(ctx, id, 1)
	if err != nil {
		s.store.FailSelect(gen)
		s.notify()
		return err
	}
	if err := s.store.CompleteSelect(gen, page.Items, page.HasMore()); err != nil {
		s.log.Debug("stale page discarded", "conversation", id)
		return err
	}
	s.mu.Lock()
	s.page, s.pageConv = 1, id
	s.mu.Unlock()
	s.notify()

	if err := s.api.MarkConversationRead(ctx, id); err != nil {
		s.log.Warn("mark conversation read failed", "conversation", id, "err", err)
	}
	s.store.MarkConversationRead(id)
	s.notify()
	return nil
}

// LoadMoreMessages fetches the next page of the active conversation and
// merges it into the buffer by createdAt. It returns how many messages were
// added.
func (s *Session) LoadMoreMessages(ctx context.Context) (int, error) {
	active := s.store.Active()
	if active == "" {
		return 0, store.ErrNoActiveConversation
	}
	if !s.store.HasMore() || s.store.Loading() {
		return 0, nil
	}

	s.mu.Lock()
	next := 2
	if s.pageConv == active {
		next = s.page + 1
	}
	s.mu.Unlock()

	page, err := s.api.Messages(ctx, active, next)
	if err != nil {
		return 0, err
	}
	n := s.store.MergePage(active, page.Items, page.HasMore())

	s.mu.Lock()
	if s.store.Active() == active {
		s.page, s.pageConv = next, active
	}
	s.mu.Unlock()
	s.notify()
	return n, nil
}

// SendAttachment posts a message with a file over REST and applies the
// stored message. It needs an active conversation.
func (s *Session) SendAttachment(ctx context.Context, content, fileName string, file io.Reader) (chat.Message, error) {
	active := s.store.Active()
	if active == "" {
		return chat.Message{}, store.ErrNoActiveConversation
	}
	m, err := s.api.SendAttachment(ctx, api.Upload{
		ConversationID: active,
		Content:        content,
		FileName:       fileName,
		File:           file,
	})
	if err != nil {
		return chat.Message{}, err
	}
	if m.ConversationID == "" {
		m.ConversationID = active
	}
	s.store.Reconcile(m)
	s.store.UpdateConversationSummary(m)
	s.notify()
	return m, nil
}

// DeleteMessage soft-deletes one of the user's messages and drops it from
// the buffer.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	if s.store.RemoveMessage(messageID) {
		s.notify()
	}
	return nil
}
