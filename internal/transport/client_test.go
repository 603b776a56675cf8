package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/protocol"
	"github.com/pixora/chat-sync/internal/resume"
	"github.com/pixora/chat-sync/internal/testutil"
)

const wait = 2 * time.Second

func newTestClient(t *testing.T, url string, queue int) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.URL = url
	opts.UserID = "u1"
	opts.ReconnectDelay = 20 * time.Millisecond
	opts.QueueSize = queue
	opts.Logger = testutil.TestLogger(t)
	c := New(opts)
	t.Cleanup(c.Disconnect)
	return c
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	testutil.Eventually(t, wait, func() bool { return c.State() == want }, "state "+want.String())
}

// ---------------------------------------------------------------------------
// Connect / Send
// ---------------------------------------------------------------------------

func TestClient_ConnectCarriesToken(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	c := newTestClient(t, srv.URL(), 0)

	assert.Equal(t, StateClosed, c.State())
	c.Connect("tok-1")
	assert.Equal(t, "tok-1", srv.WaitConnection(t, wait))
	waitState(t, c, StateOpen)
}

func TestClient_SendWhileOpen(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	c := newTestClient(t, srv.URL(), 0)
	c.Connect("tok")
	srv.WaitConnection(t, wait)
	waitState(t, c, StateOpen)

	err := c.Send(context.Background(), protocol.SendMessageCmd{
		ConversationID: "c1",
		Content:        "hello",
		ClientID:       "temp-1",
	})
	require.NoError(t, err)

	f := srv.Next(t, wait)
	assert.Equal(t, protocol.TypeSendMessage, f.Type)
	var got protocol.SendMessageCmd
	require.NoError(t, f.Decode(&got))
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "temp-1", got.ClientID)
}

func TestClient_DropsWhenNotOpen(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/ws/chat/"})

	err := c.Send(context.Background(), protocol.TypingCmd{ConversationID: "c1", IsTyping: true})
	assert.ErrorIs(t, err, ErrCommandDropped)

	err = c.Send(context.Background(), protocol.SendMessageCmd{ConversationID: "c1", Content: "x"})
	assert.ErrorIs(t, err, ErrCommandDropped, "queue disabled")
	assert.Equal(t, 0, c.Queued())
}

func TestClient_QueueFlushedInOrderAfterRejoin(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	c := newTestClient(t, srv.URL(), 10)
	ctx := context.Background()

	// Offline: join is dropped but remembered, durable commands are queued.
	assert.ErrorIs(t, c.Send(ctx, protocol.JoinConversationCmd{ConversationID: "c1"}), ErrCommandDropped)
	require.NoError(t, c.Send(ctx, protocol.SendMessageCmd{ConversationID: "c1", Content: "one"}))
	require.NoError(t, c.Send(ctx, protocol.MarkAsReadCmd{MessageID: "m1"}))
	assert.ErrorIs(t, c.Send(ctx, protocol.TypingCmd{ConversationID: "c1"}), ErrCommandDropped)
	assert.Equal(t, 2, c.Queued())

	c.Connect("tok")
	srv.WaitConnection(t, wait)

	f := srv.Next(t, wait)
	assert.Equal(t, protocol.TypeJoinConversation, f.Type)
	var join protocol.JoinConversationCmd
	require.NoError(t, f.Decode(&join))
	assert.Equal(t, "c1", join.ConversationID)

	assert.Equal(t, protocol.TypeSendMessage, srv.Next(t, wait).Type)
	assert.Equal(t, protocol.TypeMarkAsRead, srv.Next(t, wait).Type)
	waitState(t, c, StateOpen)
	assert.Equal(t, 0, c.Queued())
}

func TestClient_ReconnectRejoins(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	c := newTestClient(t, srv.URL(), 0)
	c.Connect("tok")
	srv.WaitConnection(t, wait)
	waitState(t, c, StateOpen)

	require.NoError(t, c.Send(context.Background(), protocol.JoinConversationCmd{ConversationID: "c7"}))
	assert.Equal(t, protocol.TypeJoinConversation, srv.Next(t, wait).Type)

	states := make(chan State, 8)
	unsub := c.OnStateChange(func(s State) { states <- s })
	defer unsub()

	srv.DropConnections()
	assert.Equal(t, "tok", srv.WaitConnection(t, wait))

	f := srv.NextOfType(t, protocol.TypeJoinConversation, wait)
	var join protocol.JoinConversationCmd
	require.NoError(t, f.Decode(&join))
	assert.Equal(t, "c7", join.ConversationID)

	waitState(t, c, StateOpen)
	assert.Equal(t, StateClosed, <-states)
	assert.Equal(t, StateConnecting, <-states)
}

func TestClient_LeaveForgetsConversation(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	c := newTestClient(t, srv.URL(), 0)
	ctx := context.Background()

	_ = c.Send(ctx, protocol.JoinConversationCmd{ConversationID: "c1"})
	_ = c.Send(ctx, protocol.LeaveConversationCmd{ConversationID: "c1"})

	c.Connect("tok")
	srv.WaitConnection(t, wait)
	waitState(t, c, StateOpen)

	require.NoError(t, c.Send(ctx, protocol.AddReactionCmd{MessageID: "m1", Emoji: "👍"}))
	assert.Equal(t, protocol.TypeAddReaction, srv.Next(t, wait).Type, "no rejoin expected")
}

func TestClient_SetUserIDKeysResumeStore(t *testing.T) {
	rs := resume.NewMemoryStore()
	c := New(Options{URL: "ws://127.0.0.1:1/ws/chat/", Resume: rs})
	ctx := context.Background()

	c.SetUserID("u9")
	_ = c.Send(ctx, protocol.JoinConversationCmd{ConversationID: "c3"})

	last, err := rs.LastConversation(ctx, "u9")
	require.NoError(t, err)
	assert.Equal(t, "c3", last)
	last, err = rs.LastConversation(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestClient_TypingDoesNotWaitForRateLimit(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	opts := DefaultOptions()
	opts.URL = srv.URL()
	opts.SendRate = 0.01
	opts.SendBurst = 1
	opts.Logger = testutil.TestLogger(t)
	c := New(opts)
	t.Cleanup(c.Disconnect)
	c.Connect("tok")
	srv.WaitConnection(t, wait)
	waitState(t, c, StateOpen)

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, protocol.TypingCmd{ConversationID: "c1", IsTyping: true}))

	start := time.Now()
	err := c.Send(ctx, protocol.TypingCmd{ConversationID: "c1", IsTyping: false})
	assert.ErrorIs(t, err, ErrCommandDropped)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestClient_ConnectIdempotentAndTokenChange(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	c := newTestClient(t, srv.URL(), 0)

	c.Connect("a")
	assert.Equal(t, "a", srv.WaitConnection(t, wait))
	waitState(t, c, StateOpen)

	c.Connect("a")
	srv.NoConnection(t, 100*time.Millisecond)

	c.Connect("b")
	assert.Equal(t, "b", srv.WaitConnection(t, wait))
	waitState(t, c, StateOpen)
}

func TestClient_InboundEventsDispatched(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	c := newTestClient(t, srv.URL(), 0)

	got := make(chan protocol.Event, 4)
	c.Register(protocol.TypeNewMessage, func(ev protocol.Event) { got <- ev })
	all := make(chan string, 4)
	c.Subscribe(func(ev protocol.Event) { all <- ev.EventType() })

	c.Connect("tok")
	srv.WaitConnection(t, wait)
	waitState(t, c, StateOpen)

	srv.BroadcastRaw([]byte(`{"type":"nonsense"}`))
	srv.Broadcast(t, protocol.NewMessageEvent{Message: chat.Message{ID: "m1", ConversationID: "c1", Content: "hi"}})

	select {
	case ev := <-got:
		nm, ok := ev.(protocol.NewMessageEvent)
		require.True(t, ok)
		assert.Equal(t, "m1", nm.Message.ID)
	case <-time.After(wait):
		t.Fatal("new_message not delivered")
	}
	assert.Equal(t, protocol.TypeNewMessage, <-all)
}

func TestClient_DisconnectIsTerminal(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	c := newTestClient(t, srv.URL(), 5)
	c.Connect("tok")
	srv.WaitConnection(t, wait)
	waitState(t, c, StateOpen)

	c.Disconnect()
	assert.Equal(t, StateClosed, c.State())
	srv.NoConnection(t, 150*time.Millisecond)

	// Queued commands from the old session do not leak into the next one.
	require.NoError(t, c.Send(context.Background(), protocol.MarkAsReadCmd{MessageID: "m"}))
	c.Disconnect()
	assert.Equal(t, 0, c.Queued())
}

func TestClient_RetriesFailedHandshake(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.Reject(true)
	c := newTestClient(t, srv.URL(), 0)
	c.Connect("tok")

	time.Sleep(80 * time.Millisecond)
	assert.NotEqual(t, StateOpen, c.State())

	srv.Reject(false)
	srv.WaitConnection(t, wait)
	waitState(t, c, StateOpen)
}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

func TestBackoff(t *testing.T) {
	o := Options{ReconnectDelay: time.Second}
	assert.Equal(t, time.Second, o.backoff(0))
	assert.Equal(t, time.Second, o.backoff(5), "fixed by default")

	o.BackoffMultiplier = 2
	o.MaxReconnectDelay = 5 * time.Second
	assert.Equal(t, 2*time.Second, o.backoff(1))
	assert.Equal(t, 4*time.Second, o.backoff(2))
	assert.Equal(t, 5*time.Second, o.backoff(10))

	o = Options{ReconnectDelay: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := o.backoff(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
