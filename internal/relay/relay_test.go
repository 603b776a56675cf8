package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/chatsync"
	"github.com/pixora/chat-sync/internal/protocol"
	"github.com/pixora/chat-sync/internal/testutil"
	"github.com/pixora/chat-sync/internal/transport"
)

type fakeSource struct {
	mu       sync.Mutex
	events   []transport.Handler
	snaps    []func(chatsync.Snapshot)
	sendErr  error
	failed   bool
	requests []string
}

func (f *fakeSource) OnEvent(h transport.Handler) func() {
	f.mu.Lock()
	f.events = append(f.events, h)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.events = nil
		f.mu.Unlock()
	}
}

func (f *fakeSource) Subscribe(fn func(chatsync.Snapshot)) func() {
	f.mu.Lock()
	f.snaps = append(f.snaps, fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.snaps = nil
		f.mu.Unlock()
	}
}

func (f *fakeSource) SendTo(_ context.Context, conversationID, content string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, conversationID+":"+content)
	if f.sendErr != nil {
		return chat.Message{}, f.sendErr
	}
	return chat.Message{ID: "temp-1", ConversationID: conversationID, Content: content, Optimistic: true, SendFailed: f.failed}, nil
}

func (f *fakeSource) emit(ev protocol.Event) {
	f.mu.Lock()
	hs := append([]transport.Handler{}, f.events...)
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeSource) publish(s chatsync.Snapshot) {
	f.mu.Lock()
	fns := append([]func(chatsync.Snapshot){}, f.snaps...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func TestSummarize(t *testing.T) {
	snap := chatsync.Snapshot{
		Conversations: []chat.Conversation{
			{ID: "c1", UnreadCount: 2},
			{ID: "c2", UnreadCount: 3},
		},
		ActiveConversationID: "c1",
		Messages: []chat.Message{
			{ID: "m1"},
			{ID: "temp-1", Optimistic: true},
		},
		ConnectionState: transport.StateOpen,
		TypingUsers:     map[string]string{"u3": "zed", "u2": "bob"},
	}
	sum := Summarize(snap)
	assert.Equal(t, "c1", sum.ActiveConversationID)
	assert.Equal(t, transport.StateOpen.String(), sum.ConnectionState)
	assert.Equal(t, 2, sum.Conversations)
	assert.Equal(t, 5, sum.Unread)
	assert.Equal(t, 2, sum.Messages)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, []string{"bob", "zed"}, sum.Typing)

	assert.True(t, sum.equal(Summarize(snap)))
	snap.TypingUsers = map[string]string{"u2": "bob"}
	assert.False(t, sum.equal(Summarize(snap)))
}

func TestHandleSend(t *testing.T) {
	src := &fakeSource{}
	reply := handleSend(src, SendRequest{ConversationID: "c1", Content: "hi"})
	assert.True(t, reply.OK)
	assert.Equal(t, "temp-1", reply.MessageID)

	src.failed = true
	reply = handleSend(src, SendRequest{ConversationID: "c1", Content: "offline"})
	assert.False(t, reply.OK)
	assert.True(t, reply.Failed)

	reply = handleSend(src, SendRequest{Content: "nowhere"})
	assert.NotEmpty(t, reply.Error)

	src.sendErr = errors.New("boom")
	reply = handleSend(src, SendRequest{ConversationID: "c1", Content: "x"})
	assert.Equal(t, "boom", reply.Error)
	assert.Len(t, src.requests, 3)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Prefix = "chattest." + time.Now().Format("150405.000000")
	cfg.MaxReconnects = 0
	c, err := Connect(cfg, testutil.TestLogger(t))
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestAttach_RepublishesAndServesSends(t *testing.T) {
	c := newTestClient(t)

	nc, err := nats.Connect(nats.DefaultURL)
	require.NoError(t, err)
	defer nc.Close()

	events := make(chan *nats.Msg, 4)
	snaps := make(chan *nats.Msg, 4)
	_, err = nc.ChanSubscribe(c.Subject(SubjectEvents, ">"), events)
	require.NoError(t, err)
	_, err = nc.ChanSubscribe(c.Subject(SubjectSnapshot), snaps)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	src := &fakeSource{}
	detach, err := Attach(c, src)
	require.NoError(t, err)
	defer detach()

	src.emit(protocol.TypingEvent{ConversationID: "c1", UserID: "u2", Username: "bob", IsTyping: true})
	select {
	case msg := <-events:
		assert.Equal(t, c.Subject(SubjectEvents, protocol.TypeTyping), msg.Subject)
		typ, ev, err := protocol.ParseServerEvent(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeTyping, typ)
		assert.Equal(t, "bob", ev.(protocol.TypingEvent).Username)
	case <-time.After(2 * time.Second):
		t.Fatal("event not republished")
	}

	snap := chatsync.Snapshot{ActiveConversationID: "c1", ConnectionState: transport.StateOpen}
	src.publish(snap)
	src.publish(snap)
	select {
	case msg := <-snaps:
		var sum Summary
		require.NoError(t, json.Unmarshal(msg.Data, &sum))
		assert.Equal(t, "c1", sum.ActiveConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot not published")
	}
	select {
	case <-snaps:
		t.Fatal("unchanged snapshot published twice")
	case <-time.After(100 * time.Millisecond):
	}

	req, _ := json.Marshal(SendRequest{ConversationID: "c1", Content: "from nats"})
	resp, err := nc.Request(c.Subject(SubjectSend), req, 2*time.Second)
	require.NoError(t, err)
	var reply SendReply
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	assert.True(t, reply.OK)
	assert.Equal(t, []string{"c1:from nats"}, src.requests)
}
