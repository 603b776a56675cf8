package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pixora/chat-sync/internal/protocol"
)

// Frame is one command received by the FakeServer.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// FakeServer is an httptest server that upgrades every request to a
// WebSocket, records the token query parameter and every frame received,
// and lets tests push events or drop connections.
type FakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	reject bool

	tokens chan string
	frames chan Frame
}

// NewFakeServer starts a FakeServer closed on test cleanup.
func NewFakeServer(t *testing.T) *FakeServer {
	t.Helper()
	s := &FakeServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		tokens:   make(chan string, 16),
		frames:   make(chan Frame, 256),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.DropConnections()
		s.srv.Close()
	})
	return s
}

// URL returns the ws:// endpoint.
func (s *FakeServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/chat/"
}

// Reject makes subsequent upgrades fail with 401 until called with false.
func (s *FakeServer) Reject(v bool) {
	s.mu.Lock()
	s.reject = v
	s.mu.Unlock()
}

func (s *FakeServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()
	if reject {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.tokens <- r.URL.Query().Get("token")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.frames <- Frame{Type: env.Type, Raw: data}
	}
}

// WaitConnection blocks until a client connects and returns its token.
func (s *FakeServer) WaitConnection(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case tok := <-s.tokens:
		return tok
	case <-time.After(timeout):
		t.Fatalf("no connection within %s", timeout)
		return ""
	}
}

// NoConnection fails the test if a client connects within d.
func (s *FakeServer) NoConnection(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case tok := <-s.tokens:
		t.Fatalf("unexpected connection with token %q", tok)
	case <-time.After(d):
	}
}

// Next returns the next frame received from any client.
func (s *FakeServer) Next(t *testing.T, timeout time.Duration) Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(timeout):
		t.Fatalf("no frame within %s", timeout)
		return Frame{}
	}
}

// NextOfType skips frames until one of the given type arrives.
func (s *FakeServer) NextOfType(t *testing.T, typ string, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-s.frames:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %q frame within %s", typ, timeout)
			return Frame{}
		}
	}
}

// Broadcast writes ev to every live connection.
func (s *FakeServer) Broadcast(t *testing.T, ev protocol.Event) {
	t.Helper()
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	s.BroadcastRaw(data)
}

// BroadcastRaw writes data as a text frame to every live connection.
func (s *FakeServer) BroadcastRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
}

// DropConnections closes every connection without a close handshake.
func (s *FakeServer) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
