// Package relay mirrors a chat session onto NATS for headless operation.
// Inbound events are republished under <prefix>.events.<type>, snapshot
// summaries under <prefix>.snapshot, and send requests are accepted on
// <prefix>.send.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pixora/chat-sync/internal/chatsync"
	"github.com/pixora/chat-sync/internal/logging"
	"github.com/pixora/chat-sync/internal/metrics"
	"github.com/pixora/chat-sync/internal/protocol"
)

// Subject suffixes, joined to the configured prefix.
const (
	SubjectEvents   = "events" // + .<event type>
	SubjectSnapshot = "snapshot"
	SubjectSend     = "send"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string // nats://localhost:4222
	Name          string // client name for identification
	Prefix        string // subject prefix, "chat" by default
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "chat-sync",
		Prefix:        "chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// SendRequest is the payload accepted on the send subject.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// SendReply answers a send request that carried a reply subject.
type SendReply struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id,omitempty"`
	Failed    bool   `json:"send_failed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Summary is the compact form of a chatsync.Snapshot published on the
// snapshot subject.
type Summary struct {
	ActiveConversationID string   `json:"active_conversation_id"`
	ConnectionState      string   `json:"connection_state"`
	Conversations        int      `json:"conversations"`
	Unread               int      `json:"unread"`
	Messages             int      `json:"messages"`
	Pending              int      `json:"pending"`
	Typing               []string `json:"typing"`
	Loading              bool     `json:"loading"`
}

// Summarize reduces a snapshot to its Summary.
func Summarize(s chatsync.Snapshot) Summary {
	out := Summary{
		ActiveConversationID: s.ActiveConversationID,
		ConnectionState:      s.ConnectionState.String(),
		Conversations:        len(s.Conversations),
		Messages:             len(s.Messages),
		Typing:               make([]string, 0, len(s.TypingUsers)),
		Loading:              s.Loading,
	}
	for _, c := range s.Conversations {
		out.Unread += c.UnreadCount
	}
	for _, m := range s.Messages {
		if m.Optimistic {
			out.Pending++
		}
	}
	for _, name := range s.TypingUsers {
		out.Typing = append(out.Typing, name)
	}
	sort.Strings(out.Typing)
	return out
}

func (s Summary) equal(o Summary) bool {
	if s.ActiveConversationID != o.ActiveConversationID ||
		s.ConnectionState != o.ConnectionState ||
		s.Conversations != o.Conversations ||
		s.Unread != o.Unread ||
		s.Messages != o.Messages ||
		s.Pending != o.Pending ||
		s.Loading != o.Loading ||
		len(s.Typing) != len(o.Typing) {
		return false
	}
	for i := range s.Typing {
		if s.Typing[i] != o.Typing[i] {
			return false
		}
	}
	return true
}

// Client wraps the NATS connection.
type Client struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
	last *Summary
}

// Connect dials NATS and returns a ready Client. It returns an error if the
// initial connection fails.
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	log := logging.Component(logger, "nats")
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", "err", err)
			} else {
				log.Info("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("connected", "url", nc.ConnectedUrl())

	return &Client{
		conn:   nc,
		prefix: strings.TrimSuffix(cfg.Prefix, "."),
		log:    log,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Subject returns the full subject for a suffix.
func (c *Client) Subject(parts ...string) string {
	return c.prefix + "." + strings.Join(parts, ".")
}

// Publish sends data to prefix.<suffix>.
func (c *Client) Publish(suffix string, data []byte) error {
	if err := c.conn.Publish(c.Subject(suffix), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", suffix, err)
	}
	metrics.RelayPublished.WithLabelValues(suffix).Inc()
	return nil
}

// PublishEvent republishes an inbound event in its wire encoding.
func (c *Client) PublishEvent(ev protocol.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.Publish(SubjectEvents+"."+ev.EventType(), data)
}

// PublishSnapshot publishes the summary of s when it differs from the last
// one published.
func (c *Client) PublishSnapshot(s chatsync.Snapshot) error {
	sum := Summarize(s)
	c.mu.Lock()
	if c.last != nil && c.last.equal(sum) {
		c.mu.Unlock()
		return nil
	}
	c.last = &sum
	c.mu.Unlock()

	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("relay: marshal summary: %w", err)
	}
	return c.Publish(SubjectSnapshot, data)
}

// HandleSend subscribes fn to send requests. Requests with a reply subject
// get a SendReply.
func (c *Client) HandleSend(fn func(SendRequest) SendReply) error {
	subject := c.Subject(SubjectSend)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var req SendRequest
		var reply SendReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.log.Warn("bad send request", "err", err)
			reply = SendReply{Error: "invalid request: " + err.Error()}
		} else {
			reply = fn(req)
		}
		if msg.Reply == "" {
			return
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			c.log.Warn("send reply failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain failed", "subject", subject, "err", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain failed", "err", err)
	}
	c.log.Info("client closed")
}
