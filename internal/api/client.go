// Package api is the REST client for the chat endpoints. Every call carries
// the current bearer token; a 401 fires the unauthenticated signal and every
// failure is returned as a *FetchError.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/pixora/chat-sync/internal/auth"
	"github.com/pixora/chat-sync/internal/chat"
	"github.com/pixora/chat-sync/internal/logging"
	"github.com/pixora/chat-sync/internal/metrics"
)

// ErrUnauthorized is the cause of a FetchError for HTTP 401.
var ErrUnauthorized = errors.New("api: unauthorized")

// Operation names used in errors and metrics.
const (
	OpListConversations = "list_conversations"
	OpCreateOrGet       = "create_or_get_conversation"
	OpListMessages      = "list_messages"
	OpMarkConversation  = "mark_conversation_read"
	OpMarkMessage       = "mark_message_read"
	OpSendAttachment    = "send_attachment"
	OpDeleteMessage     = "delete_message"
)

// FetchError is returned by every failed REST call.
type FetchError struct {
	Op     string
	Status int // 0 when no response was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("api: %s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	BaseURL  string // e.g. http://localhost:8000/api
	Tokens   auth.TokenSource
	Notifier *auth.Notifier
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Client talks to the chat REST endpoints.
type Client struct {
	base     string
	tokens   auth.TokenSource
	notifier *auth.Notifier
	timeout  time.Duration
	http     *fasthttp.Client
	log      *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Tokens == nil {
		opts.Tokens = auth.NewStaticToken("")
	}
	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		tokens:   opts.Tokens,
		notifier: opts.Notifier,
		timeout:  opts.Timeout,
		http: &fasthttp.Client{
			Name:                "chat-sync",
			MaxIdleConnDuration: 30 * time.Second,
		},
		log: logging.Component(opts.Logger, "api"),
	}
}

// ListConversations fetches the conversation list. Payloads that are not a
// sequence are logged and treated as an empty list.
func (c *Client) ListConversations(ctx context.Context) (chat.Page[chat.Conversation], error) {
	body, err := c.do(ctx, OpListConversations, fasthttp.MethodGet, "/chat/conversations/", nil, "")
	if err != nil {
		return chat.Page[chat.Conversation]{Items: []chat.Conversation{}}, err
	}
	page, err := chat.NormalizeConversations(body)
	if errors.Is(err, chat.ErrNotASequence) {
		c.log.Warn("conversation list is not a sequence, using empty list")
		return page, nil
	}
	if err != nil {
		return page, &FetchError{Op: OpListConversations, Err: err}
	}
	return page, nil
}

// CreateOrGetConversation returns the direct conversation with participantID,
// creating it when needed.
func (c *Client) CreateOrGetConversation(ctx context.Context, participantID string) (chat.Conversation, error) {
	payload, _ := json.Marshal(map[string]string{"participant_id": participantID})
	body, err := c.do(ctx, OpCreateOrGet, fasthttp.MethodPost, "/chat/conversations/create_or_get/", payload, "application/json")
	if err != nil {
		return chat.Conversation{}, err
	}
	var conv chat.Conversation
	if err := json.Unmarshal(body, &conv); err != nil {
		return chat.Conversation{}, &FetchError{Op: OpCreateOrGet, Err: fmt.Errorf("decode conversation: %w", err)}
	}
	return conv, nil
}

// Messages fetches page n (1-based) of a conversation's messages.
func (c *Client) Messages(ctx context.Context, conversationID string, page int) (chat.Page[chat.Message], error) {
	if page < 1 {
		page = 1
	}
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages/?page=" + strconv.Itoa(page)
	body, err := c.do(ctx, OpListMessages, fasthttp.MethodGet, path, nil, "")
	if err != nil {
		return chat.Page[chat.Message]{Items: []chat.Message{}}, err
	}
	p, err := chat.NormalizeMessages(body)
	if errors.Is(err, chat.ErrNotASequence) {
		c.log.Warn("message page is not a sequence, using empty page", "conversation", conversationID)
		return p, nil
	}
	if err != nil {
		return p, &FetchError{Op: OpListMessages, Err: err}
	}
	return p, nil
}

// MarkConversationRead marks every message of a conversation as read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/mark_as_read/"
	_, err := c.do(ctx, OpMarkConversation, fasthttp.MethodPost, path, nil, "")
	return err
}

// MarkMessageRead marks one message as read.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	path := "/chat/messages/" + url.PathEscape(messageID) + "/mark_as_read/"
	_, err := c.do(ctx, OpMarkMessage, fasthttp.MethodPost, path, nil, "")
	return err
}

// DeleteMessage soft-deletes one of the user's messages.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := "/chat/messages/" + url.PathEscape(messageID) + "/soft_delete/"
	_, err := c.do(ctx, OpDeleteMessage, fasthttp.MethodDelete, path, nil, "")
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, contentType string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, c.fail(op, 0, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if tok, ok := c.tokens.AccessToken(); ok {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+tok)
	}
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	err := c.http.DoDeadline(req, resp, deadline)
	metrics.FetchLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.fail(op, 0, err)
	}

	status := resp.StatusCode()
	switch {
	case status == fasthttp.StatusUnauthorized:
		if c.notifier != nil {
			c.notifier.Unauthenticated()
		}
		return nil, c.fail(op, status, ErrUnauthorized)
	case status < 200 || status >= 300:
		return nil, c.fail(op, status, fmt.Errorf("unexpected response: %s", snippet(resp.Body())))
	}

	c.log.Debug("request ok", "op", op, "status", status, "took", time.Since(start))
	return append([]byte(nil), resp.Body()...), nil
}

func (c *Client) fail(op string, status int, err error) *FetchError {
	metrics.FetchErrors.WithLabelValues(op).Inc()
	c.log.Warn("request failed", "op", op, "status", status, "err", err)
	return &FetchError{Op: op, Status: status, Err: err}
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
