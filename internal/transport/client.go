// Package transport maintains the single WebSocket connection to the chat
// server. It reconnects after any failure, re-joins the last conversation,
// flushes commands queued while offline and delivers inbound events to
// registered handlers.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/pixora/chat-sync/internal/logging"
	"github.com/pixora/chat-sync/internal/metrics"
	"github.com/pixora/chat-sync/internal/protocol"
	"github.com/pixora/chat-sync/internal/resume"
)

// ErrCommandDropped is returned by Send when the connection is not open and
// the command cannot be queued, and for a typing signal over the send rate.
var ErrCommandDropped = errors.New("transport: command dropped, connection not open")

// Options holds transport settings.
type Options struct {
	URL    string // ws://host/ws/chat/
	UserID string // key for the resume store

	ReconnectDelay    time.Duration // base delay between attempts
	BackoffMultiplier float64       // <= 1 keeps the delay fixed
	MaxReconnectDelay time.Duration // cap for multiplied delays, 0 = none
	Jitter            float64       // fraction of the delay, 0..1

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // 0 disables heartbeats
	PongWait         time.Duration

	QueueSize int     // durable commands held while offline, 0 = drop
	SendRate  float64 // commands per second, 0 = unlimited
	SendBurst int

	Resume resume.Store
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults: a fixed 3s reconnect delay and a
// 30s heartbeat.
func DefaultOptions() Options {
	return Options{
		ReconnectDelay:    3 * time.Second,
		BackoffMultiplier: 1,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		PingInterval:      30 * time.Second,
		PongWait:          10 * time.Second,
		QueueSize:         100,
		SendBurst:         10,
	}
}

// backoff returns the delay before reconnect attempt n (0-based).
func (o Options) backoff(n int) time.Duration {
	d := float64(o.ReconnectDelay)
	if o.BackoffMultiplier > 1 {
		d *= math.Pow(o.BackoffMultiplier, float64(n))
	}
	if o.MaxReconnectDelay > 0 && d > float64(o.MaxReconnectDelay) {
		d = float64(o.MaxReconnectDelay)
	}
	if o.Jitter > 0 {
		d += d * o.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (o Options) readWait() time.Duration {
	if o.PingInterval <= 0 {
		return 0
	}
	return o.PingInterval + o.PongWait
}

// Client is a reconnecting WebSocket client. It is safe for concurrent use.
type Client struct {
	opts       Options
	log        *slog.Logger
	limiter    *rate.Limiter
	dispatcher *Dispatcher
	resume     resume.Store

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex

	mu        sync.Mutex
	state     State
	token     string
	userID    string
	queue     *commandQueue
	writer    *frameWriter
	cancel    context.CancelFunc
	done      chan struct{}
	observers map[int]func(State)
	nextObs   int
}

// New creates a Client. Zero durations fall back to DefaultOptions; a zero
// QueueSize is kept and disables queueing.
func New(opts Options) *Client {
	def := DefaultOptions()
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = def.SendBurst
	}
	if opts.Resume == nil {
		opts.Resume = resume.NewMemoryStore()
	}

	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}

	log := logging.Component(opts.Logger, "transport")
	metrics.ConnectionState.Set(float64(StateClosed))
	return &Client{
		opts:       opts,
		log:        log,
		limiter:    rate.NewLimiter(limit, opts.SendBurst),
		dispatcher: NewDispatcher(log),
		resume:     opts.Resume,
		state:      StateClosed,
		userID:     opts.UserID,
		queue:      newCommandQueue(opts.QueueSize),
		observers:  make(map[int]func(State)),
	}
}

// Register sets the handler for one event type.
func (c *Client) Register(eventType string, h Handler) {
	c.dispatcher.Register(eventType, h)
}

// Subscribe adds a handler for every inbound event.
func (c *Client) Subscribe(h Handler) (unsubscribe func()) {
	return c.dispatcher.Subscribe(h)
}

// OnStateChange registers fn to be called on every state transition.
func (c *Client) OnStateChange(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetUserID changes the key the last joined conversation is stored under.
// It takes effect for the next join, leave or rejoin.
func (c *Client) SetUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *Client) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Queued returns the number of commands waiting for the next connection.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// Connect starts the connection loop for token. It is a no-op when a loop
// for the same token is already running. A different token replaces the
// current connection. Dial failures are retried, never returned.
func (c *Client) Connect(token string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	running, same := c.cancel != nil, c.token == token
	c.mu.Unlock()
	if running && same {
		return
	}
	if running {
		c.log.Info("token changed, reconnecting")
		c.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.token = token
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(ctx, token, done)
}

// Disconnect closes the connection, cancels any pending reconnect and
// discards queued commands. The client stays Closed until the next Connect.
func (c *Client) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stop()
	c.mu.Lock()
	c.token = ""
	if n := c.queue.Len(); n > 0 {
		c.log.Info("discarding queued commands", "count", n)
	}
	c.queue.Reset()
	c.mu.Unlock()
	c.setState(StateClosed)
}

// stop cancels the running loop, sending a close frame first when a socket
// is open, and waits for the loop to exit.
func (c *Client) stop() {
	c.mu.Lock()
	cancel, done, w := c.cancel, c.done, c.writer
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	if w != nil {
		if err := w.Close(); err != nil {
			c.log.Debug("close frame failed", "err", err)
		}
	}
	cancel()
	<-done
}

// Send writes cmd when the connection is open. Otherwise durable commands
// are queued for the next connection and the rest are dropped with
// ErrCommandDropped. Join and leave update the resume store either way.
func (c *Client) Send(ctx context.Context, cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	c.remember(ctx, cmd)

	c.mu.Lock()
	w := c.writer
	if c.state != StateOpen || w == nil {
		err := c.enqueueLocked(cmd)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if _, ok := cmd.(protocol.TypingCmd); ok {
		// Typing is superseded by the next keystroke, so it never waits.
		if !c.limiter.Allow() {
			metrics.CommandsTotal.WithLabelValues(cmd.CommandType(), "dropped").Inc()
			c.log.Debug("typing signal rate limited")
			return ErrCommandDropped
		}
	} else if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("transport: rate limit wait: %w", err)
	}
	if err := w.WriteText(data); err != nil {
		c.log.Warn("write failed", "type", cmd.CommandType(), "err", err)
		c.mu.Lock()
		err := c.enqueueLocked(cmd)
		c.mu.Unlock()
		return err
	}
	metrics.CommandsTotal.WithLabelValues(cmd.CommandType(), "sent").Inc()
	return nil
}

func (c *Client) enqueueLocked(cmd protocol.Command) error {
	typ := cmd.CommandType()
	if !protocol.Durable(cmd) || c.queue.Cap() == 0 {
		metrics.CommandsTotal.WithLabelValues(typ, "dropped").Inc()
		c.log.Warn("command dropped", "type", typ, "state", c.state)
		return ErrCommandDropped
	}
	if evicted, ok := c.queue.Push(cmd); ok {
		metrics.CommandsTotal.WithLabelValues(evicted.CommandType(), "dropped").Inc()
		c.log.Warn("outbound queue full, dropped oldest", "type", evicted.CommandType())
	}
	metrics.CommandsTotal.WithLabelValues(typ, "queued").Inc()
	c.log.Debug("command queued", "type", typ, "queued", c.queue.Len())
	return nil
}

// remember tracks the joined conversation so it can be re-joined later.
func (c *Client) remember(ctx context.Context, cmd protocol.Command) {
	var err error
	switch v := cmd.(type) {
	case protocol.JoinConversationCmd:
		err = c.resume.SetLastConversation(ctx, c.user(), v.ConversationID)
	case protocol.LeaveConversationCmd:
		user := c.user()
		var last string
		last, err = c.resume.LastConversation(ctx, user)
		if err == nil && last == v.ConversationID {
			err = c.resume.Clear(ctx, user)
		}
	}
	if err != nil {
		c.log.Warn("resume store update failed", "err", err)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	notify := c.transitionLocked(s)
	c.mu.Unlock()
	notify()
}

// transitionLocked updates the state and returns a function that notifies
// observers. It must be called with c.mu held; the returned function must be
// called without it.
func (c *Client) transitionLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	prev := c.state
	c.state = s
	metrics.ConnectionState.Set(float64(s))
	c.log.Info("state changed", "from", prev, "to", s)

	obs := make([]func(State), 0, len(c.observers))
	for _, fn := range c.observers {
		obs = append(obs, fn)
	}
	return func() {
		for _, fn := range obs {
			fn(s)
		}
	}
}

// run is the connection loop: dial, serve until the socket fails, wait,
// repeat. It returns only when ctx is cancelled.
func (c *Client) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		c.setState(StateConnecting)
		conn, br, err := c.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("dial failed", "attempt", attempt, "err", err)
		} else {
			attempt = 0
			err = c.serve(ctx, conn, br)
			if ctx.Err() != nil {
				return
			}
			c.log.Info("connection lost", "err", err)
		}

		c.setState(StateClosed)
		delay := c.opts.backoff(attempt)
		attempt++
		metrics.ReconnectAttempts.Inc()
		c.log.Debug("reconnect scheduled", "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) dial(ctx context.Context, token string) (net.Conn, *bufio.Reader, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: bad url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	conn, br, _, err := ws.Dial(dctx, u.String())
	if err != nil {
		return nil, nil, fmt.Errorf("transport: dial: %w", err)
	}
	return conn, br, nil
}

// serve runs one connection: rejoin, flush the queue, go Open, then read
// until the socket fails.
func (c *Client) serve(ctx context.Context, conn net.Conn, br *bufio.Reader) error {
	w := &frameWriter{conn: conn, timeout: c.opts.WriteTimeout}
	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		if c.writer == w {
			c.writer = nil
		}
		c.mu.Unlock()
		conn.Close()
		if br != nil {
			ws.PutReader(br)
		}
	}()
	go c.watch(ctx, w, stop)

	c.mu.Lock()
	c.writer = w
	c.mu.Unlock()

	if err := c.rejoin(ctx, w); err != nil {
		return err
	}
	if err := c.flush(ctx, w); err != nil {
		return err
	}

	var src io.Reader = conn
	if br != nil {
		src = br
	}
	return c.readLoop(conn, src, w)
}

func (c *Client) rejoin(ctx context.Context, w *frameWriter) error {
	rctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	id, err := c.resume.LastConversation(rctx, c.user())
	if err != nil {
		c.log.Warn("resume lookup failed", "err", err)
		return nil
	}
	if id == "" {
		return nil
	}
	c.log.Info("rejoining conversation", "conversation", id)
	return c.writeCommand(ctx, w, protocol.JoinConversationCmd{ConversationID: id})
}

// flush drains the queue in order and enters Open once it is empty, under
// the same lock, so nothing queued concurrently is left behind.
func (c *Client) flush(ctx context.Context, w *frameWriter) error {
	for {
		c.mu.Lock()
		cmd, ok := c.queue.Pop()
		if !ok {
			notify := c.transitionLocked(StateOpen)
			c.mu.Unlock()
			notify()
			return nil
		}
		c.mu.Unlock()

		if err := c.writeCommand(ctx, w, cmd); err != nil {
			c.mu.Lock()
			if !c.queue.PushFront(cmd) {
				metrics.CommandsTotal.WithLabelValues(cmd.CommandType(), "dropped").Inc()
			}
			c.mu.Unlock()
			return err
		}
		c.log.Debug("flushed queued command", "type", cmd.CommandType())
	}
}

func (c *Client) writeCommand(ctx context.Context, w *frameWriter, cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := w.WriteText(data); err != nil {
		return err
	}
	metrics.CommandsTotal.WithLabelValues(cmd.CommandType(), "sent").Inc()
	return nil
}

// watch sends heartbeat pings and closes the socket when ctx is cancelled.
func (c *Client) watch(ctx context.Context, w *frameWriter, stop <-chan struct{}) {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			w.conn.Close()
			return
		case <-tick:
			if err := w.WriteFrame(ws.OpPing, nil); err != nil {
				c.log.Debug("ping failed", "err", err)
				w.conn.Close()
				return
			}
		}
	}
}

// readLoop reads frames until the socket fails. Control frames are answered
// inline; every data frame refreshes the read deadline, and so does any pong.
func (c *Client) readLoop(conn net.Conn, src io.Reader, w *frameWriter) error {
	control := wsutil.ControlFrameHandler(w, ws.StateClientSide)
	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	wait := c.opts.readWait()

	for {
		if wait > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
				return err
			}
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		c.dispatcher.Dispatch(data)
	}
}

// frameWriter serializes frame writes from Send, the heartbeat and control
// replies onto one connection.
type frameWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

// Write is used by wsutil for control replies, which arrive as one
// pre-built frame per call.
func (w *frameWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline()
	return w.conn.Write(p)
}

// WriteFrame writes a masked client frame. The payload is masked in place.
func (w *frameWriter) WriteFrame(op ws.OpCode, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline()
	return wsutil.WriteClientMessage(w.conn, op, p)
}

func (w *frameWriter) WriteText(p []byte) error {
	return w.WriteFrame(ws.OpText, p)
}

// Close sends a normal-closure frame. It does not close the socket.
func (w *frameWriter) Close() error {
	return w.WriteFrame(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
}

func (w *frameWriter) deadline() {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
}
