package transport

import (
	"log/slog"
	"sync"

	"github.com/pixora/chat-sync/internal/logging"
	"github.com/pixora/chat-sync/internal/metrics"
	"github.com/pixora/chat-sync/internal/protocol"
)

// Handler is the callback signature for a parsed server event. The ev
// parameter is the concrete struct returned by protocol.ParseServerEvent
// (e.g., protocol.NewMessageEvent, protocol.TypingEvent, etc.).
type Handler func(ev protocol.Event)

type subscriber struct {
	id int
	fn Handler
}

// Dispatcher routes inbound frames to the handler registered for their type
// and then to every catch-all subscriber, in subscription order. Dispatch is
// called from the read goroutine only, so handlers run sequentially in
// receipt order.
type Dispatcher struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	subs     []subscriber
	nextID   int
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = logging.Discard()
	}
	return &Dispatcher{
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// Register associates a Handler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.mu.Lock()
	d.handlers[eventType] = h
	d.mu.Unlock()
}

// Subscribe adds a handler that receives every event and returns a function
// that removes it.
func (d *Dispatcher) Subscribe(h Handler) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs = append(d.subs, subscriber{id: id, fn: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch parses raw frame bytes and delivers the typed event. Frames that
// fail to parse are logged and counted, never delivered.
func (d *Dispatcher) Dispatch(data []byte) {
	eventType, ev, err := protocol.ParseServerEvent(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("invalid").Inc()
		d.log.Warn("dropping undecodable frame", "type", eventType, "err", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(eventType).Inc()
	d.log.Debug("event received", "type", eventType)

	d.mu.RLock()
	h := d.handlers[eventType]
	subs := make([]Handler, len(d.subs))
	for i, s := range d.subs {
		subs[i] = s.fn
	}
	d.mu.RUnlock()

	if h != nil {
		h(ev)
	}
	for _, fn := range subs {
		fn(ev)
	}
}
