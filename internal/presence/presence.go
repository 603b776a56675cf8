// Package presence tracks who is typing in the active conversation and
// debounces the local user's own typing signal.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultIdle is how long after the last keystroke the composer reports
// that the user stopped typing.
const DefaultIdle = 3 * time.Second

// Tracker holds userID -> username for peers currently typing. Entries are
// removed by a stop event or by Clear; there is no timeout.
type Tracker struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]string)}
}

// OnTypingEvent applies one typing event. The last event per user wins. It
// reports whether the set changed.
func (t *Tracker) OnTypingEvent(userID, username string, isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, had := t.users[userID]
	if isTyping {
		t.users[userID] = username
		return !had || prev != username
	}
	delete(t.users, userID)
	return had
}

// Users returns a copy of the typing set.
func (t *Tracker) Users() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.users))
	for id, name := range t.users {
		out[id] = name
	}
	return out
}

// Names returns the typing usernames, sorted.
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.users))
	for _, name := range t.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clear empties the set, called when the active conversation changes.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.users = make(map[string]string)
	t.mu.Unlock()
}

// Composer debounces the local typing signal for one message field. Every
// non-empty keystroke emits true and restarts a single idle timer; the
// timer, an emptied field, a send or Stop emit false once.
//
// emit is called with the Composer's lock held, in order, and must not call
// back into the Composer.
type Composer struct {
	idle time.Duration
	emit func(isTyping bool)

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	typing bool
}

// NewComposer creates a Composer. A non-positive idle uses DefaultIdle.
func NewComposer(idle time.Duration, emit func(isTyping bool)) *Composer {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Composer{idle: idle, emit: emit}
}

// Keystroke reports the field's current text.
func (c *Composer) Keystroke(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		c.stopLocked()
		return
	}

	c.typing = true
	c.emit(true)

	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.idle, func() { c.expire(gen) })
}

// Sent is called after a message was sent from the field.
func (c *Composer) Sent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Stop cancels the idle timer, emitting false if the user was typing. It is
// called on conversation switch and teardown.
func (c *Composer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Typing reports whether the last emitted signal was true.
func (c *Composer) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

func (c *Composer) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A keystroke or stop since this timer was armed wins.
	if gen != c.gen {
		return
	}
	c.stopLocked()
}

func (c *Composer) stopLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.typing {
		c.typing = false
		c.emit(false)
	}
}
