package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker(t *testing.T) {
	tr := NewTracker()

	assert.True(t, tr.OnTypingEvent("u2", "bob", true))
	assert.False(t, tr.OnTypingEvent("u2", "bob", true), "repeat is not a change")
	assert.True(t, tr.OnTypingEvent("u3", "amy", true))
	assert.Equal(t, []string{"amy", "bob"}, tr.Names())

	assert.True(t, tr.OnTypingEvent("u2", "bob", false))
	assert.False(t, tr.OnTypingEvent("u2", "bob", false))
	assert.Equal(t, map[string]string{"u3": "amy"}, tr.Users())

	tr.Clear()
	assert.Empty(t, tr.Users())
}

// recorder collects emitted signals with their times.
type recorder struct {
	mu    sync.Mutex
	start time.Time
	sigs  []bool
	at    []time.Duration
}

func newRecorder() *recorder { return &recorder{start: time.Now()} }

func (r *recorder) emit(v bool) {
	r.mu.Lock()
	r.sigs = append(r.sigs, v)
	r.at = append(r.at, time.Since(r.start))
	r.mu.Unlock()
}

func (r *recorder) signals() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.sigs...)
}

func (r *recorder) falses() (n int, last time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range r.sigs {
		if !v {
			n++
			last = r.at[i]
		}
	}
	return n, last
}

func TestComposer_SingleStopAfterLastKeystroke(t *testing.T) {
	const idle = 150 * time.Millisecond
	rec := newRecorder()
	c := NewComposer(idle, rec.emit)

	c.Keystroke("h")
	time.Sleep(50 * time.Millisecond)
	lastKey := time.Since(rec.start)
	c.Keystroke("he")

	time.Sleep(idle + 150*time.Millisecond)

	n, at := rec.falses()
	assert.Equal(t, 1, n, "exactly one stop signal")
	assert.GreaterOrEqual(t, at, lastKey+idle, "measured from the last keystroke")
	assert.Equal(t, []bool{true, true, false}, rec.signals())
	assert.False(t, c.Typing())
}

func TestComposer_EmptyFieldStops(t *testing.T) {
	rec := newRecorder()
	c := NewComposer(time.Hour, rec.emit)

	c.Keystroke("a")
	c.Keystroke("  ")
	c.Keystroke("")
	assert.Equal(t, []bool{true, false}, rec.signals())
}

func TestComposer_SentAndStop(t *testing.T) {
	rec := newRecorder()
	c := NewComposer(50*time.Millisecond, rec.emit)

	c.Keystroke("hi")
	c.Sent()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.signals(), "timer cancelled by send")

	c.Stop()
	assert.Equal(t, []bool{true, false}, rec.signals(), "stop while idle emits nothing")
}

func TestComposer_DefaultIdle(t *testing.T) {
	c := NewComposer(0, func(bool) {})
	assert.Equal(t, DefaultIdle, c.idle)
}
