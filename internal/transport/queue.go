package transport

import "github.com/pixora/chat-sync/internal/protocol"

// commandQueue is a fixed-size circular buffer of outbound commands held
// while the connection is down. When full, the oldest command is evicted.
// It is not goroutine-safe; the Client guards it with its own mutex.
type commandQueue struct {
	items []protocol.Command
	pos   int // next write slot
	count int
}

func newCommandQueue(size int) *commandQueue {
	if size < 0 {
		size = 0
	}
	return &commandQueue{items: make([]protocol.Command, size)}
}

func (q *commandQueue) Cap() int { return len(q.items) }
func (q *commandQueue) Len() int { return q.count }

// start is the index of the oldest command.
func (q *commandQueue) start() int {
	n := len(q.items)
	return (q.pos - q.count + n) % n
}

// Push appends cmd. If the queue was full, the evicted oldest command is
// returned with ok set.
func (q *commandQueue) Push(cmd protocol.Command) (evicted protocol.Command, ok bool) {
	n := len(q.items)
	if n == 0 {
		return cmd, true
	}
	if q.count == n {
		evicted, ok = q.items[q.pos], true
	} else {
		q.count++
	}
	q.items[q.pos] = cmd
	q.pos = (q.pos + 1) % n
	return evicted, ok
}

// Pop removes and returns the oldest command.
func (q *commandQueue) Pop() (protocol.Command, bool) {
	if q.count == 0 {
		return nil, false
	}
	i := q.start()
	cmd := q.items[i]
	q.items[i] = nil
	q.count--
	return cmd, true
}

// PushFront puts cmd back at the head, used when a flush write fails. It
// reports false when the queue is full and cmd was discarded.
func (q *commandQueue) PushFront(cmd protocol.Command) bool {
	n := len(q.items)
	if q.count == n {
		return false
	}
	i := (q.start() - 1 + n) % n
	q.items[i] = cmd
	q.count++
	return true
}

// Reset discards every queued command.
func (q *commandQueue) Reset() {
	for i := range q.items {
		q.items[i] = nil
	}
	q.pos, q.count = 0, 0
}
