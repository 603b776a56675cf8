package transport

import (
	"testing"

	"github.com/pixora/chat-sync/internal/protocol"
)

func msg(s string) protocol.Command {
	return protocol.SendMessageCmd{ConversationID: "c", Content: s}
}

func content(t *testing.T, cmd protocol.Command) string {
	t.Helper()
	m, ok := cmd.(protocol.SendMessageCmd)
	if !ok {
		t.Fatalf("unexpected command %T", cmd)
	}
	return m.Content
}

func TestCommandQueue_FIFO(t *testing.T) {
	q := newCommandQueue(3)
	q.Push(msg("a"))
	q.Push(msg("b"))

	if q.Len() != 2 {
		t.Fatalf("expected 2 queued, got %d", q.Len())
	}
	for _, want := range []string{"a", "b"} {
		cmd, ok := q.Pop()
		if !ok {
			t.Fatal("expected a command")
		}
		if got := content(t, cmd); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected empty queue")
	}
}

func TestCommandQueue_OverflowEvictsOldest(t *testing.T) {
	q := newCommandQueue(2)
	q.Push(msg("a"))
	q.Push(msg("b"))
	evicted, ok := q.Push(msg("c"))
	if !ok || content(t, evicted) != "a" {
		t.Fatalf("expected a to be evicted, got %v ok=%v", evicted, ok)
	}

	var got []string
	for {
		cmd, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, content(t, cmd))
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("expected [b c], got %v", got)
	}
}

func TestCommandQueue_PushFront(t *testing.T) {
	q := newCommandQueue(3)
	q.Push(msg("b"))
	q.Push(msg("c"))
	first, _ := q.Pop()
	if !q.PushFront(first) {
		t.Fatal("expected PushFront to succeed")
	}
	if !q.PushFront(msg("a")) {
		t.Fatal("expected PushFront to succeed")
	}
	if q.PushFront(msg("z")) {
		t.Error("expected PushFront on full queue to fail")
	}

	for _, want := range []string{"a", "b", "c"} {
		cmd, _ := q.Pop()
		if got := content(t, cmd); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestCommandQueue_ZeroSize(t *testing.T) {
	q := newCommandQueue(0)
	if _, ok := q.Push(msg("a")); !ok {
		t.Error("expected zero-size queue to reject immediately")
	}
	if q.Len() != 0 || q.PushFront(msg("a")) {
		t.Error("expected zero-size queue to stay empty")
	}
	q.Reset()
}
