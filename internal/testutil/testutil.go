// Package testutil holds helpers shared by package tests: a logger and a fake
// chat server speaking the WebSocket protocol.
package testutil

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// TestLogger returns a debug-level text logger writing to stdout, tagged
// with the test name.
func TestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h).With("test", t.Name())
}

// Eventually polls cond every 5ms until it holds or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
