// Package resume remembers which conversation a user last joined so the
// transport can rejoin it after a reconnect or a process restart.
package resume

import (
	"context"
	"sync"
)

// Store persists the last joined conversation per user. An empty id means
// nothing was joined.
type Store interface {
	LastConversation(ctx context.Context, userID string) (string, error)
	SetLastConversation(ctx context.Context, userID, conversationID string) error
	Clear(ctx context.Context, userID string) error
}

// MemoryStore keeps the value for the lifetime of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	last map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]string)}
}

func (m *MemoryStore) LastConversation(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last[userID], nil
}

func (m *MemoryStore) SetLastConversation(_ context.Context, userID, conversationID string) error {
	m.mu.Lock()
	m.last[userID] = conversationID
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.last, userID)
	m.mu.Unlock()
	return nil
}
