package resume

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for resume entries.
	KeyPrefix = "chatsync:resume:"

	// DefaultTTL bounds how long a stale entry survives an idle user.
	DefaultTTL = 24 * time.Hour
)

// RedisStore keeps the last joined conversation in Redis so a restarted
// bridge resumes where it left off.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("resume: redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// LastConversation returns the stored conversation id, or "" when none.
func (s *RedisStore) LastConversation(ctx context.Context, userID string) (string, error) {
	id, err := s.client.Get(ctx, KeyPrefix+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resume: get: %w", err)
	}
	return id, nil
}

// SetLastConversation stores conversationID and refreshes the TTL.
func (s *RedisStore) SetLastConversation(ctx context.Context, userID, conversationID string) error {
	if err := s.client.Set(ctx, KeyPrefix+userID, conversationID, s.ttl).Err(); err != nil {
		return fmt.Errorf("resume: set: %w", err)
	}
	return nil
}

// Clear removes the entry for userID.
func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
