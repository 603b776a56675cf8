// Package auth holds the small slice of authentication the sync core needs:
// a source for the current access token, a process-wide "unauthenticated"
// signal, and reading the user id out of the token.
package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
)

// TokenSource supplies the current access token. ok is false when the user
// is logged out.
type TokenSource interface {
	AccessToken() (token string, ok bool)
}

// StaticToken is a TokenSource holding a token that can be swapped after a
// refresh.
type StaticToken struct {
	mu    sync.RWMutex
	token string
}

// NewStaticToken returns a StaticToken seeded with token.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

// AccessToken implements TokenSource.
func (s *StaticToken) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set replaces the token. An empty token means logged out.
func (s *StaticToken) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Notifier fans the "unauthenticated" signal out to subscribers.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func()
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]func())}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func()) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Unauthenticated invokes every subscriber. Subscribers run outside the lock
// so they may unsubscribe themselves.
func (n *Notifier) Unauthenticated() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Claims is what the client reads from an access token.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now. Tokens without
// an exp claim never expire client-side.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ParseClaims reads user_id and exp from a JWT without verifying the
// signature. The server verifies the token on every request; the client only
// needs to know who it is.
func ParseClaims(token string) (Claims, error) {
	parsed, _, err := new(jwt.Parser).ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("auth: unexpected claims type %T", parsed.Claims)
	}

	var out Claims
	switch v := mc["user_id"].(type) {
	case string:
		out.UserID = v
	case float64:
		out.UserID = fmt.Sprintf("%.0f", v)
	default:
		return Claims{}, fmt.Errorf("auth: token has no user_id claim")
	}
	if exp, ok := mc["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return out, nil
}
