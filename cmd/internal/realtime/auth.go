package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrUnauthorized is returned for unknown or rejected credentials.
var ErrUnauthorized = errors.New("realtime: unauthorized")

// Authenticator verifies the hello token and yields the session identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticAuthenticator is a token -> identity table for tests and dev mode.
type StaticAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticAuthenticator constructs an empty table.
func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{tokens: make(map[string]Identity)}
}

// Grant registers a token for an identity.
func (a *StaticAuthenticator) Grant(token string, id Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = id
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	id, ok := a.tokens[token]
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	return id, nil
}
