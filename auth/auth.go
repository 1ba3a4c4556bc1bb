// Package auth abstracts the authentication collaborator. Token
// issuance and JWT handling live outside the core; the workflow only
// needs a validated owner identity per request.
package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrInvalidToken is returned for unknown or malformed credentials.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the validated caller.
type Identity struct {
	OwnerID string
	Admin   bool
}

// Authenticator validates bearer credentials.
type Authenticator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// StaticAuthenticator validates against a fixed token map. Suitable
// for development and tests; production deployments plug in the real
// identity service.
type StaticAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticAuthenticator creates an authenticator with the given
// token-to-identity mapping.
func NewStaticAuthenticator(tokens map[string]Identity) *StaticAuthenticator {
	cloned := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		cloned[k] = v
	}
	return &StaticAuthenticator{tokens: cloned}
}

// Validate implements Authenticator.
func (a *StaticAuthenticator) Validate(ctx context.Context, token string) (Identity, error) {
	if ctx.Err() != nil {
		return Identity{}, ctx.Err()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// Add registers a token at runtime.
func (a *StaticAuthenticator) Add(token string, id Identity) {
	a.mu.Lock()
	a.tokens[token] = id
	a.mu.Unlock()
}
