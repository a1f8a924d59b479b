package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrUnauthorized reports a missing or unknown credential.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated user behind a connection, with the display
// metadata peers use to render cursors.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

// Authenticator resolves a bearer token to an identity.
// The real identity provider is an external service; this interface is the
// boundary the collaboration server consumes it through.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// TokenRegistry is an in-memory Authenticator: a token → identity map.
// It backs tests and single-node deployments where tokens are provisioned
// out of band.
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]Identity)}
}

// Register associates a token with an identity, replacing any previous entry.
func (r *TokenRegistry) Register(token string, id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = id
}

func (r *TokenRegistry) Authenticate(_ context.Context, token string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.tokens[token]
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	return id, nil
}

// Open authenticates every non-empty token as its own user, for local runs
// without a provisioned identity service. Empty tokens are still rejected.
type Open struct{}

func (Open) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: token, Name: token, Color: "#3498db"}, nil
}
