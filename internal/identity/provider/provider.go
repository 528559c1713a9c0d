// Package provider defines the capability every identity provider adapter implements and
// the registry the orchestrator uses to select one by method.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"

	"enterprise-auth/backend/internal/identity/domain"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

// UserIDLength is the number of hex characters kept from the subject hash.
const UserIDLength = 32

// IdentityProvider authenticates a credential into a normalized user.
// Errors are *autherr.Error values of the authentication kind.
type IdentityProvider interface {
	Method() domain.Method
	Authenticate(ctx context.Context, cred domain.Credential) (*userdomain.User, error)
	ValidateToken(ctx context.Context, token string) (bool, error)
	RefreshToken(ctx context.Context, refreshToken string) (*domain.Token, error)
	// Logout releases provider state linked to the session.
	Logout(ctx context.Context, sessionID string) error
	HealthCheck(ctx context.Context) error
}

// SessionBinder is implemented by providers that keep per-session token state.
type SessionBinder interface {
	// BindSession links the tokens issued during the login of user to sessionID.
	BindSession(sessionID, userID string)
	// RebindSession moves linked state after a session id rotation.
	RebindSession(oldID, newID string)
}

// Redirector is implemented by providers whose login starts with a browser redirect.
type Redirector interface {
	AuthorizationURL(ctx context.Context) (*domain.AuthorizationRequest, error)
}

// DeriveUserID returns the stable internal user id for a provider subject:
// the first UserIDLength hex characters of SHA-256(method ":" subject).
func DeriveUserID(method domain.Method, subject string) string {
	sum := sha256.Sum256([]byte(string(method) + ":" + subject))
	return hex.EncodeToString(sum[:])[:UserIDLength]
}

// Registry holds the configured providers keyed by method.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.Method]IdentityProvider
}

// NewRegistry returns a registry containing providers.
func NewRegistry(providers ...IdentityProvider) *Registry {
	r := &Registry{providers: make(map[domain.Method]IdentityProvider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the provider for p.Method().
func (r *Registry) Register(p IdentityProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Method()] = p
}

// Get returns the provider for method.
func (r *Registry) Get(method domain.Method) (IdentityProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[method]
	return p, ok
}

// Methods returns the registered methods in sorted order.
func (r *Registry) Methods() []domain.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Method, 0, len(r.providers))
	for m := range r.providers {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// All returns every registered provider ordered by method.
func (r *Registry) All() []IdentityProvider {
	methods := r.Methods()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]IdentityProvider, 0, len(methods))
	for _, m := range methods {
		out = append(out, r.providers[m])
	}
	return out
}
