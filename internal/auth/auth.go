// Package auth authenticates gateway callers by bearer API key and carries
// the scopes they were granted.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
	ErrForbidden       = errors.New("insufficient permission")
)

// Scope grants access to one group of endpoints.
type Scope string

const (
	ScopeAnalyze Scope = "analyze"
	ScopeFilter  Scope = "filter"
	ScopeChat    Scope = "chat"
	ScopeAdmin   Scope = "admin"
)

// DefaultScopes are granted to keys stored without an explicit scope list.
var DefaultScopes = []Scope{ScopeAnalyze, ScopeFilter, ScopeChat}

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case ScopeAnalyze, ScopeFilter, ScopeChat, ScopeAdmin:
		return sc, nil
	default:
		return "", fmt.Errorf("unknown scope %q", s)
	}
}

// Principal is an authenticated caller.
type Principal struct {
	CallerID string
	Scopes   []Scope
}

// Has reports whether p was granted scope. Admin implies every scope.
func (p *Principal) Has(scope Scope) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Authenticator resolves a raw API key to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)
}

// BearerToken extracts the API key from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingAPIKey
	}
	token := header
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingAPIKey
	}
	return token, nil
}

// Chain tries authenticators in order. ErrInvalidAPIKey falls through to the
// next one; any other error stops the chain.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	for _, a := range c {
		p, err := a.Authenticate(ctx, apiKey)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrInvalidAPIKey) {
			return nil, err
		}
	}
	return nil, ErrInvalidAPIKey
}
