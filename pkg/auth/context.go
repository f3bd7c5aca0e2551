package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the verified caller of a protected endpoint.
type Principal struct {
	Subject  string
	ClientID string
	TokenID  string
	TaskID   string
	Scope    []string
	Tools    []string
}

// HasScope reports whether the principal's token carries the given scope.
func (p *Principal) HasScope(s string) bool {
	for _, have := range p.Scope {
		if have == s {
			return true
		}
	}
	return false
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}
