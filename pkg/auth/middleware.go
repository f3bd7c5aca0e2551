package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/Volant-Labs/warrant/pkg/api"
	"github.com/Volant-Labs/warrant/pkg/authority"
)

// Introspector verifies access tokens. Satisfied by *authority.Authority.
type Introspector interface {
	Introspect(ctx context.Context, tokenString string) *authority.Introspection
}

// publicPaths are endpoints that do not require a bearer token. The OAuth
// endpoints authenticate with their own client credentials.
var publicPaths = []string{
	"/health",
	"/readiness",
	"/.well-known/openid-configuration",
	"/.well-known/jwks.json",
	"/api/oauth/authorize",
	"/api/oauth/token",
	"/api/oauth/introspect",
	"/api/oauth/revoke",
}

// isPublicPath checks if the path should be accessible without a bearer token.
func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates bearer-token auth middleware backed by token
// introspection. If introspector is nil, all non-public requests are
// rejected (fail closed).
func NewMiddleware(introspector Introspector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, r, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, r, "invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if introspector == nil {
				api.WriteUnauthorized(w, r, "authentication not configured")
				return
			}

			intro := introspector.Introspect(r.Context(), parts[1])
			if !intro.Active {
				api.WriteUnauthorized(w, r, "invalid or expired token")
				return
			}

			principal := &Principal{
				Subject:  intro.Claims.Subject,
				ClientID: intro.Token.ClientID,
				TokenID:  intro.Token.TokenID,
				TaskID:   intro.Token.TaskID,
				Scope:    intro.Token.Scope,
				Tools:    intro.Token.GrantedTools,
			}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
