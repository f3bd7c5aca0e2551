package auth

import (
	"net/http"

	"github.com/Volant-Labs/warrant/pkg/api"
	"github.com/Volant-Labs/warrant/pkg/ratelimit"
)

// RateLimitMiddleware enforces per-client rate limiting at the HTTP layer.
// The bucket key is the client_id form field (falls back to remote IP for
// requests that carry none). On limit exceeded it returns 429 with a
// Retry-After header.
func RateLimitMiddleware(store ratelimit.Store, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store configured (dev mode)
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := r.RemoteAddr
			if id := clientKey(r); id != "" {
				key = id
			}

			allowed, err := store.Allow(r.Context(), key, policy, 1)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				api.WriteTooManyRequests(w, r, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey extracts the client identity without consuming the body.
func clientKey(r *http.Request) string {
	if p, err := GetPrincipal(r.Context()); err == nil {
		return p.ClientID
	}
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	if id, _, ok := r.BasicAuth(); ok {
		return id
	}
	return ""
}
