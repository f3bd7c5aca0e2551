// Package server is the HTTP surface of the authorization server: the OAuth
// endpoints, OIDC discovery, JWKS, and delegation grant management.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Volant-Labs/warrant/pkg/auth"
	"github.com/Volant-Labs/warrant/pkg/authority"
	"github.com/Volant-Labs/warrant/pkg/delegation"
	"github.com/Volant-Labs/warrant/pkg/identity"
	"github.com/Volant-Labs/warrant/pkg/observability"
	"github.com/Volant-Labs/warrant/pkg/ratelimit"
	"github.com/Volant-Labs/warrant/pkg/scope"
)

// Options configures the HTTP surface.
type Options struct {
	Issuer          string
	AllowedOrigins  []string
	RateLimitStore  ratelimit.Store // nil disables rate limiting
	RateLimitPolicy ratelimit.Policy
	Telemetry       *observability.Provider // nil disables spans
	Logger          *slog.Logger
}

// Server holds the engines the handlers dispatch into.
type Server struct {
	authority   *authority.Authority
	keys        identity.JWKSProvider
	delegations *delegation.Engine
	scopes      *scope.Catalog
	opts        Options
	logger      *slog.Logger
}

// New assembles a server around the token authority.
func New(a *authority.Authority, keys identity.JWKSProvider, delegations *delegation.Engine, scopes *scope.Catalog, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		authority:   a,
		keys:        keys,
		delegations: delegations,
		scopes:      scopes,
		opts:        opts,
		logger:      logger.With("component", "server"),
	}
}

// Handler builds the full middleware chain: request-id, CORS, rate limit on
// the token endpoint, bearer auth on the protected surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)

	mux.HandleFunc("/api/oauth/authorize", s.handleAuthorize)
	mux.Handle("/api/oauth/token", s.rateLimited(http.HandlerFunc(s.handleToken)))
	mux.HandleFunc("/api/oauth/introspect", s.handleIntrospect)
	mux.HandleFunc("/api/oauth/revoke", s.handleRevoke)
	mux.HandleFunc("/api/oauth/verify", s.handleVerify)

	mux.HandleFunc("/api/delegations", s.handleDelegations)
	mux.HandleFunc("/api/delegations/revoke", s.handleDelegationRevoke)

	var handler http.Handler = mux
	handler = auth.NewMiddleware(s.authority)(handler)
	handler = auth.CORSMiddleware(s.opts.AllowedOrigins)(handler)
	handler = auth.RequestIDMiddleware(handler)
	return handler
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.opts.RateLimitStore == nil {
		return next
	}
	return auth.RateLimitMiddleware(s.opts.RateLimitStore, s.opts.RateLimitPolicy)(next)
}

// Start runs the server with production timeouts until the listener fails.
func (s *Server) Start(port string) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("authorization server listening", "addr", httpServer.Addr, "issuer", s.opts.Issuer)
	return httpServer.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
