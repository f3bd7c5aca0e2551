package server

import (
	"encoding/json"
	"net/http"

	"github.com/Volant-Labs/warrant/pkg/api"
)

// discoveryDocument is the OIDC-A discovery payload.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// agentClaims are the OIDC-A additions advertised alongside the core set.
var agentClaims = []string{
	"agent_type", "agent_model", "agent_provider", "agent_instance_id",
	"agent_trust_level", "agent_capabilities",
	"delegator_sub", "delegation_chain", "delegation_purpose", "delegation_constraints",
	"task_id", "parent_task_id", "parent_token_id", "launch_reason",
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}

	issuer := s.opts.Issuer
	doc := discoveryDocument{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/api/oauth/authorize",
		TokenEndpoint:                 issuer + "/api/oauth/token",
		IntrospectionEndpoint:         issuer + "/api/oauth/introspect",
		RevocationEndpoint:            issuer + "/api/oauth/revoke",
		JWKSURI:                       issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "client_credentials", "refresh_token"},
		CodeChallengeMethodsSupported: []string{"S256", "plain"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post",
		},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		ClaimsSupported: append([]string{
			"iss", "sub", "exp", "iat", "nbf", "jti", "scope", "granted_tools",
		}, agentClaims...),
	}
	if s.scopes != nil {
		for _, sc := range s.scopes.List("") {
			doc.ScopesSupported = append(doc.ScopesSupported, sc.Name)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}

	jwks, err := s.keys.JWKS()
	if err != nil {
		s.logger.Error("JWKS marshal failed", "error", err)
		api.WriteOAuthError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(jwks)
}
