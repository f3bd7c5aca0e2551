package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Volant-Labs/warrant/pkg/api"
	"github.com/Volant-Labs/warrant/pkg/auth"
	"github.com/Volant-Labs/warrant/pkg/authority"
	"github.com/Volant-Labs/warrant/pkg/delegation"
)

// createDelegationRequest creates a grant from the authenticated principal
// to a delegate client.
type createDelegationRequest struct {
	PrincipalType string         `json:"principal_type,omitempty"`
	DelegateID    string         `json:"delegate_id"`
	Scope         []string       `json:"scope"`
	MaxDepth      int            `json:"max_depth,omitempty"`
	Constraints   map[string]any `json:"constraints,omitempty"`
	TTLSeconds    int64          `json:"ttl_seconds"`
}

func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, r, "")
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req createDelegationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteError(w, r, authority.CodeInvalidRequest, "malformed JSON body")
			return
		}
		grant, err := s.delegations.CreateGrant(r.Context(), delegation.CreateParams{
			PrincipalType: delegation.PrincipalType(req.PrincipalType),
			PrincipalID:   principal.Subject,
			DelegateID:    req.DelegateID,
			Scope:         req.Scope,
			MaxDepth:      req.MaxDepth,
			Constraints:   req.Constraints,
			TTL:           time.Duration(req.TTLSeconds) * time.Second,
		})
		if err != nil {
			api.WriteError(w, r, authority.CodeInvalidRequest, err.Error())
			return
		}
		api.WriteJSON(w, http.StatusCreated, grant)

	case http.MethodGet:
		grants, err := s.delegations.ListByPrincipal(r.Context(), principal.Subject)
		if err != nil {
			api.WriteOAuthError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"grants": grants})

	default:
		api.WriteMethodNotAllowed(w, r)
	}
}

func (s *Server) handleDelegationRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, r, "")
		return
	}

	var req struct {
		GrantID string `json:"grant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GrantID == "" {
		api.WriteError(w, r, authority.CodeInvalidRequest, "grant_id is required")
		return
	}

	if err := s.delegations.RevokeGrant(r.Context(), req.GrantID, principal.Subject); err != nil {
		switch {
		case errors.Is(err, delegation.ErrNotFound):
			api.WriteError(w, r, authority.CodeInvalidGrant, "unknown delegation grant")
		case errors.Is(err, delegation.ErrPrincipalMismatch):
			api.WriteError(w, r, authority.CodeAccessDenied, "grant belongs to another principal")
		default:
			api.WriteOAuthError(w, r, err)
		}
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
