package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Volant-Labs/warrant/pkg/api"
	"github.com/Volant-Labs/warrant/pkg/authority"
	"github.com/Volant-Labs/warrant/pkg/tokenstore"
)

// introspectionResponse is the RFC 7662 payload, extended with the OIDC-A
// lineage claims.
type introspectionResponse struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`

	Scope        string   `json:"scope,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	Sub          string   `json:"sub,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	Exp          int64    `json:"exp,omitempty"`
	Iat          int64    `json:"iat,omitempty"`
	Jti          string   `json:"jti,omitempty"`
	GrantedTools []string `json:"granted_tools,omitempty"`

	TaskID        string `json:"task_id,omitempty"`
	ParentTaskID  string `json:"parent_task_id,omitempty"`
	ParentTokenID string `json:"parent_token_id,omitempty"`
	DelegatorSub  string `json:"delegator_sub,omitempty"`

	AgentType       string `json:"agent_type,omitempty"`
	AgentModel      string `json:"agent_model,omitempty"`
	AgentProvider   string `json:"agent_provider,omitempty"`
	AgentInstanceID string `json:"agent_instance_id,omitempty"`
	AgentTrustLevel string `json:"agent_trust_level,omitempty"`

	LaunchReason string `json:"launch_reason,omitempty"`
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		api.WriteError(w, r, authority.CodeInvalidRequest, "malformed form body")
		return
	}

	intro := s.authority.Introspect(r.Context(), r.PostForm.Get("token"))
	if !intro.Active {
		api.WriteJSON(w, http.StatusOK, introspectionResponse{Active: false, Reason: intro.Reason})
		return
	}

	claims := intro.Claims
	resp := introspectionResponse{
		Active:          true,
		Scope:           strings.Join(claims.Scope, " "),
		ClientID:        intro.Token.ClientID,
		Sub:             claims.Subject,
		TokenType:       "Bearer",
		Jti:             claims.ID,
		GrantedTools:    claims.GrantedTools,
		TaskID:          claims.TaskID,
		ParentTaskID:    claims.ParentTaskID,
		ParentTokenID:   claims.ParentTokenID,
		DelegatorSub:    claims.DelegatorSub,
		AgentType:       claims.AgentType,
		AgentModel:      claims.AgentModel,
		AgentProvider:   claims.AgentProvider,
		AgentInstanceID: claims.AgentInstanceID,
		AgentTrustLevel: claims.AgentTrustLevel,
		LaunchReason:    claims.LaunchReason,
	}
	if claims.ExpiresAt != nil {
		resp.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.Iat = claims.IssuedAt.Unix()
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// handleRevoke always returns 200 for unknown tokens, per RFC 7009.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		api.WriteError(w, r, authority.CodeInvalidRequest, "malformed form body")
		return
	}

	err := s.authority.Revoke(r.Context(), authority.RevokeRequest{
		TokenID: r.PostForm.Get("token_id"),
		Token:   r.PostForm.Get("token"),
		Reason:  r.PostForm.Get("reason"),
		Cascade: r.PostForm.Get("cascade") == "true",
	})
	if err != nil {
		api.WriteOAuthError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifyRequest asserts a token's lineage: optional task ids, an optional
// direct parent token, and an optional claimed ancestor chain.
type verifyRequest struct {
	Token        string `json:"token"`
	TaskID       string `json:"task_id,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	ParentToken  string `json:"parent_token,omitempty"`
	ParentTokens []struct {
		Token  string `json:"token"`
		TaskID string `json:"task_id,omitempty"`
	} `json:"parent_tokens,omitempty"`
}

type verifyResponse struct {
	Valid          bool                  `json:"valid"`
	Reason         string                `json:"reason,omitempty"`
	DivergentField string                `json:"divergent_field,omitempty"`
	Chain          []authority.ChainLink `json:"chain,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, r, authority.CodeInvalidRequest, "malformed JSON body")
		return
	}
	if req.Token == "" {
		api.WriteError(w, r, authority.CodeInvalidRequest, "token is required")
		return
	}

	ctx := r.Context()
	intro := s.authority.Introspect(ctx, req.Token)
	if !intro.Active {
		api.WriteJSON(w, http.StatusOK, verifyResponse{Valid: false, Reason: intro.Reason})
		return
	}
	token := intro.Token

	if len(req.ParentTokens) > 0 {
		parents := make([]authority.ParentAssertion, len(req.ParentTokens))
		for i, p := range req.ParentTokens {
			parents[i] = authority.ParentAssertion{Token: p.Token, TaskID: p.TaskID}
		}
		links, err := s.authority.VerifyTokenChain(ctx, token, parents)
		if err != nil {
			resp := verifyResponse{Valid: false, Chain: links}
			var oe *authority.Error
			if errors.As(err, &oe) {
				resp.Reason = oe.Description
			}
			api.WriteJSON(w, http.StatusOK, resp)
			return
		}
		api.WriteJSON(w, http.StatusOK, verifyResponse{Valid: true, Chain: links})
		return
	}

	var parent *tokenstore.Token
	if req.ParentToken != "" {
		parentIntro := s.authority.Introspect(ctx, req.ParentToken)
		if !parentIntro.Active {
			api.WriteJSON(w, http.StatusOK, verifyResponse{Valid: false, Reason: "invalid_parent"})
			return
		}
		parent = parentIntro.Token
	}

	ok, field := s.authority.VerifyTaskLineage(ctx, token, parent, req.TaskID, req.ParentTaskID)
	resp := verifyResponse{Valid: ok, DivergentField: field}
	if !ok {
		resp.Reason = "lineage_mismatch"
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
