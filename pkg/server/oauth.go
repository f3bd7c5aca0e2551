package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Volant-Labs/warrant/pkg/api"
	"github.com/Volant-Labs/warrant/pkg/authority"
)

// handleAuthorize runs the authorization-code front half. Consent-gated
// requests return the prompt as JSON; approved ones redirect with the code.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}

	q := r.URL.Query()
	result, err := s.authority.Authorize(r.Context(), authority.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               splitScope(q.Get("scope")),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		api.WriteOAuthError(w, r, err)
		return
	}

	if result.Consent != nil {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"consent_required": true,
			"consent":          result.Consent,
		})
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// handleToken dispatches the three grant types.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		api.WriteError(w, r, authority.CodeInvalidRequest, "malformed form body")
		return
	}

	clientID, clientSecret := clientCredentials(r)
	grantType := r.PostForm.Get("grant_type")

	ctx := r.Context()
	if s.opts.Telemetry != nil {
		var finish func(error)
		ctx, finish = s.opts.Telemetry.TrackOperation(ctx, "oauth.token",
			attribute.String("grant_type", grantType))
		defer func() { finish(nil) }()
	}

	var (
		resp *authority.TokenResponse
		err  error
	)
	switch grantType {
	case "authorization_code":
		resp, err = s.authority.ExchangeCode(ctx, authority.ExchangeRequest{
			ClientID:          clientID,
			Code:              r.PostForm.Get("code"),
			RedirectURI:       r.PostForm.Get("redirect_uri"),
			CodeVerifier:      r.PostForm.Get("code_verifier"),
			DelegationGrantID: r.PostForm.Get("delegation_grant_id"),
			LaunchReason:      r.PostForm.Get("launch_reason"),
			LaunchedBy:        r.PostForm.Get("launched_by"),
		})
	case "client_credentials":
		parents, perr := parseParentAssertions(r.PostForm.Get("parent_tokens"))
		if perr != nil {
			api.WriteError(w, r, authority.CodeInvalidRequest, "parent_tokens must be a JSON array of {token, task_id}")
			return
		}
		resp, err = s.authority.ClientCredentials(ctx, authority.ClientCredentialsRequest{
			ClientID:            clientID,
			ClientSecret:        clientSecret,
			Scope:               splitScope(r.PostForm.Get("scope")),
			RequiredTools:       splitScope(r.PostForm.Get("required_tools")),
			CodeChallenge:       r.PostForm.Get("code_challenge"),
			CodeChallengeMethod: r.PostForm.Get("code_challenge_method"),
			TaskID:              r.PostForm.Get("task_id"),
			TaskDescription:     r.PostForm.Get("task_description"),
			ParentTaskID:        r.PostForm.Get("parent_task_id"),
			ParentToken:         r.PostForm.Get("parent_token"),
			ParentTokens:        parents,
			AgentInstanceID:     r.PostForm.Get("agent_instance_id"),
			DelegationGrantID:   r.PostForm.Get("delegation_grant_id"),
			LaunchReason:        r.PostForm.Get("launch_reason"),
		})
	case "refresh_token":
		resp, err = s.authority.Refresh(ctx, authority.RefreshRequest{
			ClientID:          clientID,
			RefreshToken:      r.PostForm.Get("refresh_token"),
			CodeVerifier:      r.PostForm.Get("code_verifier"),
			Scope:             splitScope(r.PostForm.Get("scope")),
			DelegationGrantID: r.PostForm.Get("delegation_grant_id"),
		})
	default:
		api.WriteError(w, r, authority.CodeUnsupportedGrantType, "grant_type must be authorization_code, client_credentials, or refresh_token")
		return
	}

	if err != nil {
		api.WriteOAuthError(w, r, err)
		return
	}
	if s.opts.Telemetry != nil {
		s.opts.Telemetry.RecordTokenIssued(ctx, grantType)
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// clientCredentials extracts client authentication: HTTP Basic takes
// precedence over form fields.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func splitScope(s string) []string {
	return strings.Fields(s)
}

func parseParentAssertions(raw string) ([]authority.ParentAssertion, error) {
	if raw == "" {
		return nil, nil
	}
	var decoded []struct {
		Token  string `json:"token"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	parents := make([]authority.ParentAssertion, len(decoded))
	for i, d := range decoded {
		parents[i] = authority.ParentAssertion{Token: d.Token, TaskID: d.TaskID}
	}
	return parents, nil
}
