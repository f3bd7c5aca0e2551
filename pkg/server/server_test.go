package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volant-Labs/warrant/pkg/audit"
	"github.com/Volant-Labs/warrant/pkg/authcode"
	"github.com/Volant-Labs/warrant/pkg/authority"
	"github.com/Volant-Labs/warrant/pkg/client"
	"github.com/Volant-Labs/warrant/pkg/delegation"
	"github.com/Volant-Labs/warrant/pkg/identity"
	"github.com/Volant-Labs/warrant/pkg/policy"
	"github.com/Volant-Labs/warrant/pkg/ratelimit"
	"github.com/Volant-Labs/warrant/pkg/scope"
	"github.com/Volant-Labs/warrant/pkg/tokenstore"
)

// RFC 7636 appendix B test vector.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type testEnv struct {
	ts     *httptest.Server
	server *Server
}

func newTestEnv(t *testing.T, opts *Options) *testEnv {
	t.Helper()
	ctx := context.Background()

	clients := client.NewRegistry()
	_, err := clients.Register(ctx, client.RegisterParams{
		ClientID:     "web-app",
		Name:         "web app",
		Secret:       "app-secret",
		RedirectURIs: []string{"https://app.example/cb"},
		GrantTypes:   []client.GrantType{client.GrantAuthorizationCode, client.GrantRefreshToken},
		Scopes:       []string{"read:web"},
		Tools:        []client.Tool{{Name: "web_search"}},
	})
	require.NoError(t, err)
	_, err = clients.Register(ctx, client.RegisterParams{
		ClientID:   "agent-1",
		Name:       "research agent",
		Secret:     "agent-secret",
		GrantTypes: []client.GrantType{client.GrantClientCredentials, client.GrantRefreshToken},
		Scopes:     []string{"read:web", "write:web", "read:x"},
		Tools:      []client.Tool{{Name: "web_search"}},
		AgentType:  "assistant",
	})
	require.NoError(t, err)

	keys, err := identity.NewRSAKeySet()
	require.NoError(t, err)
	engine, err := policy.NewEngine()
	require.NoError(t, err)

	sink := &audit.SyncSink{Store: audit.NewChainStore()}
	grants := delegation.NewEngine(delegation.NewMemoryStore(), sink)

	a := authority.New(authority.Config{Issuer: "https://auth.example"}, authority.Deps{
		Clients:     clients,
		Codes:       authcode.New(authcode.NewMemoryStore(), 5*time.Minute),
		Tokens:      tokenstore.NewMemoryStore(),
		Delegations: grants,
		Policies:    engine,
		Expansion:   policy.NewExpansionPolicyHolder(nil),
		Keys:        keys,
		Audit:       sink,
	})

	catalog := scope.NewCatalog()
	for _, name := range []string{"read:web", "write:web"} {
		_, err := catalog.Create(scope.Scope{Name: name, Category: scope.CategoryRead, IsActive: true})
		require.NoError(t, err)
	}

	o := Options{Issuer: "https://auth.example"}
	if opts != nil {
		o = *opts
		o.Issuer = "https://auth.example"
	}
	srv := New(a, keys, grants, catalog, o)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, server: srv}
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.PostForm(e.ts.URL+path, form)
	require.NoError(t, err)
	return resp, decodeJSON(t, resp)
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (e *testEnv) mintAgentToken(t *testing.T, scopes string, parentToken string) map[string]any {
	t.Helper()
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {"agent-1"},
		"client_secret":         {"agent-secret"},
		"scope":                 {scopes},
		"code_challenge":        {rfcChallenge},
		"code_challenge_method": {"S256"},
	}
	if parentToken != "" {
		form.Set("parent_token", parentToken)
	}
	resp, body := e.postForm(t, "/api/oauth/token", form)
	require.Equal(t, http.StatusOK, resp.StatusCode, "token mint failed: %v", body)
	return body
}

func TestDiscoveryDocument(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	body := decodeJSON(t, resp)

	assert.Equal(t, "https://auth.example", body["issuer"])
	assert.ElementsMatch(t, []any{"S256", "plain"}, body["code_challenge_methods_supported"])
	assert.Contains(t, body["claims_supported"], "agent_trust_level")
	assert.Contains(t, body["claims_supported"], "delegator_sub")
	assert.Contains(t, body["scopes_supported"], "read:web")
}

func TestJWKSEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	body := decodeJSON(t, resp)

	keys, ok := body["keys"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, keys)
	first := keys[0].(map[string]any)
	assert.Equal(t, "RSA", first["kty"])
	assert.Equal(t, "RS256", first["alg"])
	assert.NotEmpty(t, first["kid"])
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	// the client must observe the redirect, not follow it
	hc := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	authorizeURL := env.ts.URL + "/api/oauth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {"web-app"},
		"redirect_uri":          {"https://app.example/cb"},
		"scope":                 {"read:web"},
		"state":                 {"xyz"},
		"code_challenge":        {rfcChallenge},
		"code_challenge_method": {"S256"},
	}.Encode()

	resp, err := hc.Get(authorizeURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", loc.Query().Get("state"))

	tokenResp, body := env.postForm(t, "/api/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"web-app"},
		"code":          {code},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {rfcVerifier},
	})
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.NotEmpty(t, body["task_id"])

	// replaying the code fails
	replay, replayBody := env.postForm(t, "/api/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"web-app"},
		"code":          {code},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {rfcVerifier},
	})
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode)
	assert.Equal(t, "invalid_grant", replayBody["error"])
	assert.NotEmpty(t, replayBody["request_id"])
}

func TestTokenEndpointRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.postForm(t, "/api/oauth/token", url.Values{
		"grant_type": {"password"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_grant_type", body["error"])

	resp, body = env.postForm(t, "/api/oauth/token", url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {"agent-1"},
		"client_secret":         {"wrong"},
		"code_challenge":        {rfcChallenge},
		"code_challenge_method": {"S256"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_client", body["error"])
}

func TestClientCredentialsWithBasicAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"scope":                 {"read:web"},
		"code_challenge":        {rfcChallenge},
		"code_challenge_method": {"S256"},
	}
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("agent-1", "agent-secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body := decodeJSON(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "read:web", body["scope"])
}

func TestScopeDenialDetailsOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	parent := env.mintAgentToken(t, "read:web", "")

	resp, body := env.postForm(t, "/api/oauth/token", url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {"agent-1"},
		"client_secret":         {"agent-secret"},
		"scope":                 {"write:web"},
		"parent_token":          {parent["access_token"].(string)},
		"code_challenge":        {rfcChallenge},
		"code_challenge_method": {"S256"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "invalid_scope", body["error"])
	details := body["error_details"].(map[string]any)
	assert.Equal(t, []any{"write:web"}, details["exceeded_scopes"])
	assert.Equal(t, []any{"read:web"}, details["available_parent_scopes"])
}

func TestIntrospectAndRevokeOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	minted := env.mintAgentToken(t, "read:web", "")
	access := minted["access_token"].(string)

	resp, body := env.postForm(t, "/api/oauth/introspect", url.Values{"token": {access}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "agent-1", body["client_id"])
	assert.Equal(t, "read:web", body["scope"])
	assert.Equal(t, "assistant", body["agent_type"])
	assert.NotEmpty(t, body["jti"])
	assert.NotEmpty(t, body["task_id"])

	resp, _ = env.postForm(t, "/api/oauth/revoke", url.Values{
		"token":  {access},
		"reason": {"operator request"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.postForm(t, "/api/oauth/introspect", url.Values{"token": {access}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["active"])
	assert.Equal(t, "revoked", body["reason"])

	// unknown tokens revoke silently
	resp, _ = env.postForm(t, "/api/oauth/revoke", url.Values{"token": {"not.a.token"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCascadeRevokeOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	parent := env.mintAgentToken(t, "read:web", "")
	child := env.mintAgentToken(t, "read:web", parent["access_token"].(string))

	resp, _ := env.postForm(t, "/api/oauth/revoke", url.Values{
		"token":   {parent["access_token"].(string)},
		"cascade": {"true"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := env.postForm(t, "/api/oauth/introspect", url.Values{
		"token": {child["access_token"].(string)},
	})
	assert.Equal(t, false, body["active"])
	assert.Equal(t, "revoked", body["reason"])
}

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	parent := env.mintAgentToken(t, "read:web", "")
	child := env.mintAgentToken(t, "read:web", parent["access_token"].(string))
	childAccess := child["access_token"].(string)

	post := func(payload map[string]any) map[string]any {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/oauth/verify", strings.NewReader(string(raw)))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+childAccess)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decodeJSON(t, resp)
	}

	body := post(map[string]any{
		"token":        childAccess,
		"parent_token": parent["access_token"],
	})
	assert.Equal(t, true, body["valid"])

	body = post(map[string]any{
		"token":   childAccess,
		"task_id": "not-the-task",
	})
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "task_id", body["divergent_field"])

	body = post(map[string]any{
		"token":         childAccess,
		"parent_tokens": []map[string]any{{"token": parent["access_token"]}},
	})
	assert.Equal(t, true, body["valid"])
	chain := body["chain"].([]any)
	require.Len(t, chain, 1)
	assert.Equal(t, true, chain[0].(map[string]any)["is_direct_parent"])
}

func TestVerifyRequiresBearer(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.ts.URL+"/api/oauth/verify", "application/json", strings.NewReader(`{"token":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDelegationEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	minted := env.mintAgentToken(t, "read:web", "")
	access := minted["access_token"].(string)

	do := func(method, path string, payload any) (*http.Response, map[string]any) {
		var body string
		if payload != nil {
			raw, err := json.Marshal(payload)
			require.NoError(t, err)
			body = string(raw)
		}
		req, err := http.NewRequest(method, env.ts.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+access)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp, decodeJSON(t, resp)
	}

	resp, body := do(http.MethodPost, "/api/delegations", map[string]any{
		"delegate_id": "agent-1",
		"scope":       []string{"read:x"},
		"max_depth":   2,
		"ttl_seconds": 3600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	grantID := body["grant_id"].(string)
	require.NotEmpty(t, grantID)

	resp, body = do(http.MethodGet, "/api/delegations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["grants"], 1)

	resp, _ = do(http.MethodPost, "/api/delegations/revoke", map[string]any{"grant_id": grantID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(http.MethodPost, "/api/delegations/revoke", map[string]any{"grant_id": "missing"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestTokenEndpointRateLimited(t *testing.T) {
	env := newTestEnv(t, &Options{
		RateLimitStore:  ratelimit.NewMemoryStore(),
		RateLimitPolicy: ratelimit.Policy{RPM: 60, Burst: 2},
	})

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"scope":                 {"read:web"},
		"code_challenge":        {rfcChallenge},
		"code_challenge_method": {"S256"},
	}
	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/oauth/token", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth("agent-1", "agent-secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.postForm(t, "/api/oauth/token", url.Values{"grant_type": {"password"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, resp.Header.Get("X-Request-ID"), body["request_id"])
}
