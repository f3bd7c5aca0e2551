// Package authority orchestrates the OAuth 2.1 grants: it glues the client
// registry, code store, token store, delegation engine, policy engine, and
// decision gateway into the authorize / token / introspect / revoke
// operations, and mints RS256 access tokens with the OIDC-A claim set.
package authority

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Volant-Labs/warrant/pkg/audit"
	"github.com/Volant-Labs/warrant/pkg/authcode"
	"github.com/Volant-Labs/warrant/pkg/client"
	"github.com/Volant-Labs/warrant/pkg/delegation"
	"github.com/Volant-Labs/warrant/pkg/identity"
	"github.com/Volant-Labs/warrant/pkg/pdp"
	"github.com/Volant-Labs/warrant/pkg/policy"
	"github.com/Volant-Labs/warrant/pkg/tokenstore"
)

// Decision gateway rules consulted before issuing tokens.
const (
	RuleAllowAuthCode          = "allow_auth_code"
	RuleAllowClientCredentials = "allow_client_credentials"
)

// Config carries the authority's tunables.
type Config struct {
	Issuer              string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	IntrospectionLeeway time.Duration
	SystemClientIDs     []string
}

const (
	defaultAccessTTL  = 3 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

func (c *Config) defaults() {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = defaultAccessTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = defaultRefreshTTL
	}
	if c.Issuer == "" {
		c.Issuer = "warrant"
	}
}

// Deps are the collaborators the authority orchestrates.
type Deps struct {
	Clients     *client.Registry
	Codes       *authcode.CodeStore
	Tokens      tokenstore.Store
	Delegations *delegation.Engine
	Policies    *policy.Engine
	Expansion   *policy.ExpansionPolicyHolder
	Gate        pdp.Gateway
	Keys        identity.KeySet
	Audit       audit.Sink
	Logger      *slog.Logger
}

// Authority is the token authority.
type Authority struct {
	cfg           Config
	clients       *client.Registry
	codes         *authcode.CodeStore
	tokens        tokenstore.Store
	delegations   *delegation.Engine
	policies      *policy.Engine
	expansion     *policy.ExpansionPolicyHolder
	gate          pdp.Gateway
	keys          identity.KeySet
	sink          audit.Sink
	logger        *slog.Logger
	systemClients map[string]struct{}
	now           func() time.Time
}

// New wires an Authority. Gate and Audit default to the disabled gateway
// and the nop sink.
func New(cfg Config, deps Deps) *Authority {
	cfg.defaults()
	if deps.Gate == nil {
		deps.Gate = pdp.Disabled{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Expansion == nil {
		deps.Expansion = policy.NewExpansionPolicyHolder(nil)
	}
	systemClients := make(map[string]struct{}, len(cfg.SystemClientIDs))
	for _, id := range cfg.SystemClientIDs {
		systemClients[id] = struct{}{}
	}
	return &Authority{
		cfg:           cfg,
		clients:       deps.Clients,
		codes:         deps.Codes,
		tokens:        deps.Tokens,
		delegations:   deps.Delegations,
		policies:      deps.Policies,
		expansion:     deps.Expansion,
		gate:          deps.Gate,
		keys:          deps.Keys,
		sink:          deps.Audit,
		logger:        deps.Logger,
		systemClients: systemClients,
		now:           time.Now,
	}
}

// AuthorizeRequest is the /authorize input.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ConsentPrompt is returned when a consent_required policy matches: the
// caller must render approval before any code is issued. No side effects
// have occurred.
type ConsentPrompt struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name"`
	Scope        []string `json:"scope"`
	State        string   `json:"state,omitempty"`
	ResponseType string   `json:"response_type"`
}

// AuthorizeResult is either a consent prompt or a redirect carrying a code.
type AuthorizeResult struct {
	Consent     *ConsentPrompt
	RedirectURL string
}

// Authorize runs the authorization-code front half: validate, consult the
// consent policy pass, issue a code, and build the redirect.
func (a *Authority) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if req.ResponseType != "code" {
		return nil, oauthErrf(CodeUnsupportedResponseType, "response_type %q is not supported", req.ResponseType)
	}
	if req.CodeChallenge == "" {
		return nil, oauthErr(CodeInvalidRequest, "code_challenge is required")
	}
	method, err := authcode.ParseMethod(req.CodeChallengeMethod)
	if err != nil {
		return nil, oauthErr(CodeInvalidRequest, err.Error())
	}
	if req.RedirectURI == "" {
		return nil, oauthErr(CodeInvalidRequest, "redirect_uri is required")
	}

	c, err := a.clients.Get(ctx, req.ClientID)
	if err != nil {
		return nil, oauthErr(CodeInvalidClient, "unknown client")
	}
	if !c.IsActive {
		return nil, oauthErr(CodeInvalidClient, "client is inactive")
	}
	if !c.AllowsGrant(client.GrantAuthorizationCode) {
		return nil, oauthErr(CodeUnauthorizedClient, "authorization_code grant not allowed for this client")
	}
	if len(c.RedirectURIs) > 0 && !c.AllowsRedirect(req.RedirectURI) {
		return nil, oauthErr(CodeInvalidRequest, "redirect_uri is not registered")
	}

	scopes := req.Scope
	if len(scopes) == 0 {
		scopes = c.Scopes
	}

	if a.policies != nil && a.policies.RequiresHumanApproval(ctx, req.ClientID, scopes, req.ResponseType) {
		return &AuthorizeResult{Consent: &ConsentPrompt{
			ClientID:     c.ClientID,
			ClientName:   c.Name,
			Scope:        scopes,
			State:        req.State,
			ResponseType: req.ResponseType,
		}}, nil
	}

	plaintext, state, err := a.codes.Create(ctx, authcode.CreateParams{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		State:               req.State,
	})
	if err != nil {
		a.logger.Error("authorization code creation failed", "client_id", req.ClientID, "error", err)
		return nil, serverErr(err)
	}

	redirect, err := appendQuery(req.RedirectURI, plaintext, state)
	if err != nil {
		return nil, oauthErr(CodeInvalidRequest, "redirect_uri is not a valid URL")
	}
	return &AuthorizeResult{RedirectURL: redirect}, nil
}

// appendQuery adds code and state to the redirect URI, preserving any
// query parameters already present.
func appendQuery(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// checkLaunchReason validates the launch_reason claim input. Empty defaults
// to user_interactive; system_job is restricted to configured system clients.
func (a *Authority) checkLaunchReason(clientID, reason string) (string, *Error) {
	if reason == "" {
		return LaunchUserInteractive, nil
	}
	if !validLaunchReason(reason) {
		return "", oauthErrf(CodeInvalidRequest, "unknown launch_reason %q", reason)
	}
	if reason == LaunchSystemJob {
		if _, ok := a.systemClients[clientID]; !ok {
			return "", oauthErr(CodeUnauthorizedClient, "client may not launch system jobs")
		}
	}
	return reason, nil
}

// checkGate consults the decision gateway and converts a denial.
func (a *Authority) checkGate(ctx context.Context, rule string, input map[string]any) *Error {
	decision := a.gate.Check(ctx, rule, input)
	if decision.Allow {
		return nil
	}
	a.logger.Warn("decision gateway denied request", "rule", rule, "reason", decision.ReasonCode)
	return deniedByPolicy(decision.ReasonCode)
}

// evaluatePolicies runs the internal policy engine with deny-overrides.
func (a *Authority) evaluatePolicies(ctx context.Context, attrs map[string]any) *Error {
	if a.policies == nil {
		return nil
	}
	decision := a.policies.Evaluate(ctx, attrs)
	if decision.Decision == policy.VerdictDeny {
		a.recordPolicyDecision(ctx, attrs, decision)
		return deniedByPolicy(decision.DeniedBy)
	}
	return nil
}

func (a *Authority) recordPolicyDecision(ctx context.Context, attrs map[string]any, decision policy.Decision) {
	rec := audit.NewRecord(audit.KindPolicyDecision, "evaluated", audit.StatusDenied).
		WithDetail("denied_by", decision.DeniedBy)
	if clientID, ok := attrs["client_id"].(string); ok {
		rec = rec.WithSubject("client_id", clientID)
	}
	a.sink.Record(ctx, rec)
}

func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// mapAuthcodeError converts code-store sentinels to wire errors.
func mapAuthcodeError(err error) *Error {
	switch {
	case errors.Is(err, authcode.ErrInvalidClient):
		return oauthErr(CodeInvalidClient, "authorization code was issued to another client")
	case errors.Is(err, authcode.ErrPKCEMismatch):
		return oauthErr(CodeInvalidGrant, "pkce verification failed")
	case errors.Is(err, authcode.ErrExpired):
		return oauthErr(CodeInvalidGrant, "authorization code expired")
	case errors.Is(err, authcode.ErrAlreadyUsed):
		return oauthErr(CodeInvalidGrant, "authorization code already used")
	default:
		return oauthErr(CodeInvalidGrant, "invalid authorization code")
	}
}

// mapDelegationError converts delegation sentinels to wire errors.
func mapDelegationError(err error) *Error {
	switch {
	case errors.Is(err, delegation.ErrScopeExceeded):
		return oauthErrf(CodeInvalidScope, "requested scope exceeds delegation grant: %v", err)
	case errors.Is(err, delegation.ErrNotFound),
		errors.Is(err, delegation.ErrRevoked),
		errors.Is(err, delegation.ErrExpired),
		errors.Is(err, delegation.ErrDelegateMismatch):
		return oauthErrf(CodeInvalidGrant, "delegation grant rejected: %v", err)
	default:
		return oauthErr(CodeServerError, "internal error")
	}
}

func (a *Authority) auditTokenEvent(ctx context.Context, eventType string, status audit.Status, token *tokenstore.Token, details map[string]any) {
	rec := audit.NewRecord(audit.KindToken, eventType, status).
		WithSubject("token_id", token.TokenID).
		WithSubject("client_id", token.ClientID).
		WithDetail("task_id", token.TaskID)
	for k, v := range details {
		rec = rec.WithDetail(k, v)
	}
	a.sink.Record(ctx, rec)
}

func (a *Authority) auditFailure(ctx context.Context, eventType, clientID string, details map[string]any) {
	rec := audit.NewRecord(audit.KindToken, eventType, audit.StatusFailure).
		WithSubject("token_id", audit.ErrorTokenID()).
		WithSubject("client_id", clientID)
	for k, v := range details {
		rec = rec.WithDetail(k, v)
	}
	a.sink.Record(ctx, rec)
}
