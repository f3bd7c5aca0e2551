package authority

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Volant-Labs/warrant/pkg/audit"
	"github.com/Volant-Labs/warrant/pkg/authcode"
	"github.com/Volant-Labs/warrant/pkg/client"
	"github.com/Volant-Labs/warrant/pkg/scope"
	"github.com/Volant-Labs/warrant/pkg/tokenstore"
)

const refreshSecretBytes = 48

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken   string   `json:"access_token"`
	RefreshToken  string   `json:"refresh_token,omitempty"`
	TokenType     string   `json:"token_type"`
	ExpiresIn     int64    `json:"expires_in"`
	Scope         string   `json:"scope"`
	TaskID        string   `json:"task_id"`
	GrantedTools  []string `json:"granted_tools"`
	ParentTaskID  string   `json:"parent_task_id,omitempty"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
}

// mintParams carries everything needed to mint one token pair.
type mintParams struct {
	client              *client.Client
	scope               []string
	grantedTools        []string
	taskID              string
	parentTaskID        string
	parentTokenID       string
	taskDescription     string
	inheritance         tokenstore.InheritanceType
	delegatorSub        string
	launchReason        string
	codeChallenge       string
	codeChallengeMethod string
	agentInstanceID     string
	delegationChain     []string
	delegationPurpose   string
	delegationConstraints map[string]any
}

// mint signs the access JWT, generates the opaque refresh secret, persists
// the token record (hashes only), and audits issuance. Tokens are persisted
// before the audit write so cancellation cannot leave an audit row without
// a token.
func (a *Authority) mint(ctx context.Context, p mintParams) (*TokenResponse, *Error) {
	now := a.now().UTC()
	tokenID := uuid.New().String()
	taskID := p.taskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	if p.inheritance == "" {
		p.inheritance = tokenstore.InheritanceRestricted
	}
	expiresAt := now.Add(a.cfg.AccessTokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   p.client.ClientID,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Scope:                 p.scope,
		GrantedTools:          p.grantedTools,
		TaskID:                taskID,
		ParentTaskID:          p.parentTaskID,
		ParentTokenID:         p.parentTokenID,
		DelegatorSub:          p.delegatorSub,
		AgentType:             p.client.AgentType,
		AgentModel:            p.client.AgentModel,
		AgentProvider:         p.client.AgentProvider,
		AgentInstanceID:       p.agentInstanceID,
		AgentTrustLevel:       p.client.AgentTrustLevel,
		DelegationChain:       p.delegationChain,
		DelegationPurpose:     p.delegationPurpose,
		DelegationConstraints: p.delegationConstraints,
		LaunchReason:          p.launchReason,
	}

	signed, err := a.keys.Sign(ctx, claims)
	if err != nil {
		a.logger.Error("access token signing failed", "client_id", p.client.ClientID, "error", err)
		return nil, serverErr(err)
	}

	raw := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, serverErr(err)
	}
	refreshPlain := base64.RawURLEncoding.EncodeToString(raw)

	record := &tokenstore.Token{
		TokenID:             tokenID,
		ClientID:            p.client.ClientID,
		AccessTokenHash:     authcode.HashSecret(signed),
		RefreshTokenHash:    authcode.HashSecret(refreshPlain),
		Scope:               p.scope,
		GrantedTools:        p.grantedTools,
		TaskID:              taskID,
		ParentTaskID:        p.parentTaskID,
		ParentTokenID:       p.parentTokenID,
		TaskDescription:     p.taskDescription,
		Inheritance:         p.inheritance,
		CodeChallenge:       p.codeChallenge,
		CodeChallengeMethod: p.codeChallengeMethod,
		IssuedAt:            now,
		ExpiresAt:           expiresAt,
		DelegatorSub:        p.delegatorSub,
		LaunchReason:        p.launchReason,
		AgentType:           p.client.AgentType,
		AgentModel:          p.client.AgentModel,
		AgentProvider:       p.client.AgentProvider,
		AgentInstanceID:     p.agentInstanceID,
		AgentTrustLevel:     p.client.AgentTrustLevel,
	}
	if err := a.tokens.Persist(ctx, record); err != nil {
		a.logger.Error("token persist failed", "client_id", p.client.ClientID, "error", err)
		return nil, serverErr(err)
	}

	a.auditTokenEvent(ctx, audit.TokenIssued, audit.StatusSuccess, record, map[string]any{
		"scope":         p.scope,
		"granted_tools": p.grantedTools,
		"launch_reason": p.launchReason,
	})

	return &TokenResponse{
		AccessToken:   signed,
		RefreshToken:  refreshPlain,
		TokenType:     "Bearer",
		ExpiresIn:     int64(a.cfg.AccessTokenTTL.Seconds()),
		Scope:         joinScope(p.scope),
		TaskID:        taskID,
		GrantedTools:  p.grantedTools,
		ParentTaskID:  p.parentTaskID,
		ParentTokenID: p.parentTokenID,
	}, nil
}

// ExchangeRequest is the authorization_code token-endpoint input.
type ExchangeRequest struct {
	ClientID          string
	Code              string
	RedirectURI       string
	CodeVerifier      string
	DelegationGrantID string
	LaunchReason      string
	LaunchedBy        string
}

// ExchangeCode burns an authorization code into a token pair.
func (a *Authority) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
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

	if gateErr := a.checkGate(ctx, RuleAllowAuthCode, map[string]any{
		"client_id":    req.ClientID,
		"redirect_uri": req.RedirectURI,
	}); gateErr != nil {
		return nil, gateErr
	}

	code, err := a.codes.Consume(ctx, req.Code, req.ClientID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		wireErr := mapAuthcodeError(err)
		a.auditFailure(ctx, audit.TokenIssued, req.ClientID, map[string]any{"error": wireErr.Code, "stage": "code_exchange"})
		return nil, wireErr
	}

	if policyErr := a.evaluatePolicies(ctx, map[string]any{
		"client_id":  req.ClientID,
		"scopes":     code.Scope,
		"grant_type": "authorization_code",
	}); policyErr != nil {
		return nil, policyErr
	}

	launchReason, lrErr := a.checkLaunchReason(req.ClientID, req.LaunchReason)
	if lrErr != nil {
		return nil, lrErr
	}

	finalScope := code.Scope
	delegatorSub := ""
	var delegationChain []string
	var delegationConstraints map[string]any
	if req.DelegationGrantID != "" {
		grant, err := a.delegations.ValidateGrant(ctx, req.DelegationGrantID, req.ClientID, code.Scope)
		if err != nil {
			return nil, mapDelegationError(err)
		}
		delegatorSub = grant.PrincipalID
		delegationChain = []string{grant.GrantID}
		delegationConstraints = grant.Constraints
		finalScope = scope.Intersect(code.Scope, grant.Scope)
	}

	resp, mintErr := a.mint(ctx, mintParams{
		client:                c,
		scope:                 finalScope,
		grantedTools:          c.ToolNames(),
		inheritance:           tokenstore.InheritanceRestricted,
		delegatorSub:          delegatorSub,
		launchReason:          launchReason,
		codeChallenge:         code.CodeChallenge,
		codeChallengeMethod:   string(code.CodeChallengeMethod),
		delegationChain:       delegationChain,
		delegationConstraints: delegationConstraints,
	})
	if mintErr != nil {
		return nil, mintErr
	}
	return resp, nil
}

// ParentAssertion is one claimed parent in a multi-parent grant request.
type ParentAssertion struct {
	Token  string
	TaskID string
}

// ClientCredentialsRequest is the client_credentials token-endpoint input.
type ClientCredentialsRequest struct {
	ClientID            string
	ClientSecret        string
	Scope               []string
	RequiredTools       []string
	CodeChallenge       string
	CodeChallengeMethod string
	TaskID              string
	TaskDescription     string
	ParentTaskID        string
	ParentToken         string
	ParentTokens        []ParentAssertion
	AgentInstanceID     string
	DelegationGrantID   string
	LaunchReason        string
}

// ClientCredentials issues an agent token, enforcing lineage constraints
// when a parent token (or several) is presented.
func (a *Authority) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (*TokenResponse, error) {
	c, err := a.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		switch {
		case errors.Is(err, client.ErrNotFound):
			return nil, oauthErr(CodeInvalidClient, "unknown client")
		case errors.Is(err, client.ErrInactive):
			return nil, oauthErr(CodeInvalidClient, "client is inactive")
		default:
			return nil, oauthErr(CodeInvalidClient, "client authentication failed")
		}
	}
	if !c.AllowsGrant(client.GrantClientCredentials) {
		return nil, oauthErr(CodeUnauthorizedClient, "client_credentials grant not allowed for this client")
	}
	if req.CodeChallenge == "" {
		return nil, oauthErr(CodeInvalidRequest, "code_challenge is required")
	}
	method, err := authcode.ParseMethod(req.CodeChallengeMethod)
	if err != nil {
		return nil, oauthErr(CodeInvalidRequest, err.Error())
	}

	launchReason, lrErr := a.checkLaunchReason(req.ClientID, req.LaunchReason)
	if lrErr != nil {
		return nil, lrErr
	}

	if gateErr := a.checkGate(ctx, RuleAllowClientCredentials, map[string]any{
		"client_id": req.ClientID,
		"scope":     req.Scope,
	}); gateErr != nil {
		return nil, gateErr
	}

	requestedScope := req.Scope
	if len(requestedScope) == 0 {
		requestedScope = c.Scopes
	}

	if policyErr := a.evaluatePolicies(ctx, map[string]any{
		"client_id":  req.ClientID,
		"scopes":     requestedScope,
		"grant_type": "client_credentials",
	}); policyErr != nil {
		return nil, policyErr
	}

	grantedTools := scope.Intersect(req.RequiredTools, c.ToolNames())

	parentTaskID := req.ParentTaskID
	parentTokenID := ""
	inheritance := tokenstore.InheritanceRestricted

	parent, parentErr := a.resolveParents(ctx, req.ParentToken, req.ParentTokens)
	if parentErr != nil {
		return nil, parentErr
	}
	if parent != nil {
		if exceeded := scope.Difference(requestedScope, parent.Scope); len(exceeded) > 0 {
			if !a.expansion.Snapshot().IsScopeExpansionAllowed(exceeded, parent.Scope, req.ClientID, parent.ClientID) {
				return nil, scopeErr(requestedScope, parent.Scope, exceeded)
			}
			inheritance = tokenstore.InheritanceInherited
		}
		// tool inheritance has no expansion escape hatch
		if exceededTools := scope.Difference(grantedTools, parent.GrantedTools); len(exceededTools) > 0 {
			return nil, &Error{
				Code:        CodeInvalidScope,
				Description: "requested tools exceed what the parent token allows",
				Details: map[string]any{
					"requested_tools":        grantedTools,
					"available_parent_tools": parent.GrantedTools,
					"exceeded_tools":         exceededTools,
				},
			}
		}
		parentTokenID = parent.TokenID
		parentTaskID = parent.TaskID
	}

	delegatorSub := ""
	var delegationChain []string
	var delegationConstraints map[string]any
	if req.DelegationGrantID != "" {
		grant, err := a.delegations.ValidateGrant(ctx, req.DelegationGrantID, req.ClientID, requestedScope)
		if err != nil {
			return nil, mapDelegationError(err)
		}
		delegatorSub = grant.PrincipalID
		delegationChain = []string{grant.GrantID}
		delegationConstraints = grant.Constraints
		requestedScope = scope.Intersect(requestedScope, grant.Scope)
	}

	resp, mintErr := a.mint(ctx, mintParams{
		client:                c,
		scope:                 requestedScope,
		grantedTools:          grantedTools,
		taskID:                req.TaskID,
		parentTaskID:          parentTaskID,
		parentTokenID:         parentTokenID,
		taskDescription:       req.TaskDescription,
		inheritance:           inheritance,
		delegatorSub:          delegatorSub,
		launchReason:          launchReason,
		codeChallenge:         req.CodeChallenge,
		codeChallengeMethod:   string(method),
		agentInstanceID:       req.AgentInstanceID,
		delegationChain:       delegationChain,
		delegationConstraints: delegationConstraints,
	})
	if mintErr != nil {
		return nil, mintErr
	}
	return resp, nil
}

// resolveParents introspects the claimed parent token(s) and returns the
// direct parent record. With multiple parents, the first is the direct
// parent and every other one must appear in its ancestry.
func (a *Authority) resolveParents(ctx context.Context, parentToken string, parents []ParentAssertion) (*tokenstore.Token, *Error) {
	if parentToken == "" && len(parents) == 0 {
		return nil, nil
	}
	if parentToken != "" {
		parents = append([]ParentAssertion{{Token: parentToken}}, parents...)
	}

	direct, err := a.introspectParent(ctx, parents[0])
	if err != nil {
		return nil, err
	}

	if len(parents) > 1 {
		ancestry := map[string]struct{}{}
		chain, walkErr := tokenstore.Ancestors(ctx, a.tokens, direct.TokenID, 0)
		if walkErr != nil {
			a.logger.Error("ancestry walk failed", "token_id", direct.TokenID, "error", walkErr)
			return nil, serverErr(walkErr)
		}
		for _, ancestor := range chain {
			ancestry[ancestor.TokenID] = struct{}{}
		}
		for _, assertion := range parents[1:] {
			rec, err := a.introspectParent(ctx, assertion)
			if err != nil {
				return nil, err
			}
			if _, ok := ancestry[rec.TokenID]; !ok {
				return nil, oauthErrf(CodeInvalidGrant, "claimed parent %s is not in the token chain", rec.TokenID)
			}
		}
	}
	return direct, nil
}

func (a *Authority) introspectParent(ctx context.Context, assertion ParentAssertion) (*tokenstore.Token, *Error) {
	intro := a.Introspect(ctx, assertion.Token)
	if !intro.Active {
		return nil, oauthErrf(CodeInvalidGrant, "parent token is not active: %s", intro.Reason)
	}
	if assertion.TaskID != "" && intro.Token.TaskID != assertion.TaskID {
		return nil, oauthErrf(CodeInvalidGrant, "parent token task_id mismatch")
	}
	return intro.Token, nil
}

// RefreshRequest is the refresh_token token-endpoint input.
type RefreshRequest struct {
	ClientID          string
	RefreshToken      string
	CodeVerifier      string
	Scope             []string
	DelegationGrantID string
}

// Refresh rotates a token pair: the token id and lineage survive, the old
// refresh hash dies, and exactly one concurrent refresh wins.
func (a *Authority) Refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	c, err := a.clients.Get(ctx, req.ClientID)
	if err != nil {
		return nil, oauthErr(CodeInvalidClient, "unknown client")
	}
	if !c.AllowsGrant(client.GrantRefreshToken) {
		return nil, oauthErr(CodeUnauthorizedClient, "refresh_token grant not allowed for this client")
	}

	oldHash := authcode.HashSecret(req.RefreshToken)
	rec, err := a.tokens.FindByRefreshHash(ctx, req.ClientID, oldHash)
	if err != nil {
		return nil, oauthErr(CodeInvalidGrant, "unknown refresh token")
	}
	now := a.now().UTC()
	if rec.IsRevoked {
		return nil, oauthErr(CodeInvalidGrant, "token has been revoked")
	}
	if now.After(rec.IssuedAt.Add(a.cfg.RefreshTokenTTL)) {
		return nil, oauthErr(CodeInvalidGrant, "refresh token expired")
	}

	if req.CodeVerifier == "" {
		return nil, oauthErr(CodeInvalidRequest, "code_verifier is required")
	}
	if !authcode.VerifyPKCE(req.CodeVerifier, rec.CodeChallenge, authcode.ChallengeMethod(rec.CodeChallengeMethod)) {
		return nil, oauthErr(CodeInvalidGrant, "pkce verification failed")
	}

	newScope := req.Scope
	if len(newScope) == 0 {
		newScope = rec.Scope
	} else if exceeded := scope.Difference(newScope, rec.Scope); len(exceeded) > 0 {
		if !a.expansion.Snapshot().IsScopeExpansionAllowed(exceeded, rec.Scope, req.ClientID, rec.ClientID) {
			return nil, scopeErr(newScope, rec.Scope, exceeded)
		}
	}

	delegatorSub := rec.DelegatorSub
	if req.DelegationGrantID != "" {
		grant, err := a.delegations.ValidateGrant(ctx, req.DelegationGrantID, req.ClientID, newScope)
		if err != nil {
			return nil, mapDelegationError(err)
		}
		delegatorSub = grant.PrincipalID
	}

	expiresAt := now.Add(a.cfg.AccessTokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rec.TokenID,
			Subject:   rec.ClientID,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Scope:           newScope,
		GrantedTools:    rec.GrantedTools,
		TaskID:          rec.TaskID,
		ParentTaskID:    rec.ParentTaskID,
		ParentTokenID:   rec.ParentTokenID,
		DelegatorSub:    delegatorSub,
		AgentType:       rec.AgentType,
		AgentModel:      rec.AgentModel,
		AgentProvider:   rec.AgentProvider,
		AgentInstanceID: rec.AgentInstanceID,
		AgentTrustLevel: rec.AgentTrustLevel,
		LaunchReason:    rec.LaunchReason,
	}
	signed, err := a.keys.Sign(ctx, claims)
	if err != nil {
		a.logger.Error("access token signing failed", "client_id", req.ClientID, "error", err)
		return nil, serverErr(err)
	}

	raw := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, serverErr(err)
	}
	refreshPlain := base64.RawURLEncoding.EncodeToString(raw)

	err = a.tokens.RotateRefresh(ctx, rec.TokenID, oldHash,
		authcode.HashSecret(signed), authcode.HashSecret(refreshPlain), expiresAt)
	if err != nil {
		if errors.Is(err, tokenstore.ErrRotationLost) {
			return nil, oauthErr(CodeInvalidGrant, "refresh token already rotated")
		}
		a.logger.Error("refresh rotation failed", "token_id", rec.TokenID, "error", err)
		return nil, serverErr(err)
	}

	a.auditTokenEvent(ctx, audit.TokenRefreshed, audit.StatusSuccess, rec, map[string]any{
		"scope": newScope,
	})

	return &TokenResponse{
		AccessToken:   signed,
		RefreshToken:  refreshPlain,
		TokenType:     "Bearer",
		ExpiresIn:     int64(a.cfg.AccessTokenTTL.Seconds()),
		Scope:         joinScope(newScope),
		TaskID:        rec.TaskID,
		GrantedTools:  rec.GrantedTools,
		ParentTaskID:  rec.ParentTaskID,
		ParentTokenID: rec.ParentTokenID,
	}, nil
}
