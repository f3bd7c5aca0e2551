// Package delegation manages delegation grants: persisted authorizations
// from a principal (user or agent) to a delegate client, bounding the scope
// and lifetime of tokens the delegate may obtain on the principal's behalf.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Volant-Labs/warrant/pkg/audit"
	"github.com/Volant-Labs/warrant/pkg/scope"
)

var (
	ErrNotFound          = errors.New("delegation grant not found")
	ErrRevoked           = errors.New("delegation grant revoked")
	ErrExpired           = errors.New("delegation grant expired")
	ErrDelegateMismatch  = errors.New("delegation grant belongs to another delegate")
	ErrScopeExceeded     = errors.New("requested scopes exceed delegation grant")
	ErrPrincipalMismatch = errors.New("principal does not own this grant")
	ErrInvalidGrant      = errors.New("invalid grant parameters")
)

// PrincipalType distinguishes the granting identity.
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "user"
	PrincipalAgent PrincipalType = "agent"
)

// Grant is a persisted delegation from principal to delegate.
type Grant struct {
	GrantID       string         `json:"grant_id"`
	PrincipalType PrincipalType  `json:"principal_type"`
	PrincipalID   string         `json:"principal_id"`
	DelegateID    string         `json:"delegate_id"`
	Scope         []string       `json:"scope"`
	MaxDepth      int            `json:"max_depth"`
	Constraints   map[string]any `json:"constraints,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Revoked       bool           `json:"revoked"`
}

// Store is the persistence abstraction for grants.
type Store interface {
	Put(ctx context.Context, grant *Grant) error
	Get(ctx context.Context, grantID string) (*Grant, error)
	// MarkRevoked flips the revoked flag. Idempotent.
	MarkRevoked(ctx context.Context, grantID string) error
	// ListByPrincipal returns all grants issued by a principal.
	ListByPrincipal(ctx context.Context, principalID string) ([]*Grant, error)
}

// Failure reasons attached to validation_failed audit records.
const (
	ReasonNotFound         = "not_found"
	ReasonDelegateMismatch = "delegate_mismatch"
	ReasonExpired          = "expired"
	ReasonRevoked          = "revoked"
	ReasonScopeExceeded    = "scope_exceeded"
)

// Engine runs grant lifecycle over a Store, emitting audit records for
// every creation, revocation, and failed validation.
type Engine struct {
	store Store
	sink  audit.Sink
	now   func() time.Time
}

// NewEngine creates an engine. A nil sink disables auditing.
func NewEngine(store Store, sink audit.Sink) *Engine {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Engine{store: store, sink: sink, now: time.Now}
}

// CreateParams carries the inputs for a new grant.
type CreateParams struct {
	PrincipalType PrincipalType
	PrincipalID   string
	DelegateID    string
	Scope         []string
	MaxDepth      int
	Constraints   map[string]any
	TTL           time.Duration
}

// CreateGrant validates and persists a new grant.
func (e *Engine) CreateGrant(ctx context.Context, p CreateParams) (*Grant, error) {
	switch {
	case p.PrincipalID == "":
		return nil, fmt.Errorf("%w: principal_id required", ErrInvalidGrant)
	case p.DelegateID == "":
		return nil, fmt.Errorf("%w: delegate_id required", ErrInvalidGrant)
	case len(p.Scope) == 0:
		return nil, fmt.Errorf("%w: scope required", ErrInvalidGrant)
	case p.MaxDepth < 1:
		return nil, fmt.Errorf("%w: max_depth must be >= 1", ErrInvalidGrant)
	case p.TTL <= 0:
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidGrant)
	}
	if p.PrincipalType == "" {
		p.PrincipalType = PrincipalUser
	}

	now := e.now().UTC()
	grant := &Grant{
		GrantID:       uuid.New().String(),
		PrincipalType: p.PrincipalType,
		PrincipalID:   p.PrincipalID,
		DelegateID:    p.DelegateID,
		Scope:         append([]string(nil), p.Scope...),
		MaxDepth:      p.MaxDepth,
		Constraints:   p.Constraints,
		CreatedAt:     now,
		ExpiresAt:     now.Add(p.TTL),
	}
	if err := e.store.Put(ctx, grant); err != nil {
		return nil, fmt.Errorf("delegation: persist grant: %w", err)
	}

	e.sink.Record(ctx, audit.NewRecord(audit.KindDelegation, audit.DelegationCreated, audit.StatusSuccess).
		WithSubject("grant_id", grant.GrantID).
		WithSubject("principal_id", grant.PrincipalID).
		WithSubject("delegate_id", grant.DelegateID).
		WithDetail("scope", grant.Scope).
		WithDetail("max_depth", grant.MaxDepth).
		WithDetail("expires_at", grant.ExpiresAt))
	return grant, nil
}

// RevokeGrant revokes a grant. When principalID is nonempty it must match
// the grant's principal.
func (e *Engine) RevokeGrant(ctx context.Context, grantID, principalID string) error {
	grant, err := e.store.Get(ctx, grantID)
	if err != nil {
		return err
	}
	if principalID != "" && grant.PrincipalID != principalID {
		return ErrPrincipalMismatch
	}
	if err := e.store.MarkRevoked(ctx, grantID); err != nil {
		return fmt.Errorf("delegation: revoke grant: %w", err)
	}

	e.sink.Record(ctx, audit.NewRecord(audit.KindDelegation, audit.DelegationRevoked, audit.StatusSuccess).
		WithSubject("grant_id", grantID).
		WithSubject("principal_id", grant.PrincipalID))
	return nil
}

// Get returns the grant by id.
func (e *Engine) Get(ctx context.Context, grantID string) (*Grant, error) {
	return e.store.Get(ctx, grantID)
}

// ListByPrincipal returns the grants a principal has issued.
func (e *Engine) ListByPrincipal(ctx context.Context, principalID string) ([]*Grant, error) {
	return e.store.ListByPrincipal(ctx, principalID)
}

// ValidateGrant asserts the grant exists, is live, belongs to delegateID,
// and covers requestedScopes (when given). Every failure emits a
// validation_failed audit with its reason.
func (e *Engine) ValidateGrant(ctx context.Context, grantID, delegateID string, requestedScopes []string) (*Grant, error) {
	grant, err := e.store.Get(ctx, grantID)
	if err != nil {
		e.auditFailure(ctx, grantID, delegateID, ReasonNotFound, nil)
		return nil, ErrNotFound
	}
	if grant.DelegateID != delegateID {
		e.auditFailure(ctx, grantID, delegateID, ReasonDelegateMismatch, nil)
		return nil, ErrDelegateMismatch
	}
	if grant.Revoked {
		e.auditFailure(ctx, grantID, delegateID, ReasonRevoked, nil)
		return nil, ErrRevoked
	}
	if e.now().UTC().After(grant.ExpiresAt) {
		e.auditFailure(ctx, grantID, delegateID, ReasonExpired, nil)
		return nil, ErrExpired
	}
	if len(requestedScopes) > 0 {
		if exceeded := scope.Difference(requestedScopes, grant.Scope); len(exceeded) > 0 {
			e.auditFailure(ctx, grantID, delegateID, ReasonScopeExceeded, map[string]any{
				"requested_scopes": requestedScopes,
				"grant_scopes":     grant.Scope,
				"exceeded_scopes":  exceeded,
			})
			return nil, fmt.Errorf("%w: %v", ErrScopeExceeded, exceeded)
		}
	}
	return grant, nil
}

func (e *Engine) auditFailure(ctx context.Context, grantID, delegateID, reason string, details map[string]any) {
	rec := audit.NewRecord(audit.KindDelegation, audit.DelegationValidationFailed, audit.StatusFailure).
		WithSubject("grant_id", grantID).
		WithSubject("delegate_id", delegateID).
		WithDetail("reason", reason)
	for k, v := range details {
		rec = rec.WithDetail(k, v)
	}
	e.sink.Record(ctx, rec)
}
