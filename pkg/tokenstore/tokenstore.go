// Package tokenstore persists issued tokens and their parent/child lineage.
//
// Tokens live in a table keyed by opaque ids; parent/child relationships are
// ids, never owning references, so cascade operations iterate with a visited
// set and tolerate cycles instead of recursing into them. Revocation is
// monotone: no code path ever un-revokes a token.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("token not found")
	ErrDuplicateID   = errors.New("token id already exists")
	ErrRotationLost  = errors.New("refresh rotation lost to a concurrent writer")
	ErrInvalidParent = errors.New("invalid parent linkage")
)

// InheritanceType records how a child token's scope relates to its parent's.
type InheritanceType string

const (
	InheritanceRestricted InheritanceType = "restricted"
	InheritanceInherited  InheritanceType = "inherited"
)

// Token is one issued-token record. Access and refresh secrets are stored
// only as SHA-256 hashes; plaintext exists solely in the issuance response.
type Token struct {
	TokenID          string          `json:"token_id"`
	ClientID         string          `json:"client_id"`
	AccessTokenHash  string          `json:"-"`
	RefreshTokenHash string          `json:"-"`
	Scope            []string        `json:"scope"`
	GrantedTools     []string        `json:"granted_tools"`
	TaskID           string          `json:"task_id"`
	ParentTaskID     string          `json:"parent_task_id,omitempty"`
	ParentTokenID    string          `json:"parent_token_id,omitempty"`
	TaskDescription  string          `json:"task_description,omitempty"`
	Inheritance      InheritanceType `json:"scope_inheritance_type"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	IsRevoked        bool       `json:"is_revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`

	DelegatorSub string `json:"delegator_sub,omitempty"`
	LaunchReason string `json:"launch_reason,omitempty"`

	AgentType       string `json:"agent_type,omitempty"`
	AgentModel      string `json:"agent_model,omitempty"`
	AgentProvider   string `json:"agent_provider,omitempty"`
	AgentInstanceID string `json:"agent_instance_id,omitempty"`
	AgentTrustLevel string `json:"agent_trust_level,omitempty"`
}

// ValidAt reports whether the token is usable at the given instant.
func (t *Token) ValidAt(now time.Time) bool {
	return !t.IsRevoked && now.Before(t.ExpiresAt)
}

// Store is the persistence abstraction for issued tokens.
type Store interface {
	// Persist writes a new token record. The token id must be fresh.
	Persist(ctx context.Context, token *Token) error

	// GetByID returns the token with the given id.
	GetByID(ctx context.Context, tokenID string) (*Token, error)

	// FindByRefreshHash returns the token holding the given refresh hash,
	// scoped to a client.
	FindByRefreshHash(ctx context.Context, clientID, refreshHash string) (*Token, error)

	// RotateRefresh installs new access/refresh hashes and expiry iff the
	// stored refresh hash still equals oldRefreshHash. Exactly one of two
	// concurrent rotations wins; the loser gets ErrRotationLost.
	RotateRefresh(ctx context.Context, tokenID, oldRefreshHash, newAccessHash, newRefreshHash string, newExpiry time.Time) error

	// Revoke marks a token revoked with the given reason. Idempotent: a
	// second call leaves the original reason and timestamp in place and
	// returns changed=false.
	Revoke(ctx context.Context, tokenID, reason string) (changed bool, err error)

	// Children returns the ids of tokens whose parent_token_id equals tokenID.
	Children(ctx context.Context, tokenID string) ([]string, error)
}

// RevocationReasonPrefix starts every cascade-propagated reason.
const RevocationReasonPrefix = "parent token revoked"

// CascadeRevoke revokes the token and every transitive descendant.
// Depth-first walk with a visited set: cycles introduced by corrupted or
// adversarial data terminate instead of looping. Returns the ids actually
// transitioned to revoked (idempotent on re-run).
func CascadeRevoke(ctx context.Context, store Store, tokenID, reason string) ([]string, error) {
	if reason == "" {
		reason = "revoked"
	}

	var revoked []string
	changed, err := store.Revoke(ctx, tokenID, reason)
	if err != nil {
		return nil, err
	}
	if changed {
		revoked = append(revoked, tokenID)
	}

	childReason := fmt.Sprintf("%s: %s", RevocationReasonPrefix, reason)
	visited := map[string]struct{}{tokenID: {}}
	stack, err := store.Children(ctx, tokenID)
	if err != nil {
		return revoked, err
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		changed, err := store.Revoke(ctx, id, childReason)
		if err != nil {
			// Partial cascade is acceptable; a re-run resumes because
			// Revoke is idempotent.
			return revoked, err
		}
		if changed {
			revoked = append(revoked, id)
		}

		children, err := store.Children(ctx, id)
		if err != nil {
			return revoked, err
		}
		stack = append(stack, children...)
	}
	return revoked, nil
}

// Ancestors returns the lineage chain [t, parent(t), ...] stopping at the
// first missing link, at maxDepth hops (0 means unbounded), or on a cycle.
func Ancestors(ctx context.Context, store Store, tokenID string, maxDepth int) ([]*Token, error) {
	var chain []*Token
	visited := make(map[string]struct{})
	current := tokenID

	for current != "" {
		if _, seen := visited[current]; seen {
			break
		}
		visited[current] = struct{}{}

		token, err := store.GetByID(ctx, current)
		if err != nil {
			if errors.Is(err, ErrNotFound) && len(chain) > 0 {
				// dangling parent link: stop at the last resolvable ancestor
				break
			}
			return chain, err
		}
		chain = append(chain, token)

		if maxDepth > 0 && len(chain) > maxDepth {
			chain = chain[:maxDepth]
			break
		}
		current = token.ParentTokenID
	}
	return chain, nil
}
