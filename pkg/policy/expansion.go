package policy

import (
	"sync/atomic"

	"github.com/Volant-Labs/warrant/pkg/scope"
)

// ExpansionRule is one allowed from -> to scope expansion.
type ExpansionRule struct {
	FromScope string `json:"from_scope" yaml:"from_scope"`
	ToScope   string `json:"to_scope" yaml:"to_scope"`
}

// ExpansionPattern is the global-section form of an expansion rule.
type ExpansionPattern struct {
	RequiredScope    string `json:"required_scope" yaml:"required_scope"`
	AllowedExpansion string `json:"allowed_expansion" yaml:"allowed_expansion"`
}

// ClientExpansions is the per-client section of the expansion policy.
type ClientExpansions struct {
	AllowAllExpansions bool            `json:"allow_all_expansions" yaml:"allow_all_expansions"`
	AllowedExpansions  []ExpansionRule `json:"allowed_expansions" yaml:"allowed_expansions"`
}

// GlobalExpansions is the global section of the expansion policy.
type GlobalExpansions struct {
	AllowedPatterns   []ExpansionPattern `json:"allowed_patterns" yaml:"allowed_patterns"`
	AllowedExpansions []ExpansionRule    `json:"allowed_expansions" yaml:"allowed_expansions"`
}

// ExpansionPolicy enumerates the scope expansions child tokens may acquire
// beyond their parent's scope. Default deny: a scope not covered by any rule
// is never granted.
type ExpansionPolicy struct {
	Clients map[string]ClientExpansions `json:"clients" yaml:"clients"`
	Global  GlobalExpansions            `json:"global" yaml:"global"`
}

// ExpansionPolicyHolder provides lock-free snapshot reads with hot updates.
// In-flight requests keep the snapshot they captured at entry.
type ExpansionPolicyHolder struct {
	current atomic.Pointer[ExpansionPolicy]
}

// NewExpansionPolicyHolder installs the initial document (nil means deny all).
func NewExpansionPolicyHolder(doc *ExpansionPolicy) *ExpansionPolicyHolder {
	h := &ExpansionPolicyHolder{}
	if doc == nil {
		doc = &ExpansionPolicy{}
	}
	h.current.Store(doc)
	return h
}

// Snapshot returns the current immutable document.
func (h *ExpansionPolicyHolder) Snapshot() *ExpansionPolicy {
	return h.current.Load()
}

// Update swaps in a new document; it takes effect on the next request.
func (h *ExpansionPolicyHolder) Update(doc *ExpansionPolicy) {
	if doc == nil {
		doc = &ExpansionPolicy{}
	}
	h.current.Store(doc)
}

// IsScopeExpansionAllowed reports whether every scope in exceeded is covered
// by an expansion rule whose from/required scope the parent actually holds.
// An empty exceeded set is trivially allowed.
func (p *ExpansionPolicy) IsScopeExpansionAllowed(exceeded, parentScopes []string, clientID, parentClientID string) bool {
	if len(exceeded) == 0 {
		return true
	}
	if p == nil {
		return false
	}

	client, hasClient := p.Clients[clientID]
	if hasClient && client.AllowAllExpansions {
		return true
	}

	held := make(map[string]struct{}, len(parentScopes))
	for _, s := range parentScopes {
		held[s] = struct{}{}
	}

	for _, want := range exceeded {
		if !p.covers(want, held, client, hasClient) {
			return false
		}
	}
	return true
}

func (p *ExpansionPolicy) covers(want string, held map[string]struct{}, client ClientExpansions, hasClient bool) bool {
	if hasClient {
		for _, rule := range client.AllowedExpansions {
			if rule.ToScope == want {
				if _, ok := held[rule.FromScope]; ok {
					return true
				}
			}
		}
	}
	for _, pattern := range p.Global.AllowedPatterns {
		if pattern.AllowedExpansion == want {
			if _, ok := held[pattern.RequiredScope]; ok {
				return true
			}
		}
	}
	for _, rule := range p.Global.AllowedExpansions {
		if rule.ToScope == want {
			if _, ok := held[rule.FromScope]; ok {
				return true
			}
		}
	}
	return false
}

// VerifyInheritance checks child scopes against parent scopes, deferring the
// exceeded remainder to the expansion policy. Returns whether the child scope
// set is acceptable and the exceeded scopes for error reporting.
func (p *ExpansionPolicy) VerifyInheritance(childScopes, parentScopes []string, clientID, parentClientID string) (bool, []string) {
	if scope.Subset(childScopes, parentScopes) {
		return true, nil
	}
	exceeded := scope.Difference(childScopes, parentScopes)
	return p.IsScopeExpansionAllowed(exceeded, parentScopes, clientID, parentClientID), exceeded
}
