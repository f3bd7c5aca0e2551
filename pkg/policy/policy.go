// Package policy implements the attribute-based policy engine driving
// allow / deny / consent decisions, and the scope-expansion policy that
// bounds what a child token may acquire beyond its parent.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Volant-Labs/warrant/pkg/condition"
)

var (
	ErrNotFound      = errors.New("policy not found")
	ErrDuplicateName = errors.New("policy name already exists")
	ErrInvalidEffect = errors.New("invalid policy effect")
	ErrBadConditions = errors.New("unparseable policy conditions")
)

// Effect is the outcome a matching policy contributes.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectConsentRequired Effect = "consent_required"
)

func (e Effect) valid() bool {
	switch e {
	case EffectAllow, EffectDeny, EffectConsentRequired:
		return true
	}
	return false
}

// Policy couples a condition source with an effect and a priority.
// Lower priority values take precedence. Conditions is a condition-tree
// document; Expression is an optional CEL alternative compiled at load.
type Policy struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Effect      Effect         `json:"effect"`
	Conditions  map[string]any `json:"conditions,omitempty"`
	Expression  string         `json:"expression,omitempty"`
	Priority    int            `json:"priority"`
	IsActive    bool           `json:"is_active"`
	Scopes      []string       `json:"scopes,omitempty"`
}

// Verdict is the evaluation outcome.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictNone  Verdict = "none"
)

// Decision is the result of an engine evaluation.
type Decision struct {
	Allowed  bool     `json:"allowed"`
	Decision Verdict  `json:"decision"`
	Matched  []string `json:"matched,omitempty"`
	DeniedBy string   `json:"denied_by,omitempty"`
}

// compiled pairs a policy with its parsed/compiled condition source.
type compiled struct {
	policy Policy
	tree   *condition.Node
	cel    *celProgram
}

// Engine stores policies and evaluates them deterministically:
// ascending priority, name as tiebreak, deny-overrides across the whole
// matched set.
type Engine struct {
	mu        sync.RWMutex
	byID      map[string]*compiled
	byName    map[string]string // name -> id
	evaluator *condition.Evaluator
	cel       *celEnv
}

// NewEngine creates an empty policy engine.
func NewEngine() (*Engine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	return &Engine{
		byID:      make(map[string]*compiled),
		byName:    make(map[string]string),
		evaluator: condition.New(),
		cel:       env,
	}, nil
}

// Put validates, compiles and stores a policy. An existing policy with the
// same ID is replaced; names stay unique across the engine.
func (e *Engine) Put(p Policy) (*Policy, error) {
	if !p.Effect.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEffect, p.Effect)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy name required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	entry := &compiled{policy: p}
	if p.Conditions != nil {
		tree, err := condition.Parse(p.Conditions)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadConditions, p.Name, err)
		}
		entry.tree = tree
	}
	if p.Expression != "" {
		prog, err := e.cel.compile(p.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadConditions, p.Name, err)
		}
		entry.cel = prog
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existingID, taken := e.byName[p.Name]; taken && existingID != p.ID {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, p.Name)
	}
	if old, ok := e.byID[p.ID]; ok {
		delete(e.byName, old.policy.Name)
	}
	e.byID[p.ID] = entry
	e.byName[p.Name] = p.ID
	out := p
	return &out, nil
}

// Get returns a policy by ID.
func (e *Engine) Get(id string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	out := entry.policy
	return &out, nil
}

// Delete removes a policy by ID.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	delete(e.byName, entry.policy.Name)
	delete(e.byID, id)
	return nil
}

// List returns all policies sorted by priority then name.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.byID))
	for _, entry := range e.byID {
		out = append(out, entry.policy)
	}
	sortPolicies(out)
	return out
}

func sortPolicies(ps []Policy) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority < ps[j].Priority
		}
		return ps[i].Name < ps[j].Name
	})
}

// ordered returns active compiled entries in evaluation order, optionally
// filtered to a single effect class.
func (e *Engine) ordered(effects ...Effect) []*compiled {
	want := make(map[Effect]struct{}, len(effects))
	for _, ef := range effects {
		want[ef] = struct{}{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*compiled, 0, len(e.byID))
	for _, entry := range e.byID {
		if !entry.policy.IsActive {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[entry.policy.Effect]; !ok {
				continue
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].policy.Priority != out[j].policy.Priority {
			return out[i].policy.Priority < out[j].policy.Priority
		}
		return out[i].policy.Name < out[j].policy.Name
	})
	return out
}

// matches evaluates a single policy's condition source against attrs.
// A policy with neither a tree nor an expression matches unconditionally.
func (e *Engine) matches(ctx context.Context, entry *compiled, attrs map[string]any) bool {
	if entry.tree != nil && !e.evaluator.Evaluate(entry.tree, attrs) {
		return false
	}
	if entry.cel != nil && !entry.cel.eval(ctx, attrs) {
		return false
	}
	return true
}

// Evaluate runs allow/deny policies against the attribute context.
// Deny-overrides: any matched deny policy decides the outcome regardless of
// priority; otherwise allow if at least one policy matched, none when
// nothing matched.
func (e *Engine) Evaluate(ctx context.Context, attrs map[string]any) Decision {
	decision := Decision{Decision: VerdictNone}

	for _, entry := range e.ordered(EffectAllow, EffectDeny) {
		if !e.matches(ctx, entry, attrs) {
			continue
		}
		decision.Matched = append(decision.Matched, entry.policy.ID)
		if entry.policy.Effect == EffectDeny {
			decision.Decision = VerdictDeny
			decision.Allowed = false
			decision.DeniedBy = entry.policy.ID
			return decision
		}
	}

	if len(decision.Matched) > 0 {
		decision.Decision = VerdictAllow
		decision.Allowed = true
	}
	return decision
}

// RequiresHumanApproval runs consent_required policies against the
// authorize-time attribute context; true if any matches.
func (e *Engine) RequiresHumanApproval(ctx context.Context, clientID string, scopes []string, responseType string) bool {
	attrs := map[string]any{
		"client_id":     clientID,
		"scopes":        toAnySlice(scopes),
		"response_type": responseType,
	}
	for _, entry := range e.ordered(EffectConsentRequired) {
		if e.matches(ctx, entry, attrs) {
			return true
		}
	}
	return false
}

// ScopeReferenced implements scope.ReferenceChecker: a scope bound to any
// policy blocks deletion of that scope.
func (e *Engine) ScopeReferenced(ctx context.Context, name string) (bool, string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, entry := range e.byID {
		for _, s := range entry.policy.Scopes {
			if s == name {
				return true, "policy " + entry.policy.Name, nil
			}
		}
	}
	return false, "", nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
