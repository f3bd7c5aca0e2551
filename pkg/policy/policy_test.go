package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine()
	require.NoError(t, err)
	return e
}

func mustPut(t *testing.T, e *Engine, p Policy) Policy {
	t.Helper()
	stored, err := e.Put(p)
	require.NoError(t, err)
	return *stored
}

func eqCond(attr string, value any) map[string]any {
	return map[string]any{"attribute": attr, "operator": "eq", "value": value}
}

func TestEvaluateAllowAndNone(t *testing.T) {
	e := newEngine(t)
	allow := mustPut(t, e, Policy{
		Name: "allow-editors", Effect: EffectAllow, Priority: 10, IsActive: true,
		Conditions: eqCond("role", "editor"),
	})

	d := e.Evaluate(context.Background(), map[string]any{"role": "editor"})
	assert.True(t, d.Allowed)
	assert.Equal(t, VerdictAllow, d.Decision)
	assert.Equal(t, []string{allow.ID}, d.Matched)

	d = e.Evaluate(context.Background(), map[string]any{"role": "viewer"})
	assert.False(t, d.Allowed)
	assert.Equal(t, VerdictNone, d.Decision)
	assert.Empty(t, d.Matched)
}

func TestDenyOverridesAcrossPriorities(t *testing.T) {
	e := newEngine(t)
	mustPut(t, e, Policy{
		Name: "allow-everyone", Effect: EffectAllow, Priority: 1, IsActive: true,
	})
	deny := mustPut(t, e, Policy{
		Name: "deny-suspended", Effect: EffectDeny, Priority: 100, IsActive: true,
		Conditions: eqCond("status", "suspended"),
	})

	d := e.Evaluate(context.Background(), map[string]any{"status": "suspended"})
	assert.False(t, d.Allowed)
	assert.Equal(t, VerdictDeny, d.Decision)
	assert.Equal(t, deny.ID, d.DeniedBy)
}

func TestEqualPriorityDenyWins(t *testing.T) {
	e := newEngine(t)
	mustPut(t, e, Policy{Name: "allow-a", Effect: EffectAllow, Priority: 5, IsActive: true})
	deny := mustPut(t, e, Policy{Name: "deny-b", Effect: EffectDeny, Priority: 5, IsActive: true})

	d := e.Evaluate(context.Background(), map[string]any{})
	assert.Equal(t, VerdictDeny, d.Decision)
	assert.Equal(t, deny.ID, d.DeniedBy)
}

func TestInactivePoliciesSkipped(t *testing.T) {
	e := newEngine(t)
	mustPut(t, e, Policy{Name: "deny-all", Effect: EffectDeny, Priority: 0, IsActive: false})

	d := e.Evaluate(context.Background(), map[string]any{})
	assert.Equal(t, VerdictNone, d.Decision)
}

func TestConsentPoliciesExcludedFromEvaluate(t *testing.T) {
	e := newEngine(t)
	mustPut(t, e, Policy{Name: "consent-admin", Effect: EffectConsentRequired, Priority: 0, IsActive: true})

	d := e.Evaluate(context.Background(), map[string]any{})
	assert.Equal(t, VerdictNone, d.Decision)
}

func TestRequiresHumanApproval(t *testing.T) {
	e := newEngine(t)
	mustPut(t, e, Policy{
		Name: "consent-sensitive", Effect: EffectConsentRequired, Priority: 0, IsActive: true,
		Conditions: map[string]any{
			"attribute": "scopes", "operator": "contains", "value": "admin:crm",
		},
	})

	assert.True(t, e.RequiresHumanApproval(context.Background(), "c1", []string{"read:web", "admin:crm"}, "code"))
	assert.False(t, e.RequiresHumanApproval(context.Background(), "c1", []string{"read:web"}, "code"))
}

func TestCELExpressionPolicy(t *testing.T) {
	e := newEngine(t)
	mustPut(t, e, Policy{
		Name: "allow-trusted-cel", Effect: EffectAllow, Priority: 1, IsActive: true,
		Expression: `client_id.startsWith("svc-") && scopes.size() <= 3`,
	})

	d := e.Evaluate(context.Background(), map[string]any{
		"client_id": "svc-crawler",
		"scopes":    []any{"read:web"},
	})
	assert.True(t, d.Allowed)

	d = e.Evaluate(context.Background(), map[string]any{
		"client_id": "user-1",
		"scopes":    []any{"read:web"},
	})
	assert.Equal(t, VerdictNone, d.Decision)
}

func TestPutRejectsBadPolicies(t *testing.T) {
	e := newEngine(t)
	_, err := e.Put(Policy{Name: "x", Effect: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidEffect)

	_, err = e.Put(Policy{Name: "x", Effect: EffectAllow, Conditions: map[string]any{"operator": "eq"}})
	assert.ErrorIs(t, err, ErrBadConditions)

	_, err = e.Put(Policy{Name: "x", Effect: EffectAllow, Expression: "this is not cel ((("})
	assert.ErrorIs(t, err, ErrBadConditions)

	mustPut(t, e, Policy{Name: "taken", Effect: EffectAllow})
	_, err = e.Put(Policy{Name: "taken", Effect: EffectAllow})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestScopeReferenced(t *testing.T) {
	e := newEngine(t)
	mustPut(t, e, Policy{Name: "p", Effect: EffectAllow, Scopes: []string{"read:web"}})

	referenced, by, err := e.ScopeReferenced(context.Background(), "read:web")
	require.NoError(t, err)
	assert.True(t, referenced)
	assert.Equal(t, "policy p", by)

	referenced, _, err = e.ScopeReferenced(context.Background(), "write:web")
	require.NoError(t, err)
	assert.False(t, referenced)
}

func TestExpansionPolicyDefaults(t *testing.T) {
	var p *ExpansionPolicy

	// empty exceeded set is trivially allowed
	assert.True(t, p.IsScopeExpansionAllowed(nil, []string{"read:web"}, "c1", "c0"))
	// nil document denies everything else
	assert.False(t, p.IsScopeExpansionAllowed([]string{"write:web"}, []string{"read:web"}, "c1", "c0"))
}

func TestExpansionPolicyGlobalPattern(t *testing.T) {
	p := &ExpansionPolicy{
		Global: GlobalExpansions{
			AllowedPatterns: []ExpansionPattern{
				{RequiredScope: "read:web", AllowedExpansion: "write:web"},
			},
		},
	}

	assert.True(t, p.IsScopeExpansionAllowed([]string{"write:web"}, []string{"read:web"}, "c1", "c0"))
	// parent does not hold the required scope
	assert.False(t, p.IsScopeExpansionAllowed([]string{"write:web"}, []string{"read:mail"}, "c1", "c0"))
	// uncovered scope in the exceeded set denies the whole request
	assert.False(t, p.IsScopeExpansionAllowed([]string{"write:web", "admin:web"}, []string{"read:web"}, "c1", "c0"))
}

func TestExpansionPolicyClientSection(t *testing.T) {
	p := &ExpansionPolicy{
		Clients: map[string]ClientExpansions{
			"trusted": {AllowAllExpansions: true},
			"partial": {AllowedExpansions: []ExpansionRule{{FromScope: "read:crm", ToScope: "write:crm"}}},
		},
	}

	assert.True(t, p.IsScopeExpansionAllowed([]string{"admin:web"}, nil, "trusted", ""))
	assert.True(t, p.IsScopeExpansionAllowed([]string{"write:crm"}, []string{"read:crm"}, "partial", ""))
	assert.False(t, p.IsScopeExpansionAllowed([]string{"write:crm"}, []string{"read:crm"}, "other", ""))
}

func TestVerifyInheritance(t *testing.T) {
	p := &ExpansionPolicy{
		Global: GlobalExpansions{
			AllowedExpansions: []ExpansionRule{{FromScope: "read:web", ToScope: "write:web"}},
		},
	}

	ok, exceeded := p.VerifyInheritance([]string{"read:web"}, []string{"read:web", "write:web"}, "c", "p")
	assert.True(t, ok)
	assert.Empty(t, exceeded)

	ok, exceeded = p.VerifyInheritance([]string{"write:web"}, []string{"read:web"}, "c", "p")
	assert.True(t, ok)
	assert.Equal(t, []string{"write:web"}, exceeded)

	ok, exceeded = p.VerifyInheritance([]string{"admin:web"}, []string{"read:web"}, "c", "p")
	assert.False(t, ok)
	assert.Equal(t, []string{"admin:web"}, exceeded)
}

func TestExpansionPolicyHolderSwap(t *testing.T) {
	h := NewExpansionPolicyHolder(nil)
	assert.False(t, h.Snapshot().IsScopeExpansionAllowed([]string{"write:web"}, []string{"read:web"}, "c", "p"))

	h.Update(&ExpansionPolicy{
		Global: GlobalExpansions{
			AllowedPatterns: []ExpansionPattern{{RequiredScope: "read:web", AllowedExpansion: "write:web"}},
		},
	})
	assert.True(t, h.Snapshot().IsScopeExpansionAllowed([]string{"write:web"}, []string{"read:web"}, "c", "p"))
}
