package delegation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volant-Labs/warrant/pkg/audit"

	_ "modernc.org/sqlite"
)

func newEngine(t *testing.T) (*Engine, *audit.ChainStore) {
	t.Helper()
	store := audit.NewChainStore()
	return NewEngine(NewMemoryStore(), &audit.SyncSink{Store: store}), store
}

func createGrant(t *testing.T, e *Engine) *Grant {
	t.Helper()
	grant, err := e.CreateGrant(context.Background(), CreateParams{
		PrincipalType: PrincipalUser,
		PrincipalID:   "user@example.com",
		DelegateID:    "agent-1",
		Scope:         []string{"read:calendar", "write:calendar"},
		MaxDepth:      2,
		TTL:           time.Hour,
	})
	require.NoError(t, err)
	return grant
}

func TestCreateGrantValidation(t *testing.T) {
	e, _ := newEngine(t)
	base := CreateParams{
		PrincipalID: "u", DelegateID: "d",
		Scope: []string{"read:x"}, MaxDepth: 1, TTL: time.Minute,
	}

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"missing principal", func(p *CreateParams) { p.PrincipalID = "" }},
		{"missing delegate", func(p *CreateParams) { p.DelegateID = "" }},
		{"empty scope", func(p *CreateParams) { p.Scope = nil }},
		{"zero depth", func(p *CreateParams) { p.MaxDepth = 0 }},
		{"zero ttl", func(p *CreateParams) { p.TTL = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			_, err := e.CreateGrant(context.Background(), p)
			assert.ErrorIs(t, err, ErrInvalidGrant)
		})
	}

	grant, err := e.CreateGrant(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, PrincipalUser, grant.PrincipalType) // default
	assert.NotEmpty(t, grant.GrantID)
}

func TestValidateGrant(t *testing.T) {
	e, _ := newEngine(t)
	grant := createGrant(t, e)

	got, err := e.ValidateGrant(context.Background(), grant.GrantID, "agent-1", []string{"read:calendar"})
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.PrincipalID)

	// subset check is optional
	_, err = e.ValidateGrant(context.Background(), grant.GrantID, "agent-1", nil)
	assert.NoError(t, err)
}

func TestValidateGrantFailures(t *testing.T) {
	e, auditStore := newEngine(t)
	grant := createGrant(t, e)

	_, err := e.ValidateGrant(context.Background(), "missing", "agent-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.ValidateGrant(context.Background(), grant.GrantID, "agent-2", nil)
	assert.ErrorIs(t, err, ErrDelegateMismatch)

	_, err = e.ValidateGrant(context.Background(), grant.GrantID, "agent-1", []string{"read:calendar", "admin:calendar"})
	assert.ErrorIs(t, err, ErrScopeExceeded)

	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = e.ValidateGrant(context.Background(), grant.GrantID, "agent-1", nil)
	assert.ErrorIs(t, err, ErrExpired)
	e.now = time.Now

	require.NoError(t, e.RevokeGrant(context.Background(), grant.GrantID, ""))
	_, err = e.ValidateGrant(context.Background(), grant.GrantID, "agent-1", nil)
	assert.ErrorIs(t, err, ErrRevoked)

	entries := auditStore.Query(audit.QueryFilter{Kind: audit.KindDelegation, EventType: audit.DelegationValidationFailed})
	require.Len(t, entries, 5)
	reasons := make([]string, 0, len(entries))
	for _, entry := range entries {
		reasons = append(reasons, entry.Record.Details["reason"].(string))
	}
	assert.ElementsMatch(t, []string{
		ReasonNotFound, ReasonDelegateMismatch, ReasonScopeExceeded, ReasonExpired, ReasonRevoked,
	}, reasons)
}

func TestRevokeGrantPrincipalMatch(t *testing.T) {
	e, auditStore := newEngine(t)
	grant := createGrant(t, e)

	err := e.RevokeGrant(context.Background(), grant.GrantID, "other@example.com")
	assert.ErrorIs(t, err, ErrPrincipalMismatch)

	require.NoError(t, e.RevokeGrant(context.Background(), grant.GrantID, "user@example.com"))
	got, err := e.Get(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	entries := auditStore.Query(audit.QueryFilter{Kind: audit.KindDelegation, EventType: audit.DelegationRevoked})
	assert.Len(t, entries, 1)
}

func TestCreateGrantAudited(t *testing.T) {
	e, auditStore := newEngine(t)
	grant := createGrant(t, e)

	entries := auditStore.Query(audit.QueryFilter{Kind: audit.KindDelegation, EventType: audit.DelegationCreated})
	require.Len(t, entries, 1)
	assert.Equal(t, grant.GrantID, entries[0].Record.SubjectIDs["grant_id"])
	assert.Equal(t, "agent-1", entries[0].Record.SubjectIDs["delegate_id"])
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", "file:delegation_test?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	e := NewEngine(store, nil)

	grant, err := e.CreateGrant(context.Background(), CreateParams{
		PrincipalType: PrincipalAgent,
		PrincipalID:   "orchestrator-1",
		DelegateID:    "worker-7",
		Scope:         []string{"read:x"},
		MaxDepth:      3,
		Constraints:   map[string]any{"region": "eu-west-1"},
		TTL:           time.Hour,
	})
	require.NoError(t, err)

	got, err := e.ValidateGrant(context.Background(), grant.GrantID, "worker-7", []string{"read:x"})
	require.NoError(t, err)
	assert.Equal(t, PrincipalAgent, got.PrincipalType)
	assert.Equal(t, "eu-west-1", got.Constraints["region"])
	assert.Equal(t, 3, got.MaxDepth)

	require.NoError(t, e.RevokeGrant(context.Background(), grant.GrantID, "orchestrator-1"))
	_, err = e.ValidateGrant(context.Background(), grant.GrantID, "worker-7", nil)
	assert.ErrorIs(t, err, ErrRevoked)

	grants, err := store.ListByPrincipal(context.Background(), "orchestrator-1")
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	assert.ErrorIs(t, store.MarkRevoked(context.Background(), "missing"), ErrNotFound)
}
