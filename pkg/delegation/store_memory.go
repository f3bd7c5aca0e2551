package delegation

import (
	"context"
	"sync"
)

// MemoryStore keeps grants in a map under a mutex.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Grant
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Grant)}
}

func (m *MemoryStore) Put(ctx context.Context, grant *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cloneGrant(grant)
	m.byID[grant.GrantID] = stored
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, grantID string) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.byID[grantID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGrant(grant), nil
}

func (m *MemoryStore) MarkRevoked(ctx context.Context, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.byID[grantID]
	if !ok {
		return ErrNotFound
	}
	grant.Revoked = true
	return nil
}

func (m *MemoryStore) ListByPrincipal(ctx context.Context, principalID string) ([]*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Grant
	for _, grant := range m.byID {
		if grant.PrincipalID == principalID {
			out = append(out, cloneGrant(grant))
		}
	}
	return out, nil
}

func cloneGrant(g *Grant) *Grant {
	out := *g
	out.Scope = append([]string(nil), g.Scope...)
	if g.Constraints != nil {
		constraints := make(map[string]any, len(g.Constraints))
		for k, v := range g.Constraints {
			constraints[k] = v
		}
		out.Constraints = constraints
	}
	return &out
}
