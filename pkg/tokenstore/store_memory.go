package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in maps under a mutex. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]*Token
	children map[string][]string
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Token),
		children: make(map[string][]string),
		now:      time.Now,
	}
}

func (m *MemoryStore) Persist(ctx context.Context, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[token.TokenID]; exists {
		return ErrDuplicateID
	}
	stored := cloneToken(token)
	m.byID[token.TokenID] = stored
	if token.ParentTokenID != "" {
		m.children[token.ParentTokenID] = append(m.children[token.ParentTokenID], token.TokenID)
	}
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, tokenID string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byID[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneToken(token), nil
}

func (m *MemoryStore) FindByRefreshHash(ctx context.Context, clientID, refreshHash string) (*Token, error) {
	if refreshHash == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.byID {
		if token.ClientID == clientID && token.RefreshTokenHash == refreshHash {
			return cloneToken(token), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) RotateRefresh(ctx context.Context, tokenID, oldRefreshHash, newAccessHash, newRefreshHash string, newExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byID[tokenID]
	if !ok {
		return ErrNotFound
	}
	if token.RefreshTokenHash != oldRefreshHash {
		return ErrRotationLost
	}
	token.AccessTokenHash = newAccessHash
	token.RefreshTokenHash = newRefreshHash
	token.ExpiresAt = newExpiry
	return nil
}

func (m *MemoryStore) Revoke(ctx context.Context, tokenID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byID[tokenID]
	if !ok {
		return false, ErrNotFound
	}
	if token.IsRevoked {
		return false, nil
	}
	now := m.now().UTC()
	token.IsRevoked = true
	token.RevokedAt = &now
	token.RevocationReason = reason
	return true, nil
}

func (m *MemoryStore) Children(ctx context.Context, tokenID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.children[tokenID]
	return append([]string(nil), ids...), nil
}

// Relink rewires a token's parent pointer. Exists to simulate corrupted
// lineage (cycles, dangling parents) in tests.
func (m *MemoryStore) Relink(tokenID, parentTokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byID[tokenID]
	if !ok {
		return
	}
	token.ParentTokenID = parentTokenID
	if parentTokenID != "" {
		m.children[parentTokenID] = append(m.children[parentTokenID], tokenID)
	}
}

func cloneToken(t *Token) *Token {
	out := *t
	out.Scope = append([]string(nil), t.Scope...)
	out.GrantedTools = append([]string(nil), t.GrantedTools...)
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		out.RevokedAt = &at
	}
	return &out
}
