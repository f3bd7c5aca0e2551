package authcode

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory code store. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	byHash map[string]*Code
	byID   map[string]*Code
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*Code),
		byID:   make(map[string]*Code),
	}
}

func (m *MemoryStore) Put(ctx context.Context, code *Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *code
	m.byHash[code.CodeHash] = &stored
	m.byID[code.CodeID] = &stored
	return nil
}

func (m *MemoryStore) FindByHash(ctx context.Context, hash string) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.byHash[hash]
	if !ok {
		return nil, ErrInvalidGrant
	}
	out := *code
	return &out, nil
}

func (m *MemoryStore) MarkConsumed(ctx context.Context, codeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.byID[codeID]
	if !ok {
		return false, ErrInvalidGrant
	}
	if code.Consumed {
		return false, nil
	}
	code.Consumed = true
	return true, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for hash, code := range m.byHash {
		if now.After(code.ExpiresAt) {
			delete(m.byHash, hash)
			delete(m.byID, code.CodeID)
			removed++
		}
	}
	return removed, nil
}
