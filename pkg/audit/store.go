package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Volant-Labs/warrant/pkg/canonicalize"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrChainBroken   = errors.New("audit hash chain is broken")
)

// Entry wraps a Record with its chain position.
type Entry struct {
	Sequence     uint64          `json:"sequence"`
	Record       Record          `json:"record"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Store is the audit persistence abstraction.
type Store interface {
	Append(rec Record) (*Entry, error)
}

// EntryHandler is called for each appended entry.
type EntryHandler func(entry *Entry)

// ChainStore is an in-memory append-only store with hash chaining.
// Entries are never mutated after append.
type ChainStore struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	sequence  uint64
	chainHead string
	handlers  []EntryHandler
}

// NewChainStore creates an empty chained store.
func NewChainStore() *ChainStore {
	return &ChainStore{
		byID:      make(map[string]*Entry),
		chainHead: "genesis",
	}
}

// Append implements Store.
func (s *ChainStore) Append(rec Record) (*Entry, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("audit: serialize record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	entry := &Entry{
		Sequence:     s.sequence,
		Record:       rec,
		Payload:      payload,
		PayloadHash:  "sha256:" + canonicalize.HashBytes(payload),
		PreviousHash: s.chainHead,
	}
	hash, err := entryHash(entry)
	if err != nil {
		s.sequence--
		return nil, err
	}
	entry.EntryHash = hash
	s.chainHead = hash

	s.entries = append(s.entries, entry)
	s.byID[rec.ID] = entry

	for _, h := range s.handlers {
		h(entry)
	}
	return entry, nil
}

// entryHash chains an entry to its predecessor via JCS canonical hashing.
func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64 `json:"sequence"`
		PayloadHash  string `json:"payload_hash"`
		PreviousHash string `json:"previous_hash"`
	}{e.Sequence, e.PayloadHash, e.PreviousHash}

	hash, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: entry hash: %w", err)
	}
	return "sha256:" + hash, nil
}

// Get returns the entry for a record id.
func (s *ChainStore) Get(recordID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byID[recordID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// ChainHead returns the current head hash.
func (s *ChainStore) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// Size returns the number of entries.
func (s *ChainStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// AddHandler registers a handler invoked on every append.
func (s *ChainStore) AddHandler(h EntryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// QueryFilter selects entries.
type QueryFilter struct {
	Kind       Kind
	EventType  string
	SubjectKey string
	SubjectID  string
	Since      *time.Time
	Until      *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *Entry) bool {
	if f.Kind != "" && e.Record.Kind != f.Kind {
		return false
	}
	if f.EventType != "" && e.Record.EventType != f.EventType {
		return false
	}
	if f.SubjectKey != "" && e.Record.SubjectIDs[f.SubjectKey] != f.SubjectID {
		return false
	}
	if f.Since != nil && e.Record.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Record.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// Query returns entries matching the filter in append order.
func (s *ChainStore) Query(filter QueryFilter) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if filter.matches(e) {
			out = append(out, e)
			if filter.MaxResults > 0 && len(out) >= filter.MaxResults {
				break
			}
		}
	}
	return out
}

// VerifyChain recomputes every entry hash and checks linkage.
func (s *ChainStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedPrev := "genesis"
	for i, entry := range s.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}
