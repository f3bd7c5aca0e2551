package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Volant-Labs/warrant/pkg/canonicalize"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the audit chain in SQLite. Chain state (sequence and
// head) is kept under the store mutex so appends stay totally ordered.
type SQLiteStore struct {
	db *sql.DB

	mu        sync.Mutex
	sequence  uint64
	chainHead string
}

// NewSQLiteStore opens (and migrates) an audit table on the given handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, chainHead: "genesis"}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.loadHead(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        sequence INTEGER PRIMARY KEY,
        record_id TEXT NOT NULL UNIQUE,
        kind TEXT NOT NULL,
        event_type TEXT NOT NULL,
        status TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        payload JSON NOT NULL,
        payload_hash TEXT NOT NULL,
        previous_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_entries (kind, event_type);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) loadHead() error {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	switch err := row.Scan(&seq, &head); err {
	case nil:
		s.sequence = seq
		s.chainHead = head
		return nil
	case sql.ErrNoRows:
		return nil
	default:
		return fmt.Errorf("audit: load chain head: %w", err)
	}
}

// Append implements Store.
func (s *SQLiteStore) Append(rec Record) (*Entry, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("audit: serialize record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{
		Sequence:     s.sequence + 1,
		Record:       rec,
		Payload:      payload,
		PayloadHash:  "sha256:" + canonicalize.HashBytes(payload),
		PreviousHash: s.chainHead,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO audit_entries
		 (sequence, record_id, kind, event_type, status, timestamp, payload, payload_hash, previous_hash, entry_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sequence, rec.ID, string(rec.Kind), rec.EventType, string(rec.Status),
		rec.Timestamp.UTC(), string(payload), entry.PayloadHash, entry.PreviousHash, entry.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("audit: insert entry: %w", err)
	}

	s.sequence = entry.Sequence
	s.chainHead = entry.EntryHash
	return entry, nil
}
