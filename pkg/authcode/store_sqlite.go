package authcode

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists authorization codes. The consumed flag is flipped
// with a conditional UPDATE so replay races have exactly one winner.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the codes table on the given handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS authorization_codes (
        code_id TEXT PRIMARY KEY,
        code_hash TEXT NOT NULL UNIQUE,
        client_id TEXT NOT NULL,
        redirect_uri TEXT NOT NULL,
        scope JSON NOT NULL,
        code_challenge TEXT NOT NULL,
        code_challenge_method TEXT NOT NULL,
        state TEXT,
        created_at DATETIME NOT NULL,
        expires_at DATETIME NOT NULL,
        consumed INTEGER NOT NULL DEFAULT 0
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, code *Code) error {
	scopeJSON, _ := json.Marshal(code.Scope)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authorization_codes
		 (code_id, code_hash, client_id, redirect_uri, scope, code_challenge, code_challenge_method, state, created_at, expires_at, consumed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		code.CodeID, code.CodeHash, code.ClientID, code.RedirectURI, string(scopeJSON),
		code.CodeChallenge, string(code.CodeChallengeMethod), code.State,
		code.CreatedAt.UTC(), code.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert authorization code: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByHash(ctx context.Context, hash string) (*Code, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code_id, code_hash, client_id, redirect_uri, scope, code_challenge, code_challenge_method, state, created_at, expires_at, consumed
		 FROM authorization_codes WHERE code_hash = ?`, hash)

	var code Code
	var scopeJSON, method string
	var consumed int
	err := row.Scan(&code.CodeID, &code.CodeHash, &code.ClientID, &code.RedirectURI, &scopeJSON,
		&code.CodeChallenge, &method, &code.State, &code.CreatedAt, &code.ExpiresAt, &consumed)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("query authorization code: %w", err)
	}
	if err := json.Unmarshal([]byte(scopeJSON), &code.Scope); err != nil {
		return nil, fmt.Errorf("decode scope: %w", err)
	}
	code.CodeChallengeMethod = ChallengeMethod(method)
	code.Consumed = consumed != 0
	return &code, nil
}

func (s *SQLiteStore) MarkConsumed(ctx context.Context, codeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE authorization_codes SET consumed = 1 WHERE code_id = ? AND consumed = 0`, codeID)
	if err != nil {
		return false, fmt.Errorf("consume authorization code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep authorization codes: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
