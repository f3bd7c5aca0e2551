package delegation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists grants in the delegation_grants table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the grants table on the given handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS delegation_grants (
        grant_id TEXT PRIMARY KEY,
        principal_type TEXT NOT NULL,
        principal_id TEXT NOT NULL,
        delegate_id TEXT NOT NULL,
        scope JSON NOT NULL,
        max_depth INTEGER NOT NULL,
        constraints JSON,
        created_at DATETIME NOT NULL,
        expires_at DATETIME NOT NULL,
        revoked INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_delegation_grants_principal ON delegation_grants (principal_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, grant *Grant) error {
	scopeJSON, _ := json.Marshal(grant.Scope)
	var constraintsJSON any
	if grant.Constraints != nil {
		raw, err := json.Marshal(grant.Constraints)
		if err != nil {
			return fmt.Errorf("encode constraints: %w", err)
		}
		constraintsJSON = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delegation_grants
		 (grant_id, principal_type, principal_id, delegate_id, scope, max_depth, constraints, created_at, expires_at, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.GrantID, string(grant.PrincipalType), grant.PrincipalID, grant.DelegateID,
		string(scopeJSON), grant.MaxDepth, constraintsJSON,
		grant.CreatedAt.UTC(), grant.ExpiresAt.UTC(), boolInt(grant.Revoked))
	if err != nil {
		return fmt.Errorf("insert delegation grant: %w", err)
	}
	return nil
}

const grantColumns = `grant_id, principal_type, principal_id, delegate_id, scope, max_depth, constraints, created_at, expires_at, revoked`

func (s *SQLiteStore) Get(ctx context.Context, grantID string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM delegation_grants WHERE grant_id = ?`, grantID)
	return scanGrant(row)
}

func (s *SQLiteStore) MarkRevoked(ctx context.Context, grantID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegation_grants SET revoked = 1 WHERE grant_id = ?`, grantID)
	if err != nil {
		return fmt.Errorf("revoke delegation grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListByPrincipal(ctx context.Context, principalID string) ([]*Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM delegation_grants WHERE principal_id = ?`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list delegation grants: %w", err)
	}
	defer rows.Close()

	var grants []*Grant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var grant Grant
	var principalType, scopeJSON string
	var constraintsJSON sql.NullString
	var revoked int
	err := row.Scan(&grant.GrantID, &principalType, &grant.PrincipalID, &grant.DelegateID,
		&scopeJSON, &grant.MaxDepth, &constraintsJSON,
		&grant.CreatedAt, &grant.ExpiresAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delegation grant: %w", err)
	}
	if err := json.Unmarshal([]byte(scopeJSON), &grant.Scope); err != nil {
		return nil, fmt.Errorf("decode scope: %w", err)
	}
	if constraintsJSON.Valid {
		if err := json.Unmarshal([]byte(constraintsJSON.String), &grant.Constraints); err != nil {
			return nil, fmt.Errorf("decode constraints: %w", err)
		}
	}
	grant.PrincipalType = PrincipalType(principalType)
	grant.Revoked = revoked != 0
	return &grant, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
