package tokenstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists tokens in a single table. Rotation and revocation use
// conditional UPDATEs so concurrent writers resolve to exactly one winner
// without explicit locking.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the tokens table on the given handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS issued_tokens (
        token_id TEXT PRIMARY KEY,
        client_id TEXT NOT NULL,
        access_token_hash TEXT NOT NULL,
        refresh_token_hash TEXT,
        scope JSON NOT NULL,
        granted_tools JSON NOT NULL,
        task_id TEXT NOT NULL,
        parent_task_id TEXT,
        parent_token_id TEXT,
        task_description TEXT,
        inheritance TEXT NOT NULL,
        code_challenge TEXT,
        code_challenge_method TEXT,
        issued_at DATETIME NOT NULL,
        expires_at DATETIME NOT NULL,
        is_revoked INTEGER NOT NULL DEFAULT 0,
        revoked_at DATETIME,
        revocation_reason TEXT,
        delegator_sub TEXT,
        launch_reason TEXT,
        agent_type TEXT,
        agent_model TEXT,
        agent_provider TEXT,
        agent_instance_id TEXT,
        agent_trust_level TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_issued_tokens_parent ON issued_tokens (parent_token_id);
    CREATE INDEX IF NOT EXISTS idx_issued_tokens_refresh ON issued_tokens (client_id, refresh_token_hash);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const tokenColumns = `token_id, client_id, access_token_hash, refresh_token_hash, scope, granted_tools,
    task_id, parent_task_id, parent_token_id, task_description, inheritance,
    code_challenge, code_challenge_method, issued_at, expires_at,
    is_revoked, revoked_at, revocation_reason, delegator_sub, launch_reason,
    agent_type, agent_model, agent_provider, agent_instance_id, agent_trust_level`

func (s *SQLiteStore) Persist(ctx context.Context, token *Token) error {
	scopeJSON, _ := json.Marshal(token.Scope)
	toolsJSON, _ := json.Marshal(token.GrantedTools)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issued_tokens (`+tokenColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.TokenID, token.ClientID, token.AccessTokenHash, nullString(token.RefreshTokenHash),
		string(scopeJSON), string(toolsJSON),
		token.TaskID, nullString(token.ParentTaskID), nullString(token.ParentTokenID),
		nullString(token.TaskDescription), string(token.Inheritance),
		nullString(token.CodeChallenge), nullString(token.CodeChallengeMethod),
		token.IssuedAt.UTC(), token.ExpiresAt.UTC(),
		boolInt(token.IsRevoked), token.RevokedAt, nullString(token.RevocationReason),
		nullString(token.DelegatorSub), nullString(token.LaunchReason),
		nullString(token.AgentType), nullString(token.AgentModel), nullString(token.AgentProvider),
		nullString(token.AgentInstanceID), nullString(token.AgentTrustLevel))
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, tokenID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM issued_tokens WHERE token_id = ?`, tokenID)
	return scanToken(row)
}

func (s *SQLiteStore) FindByRefreshHash(ctx context.Context, clientID, refreshHash string) (*Token, error) {
	if refreshHash == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM issued_tokens WHERE client_id = ? AND refresh_token_hash = ?`,
		clientID, refreshHash)
	return scanToken(row)
}

func (s *SQLiteStore) RotateRefresh(ctx context.Context, tokenID, oldRefreshHash, newAccessHash, newRefreshHash string, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issued_tokens
		 SET access_token_hash = ?, refresh_token_hash = ?, expires_at = ?
		 WHERE token_id = ? AND refresh_token_hash = ?`,
		newAccessHash, newRefreshHash, newExpiry.UTC(), tokenID, oldRefreshHash)
	if err != nil {
		return fmt.Errorf("rotate refresh: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrRotationLost
	}
	return nil
}

func (s *SQLiteStore) Revoke(ctx context.Context, tokenID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issued_tokens
		 SET is_revoked = 1, revoked_at = ?, revocation_reason = ?
		 WHERE token_id = ? AND is_revoked = 0`,
		time.Now().UTC(), reason, tokenID)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// distinguish "already revoked" from "missing"
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM issued_tokens WHERE token_id = ?`, tokenID).Scan(&exists)
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Children(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_id FROM issued_tokens WHERE parent_token_id = ?`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var token Token
	var scopeJSON, toolsJSON string
	var refreshHash, parentTask, parentToken, taskDesc sql.NullString
	var challenge, method, reason, delegator, launch sql.NullString
	var agentType, agentModel, agentProvider, agentInstance, agentTrust sql.NullString
	var revoked int
	var revokedAt sql.NullTime
	var inheritance string

	err := row.Scan(&token.TokenID, &token.ClientID, &token.AccessTokenHash, &refreshHash,
		&scopeJSON, &toolsJSON,
		&token.TaskID, &parentTask, &parentToken, &taskDesc, &inheritance,
		&challenge, &method, &token.IssuedAt, &token.ExpiresAt,
		&revoked, &revokedAt, &reason, &delegator, &launch,
		&agentType, &agentModel, &agentProvider, &agentInstance, &agentTrust)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}
	if err := json.Unmarshal([]byte(scopeJSON), &token.Scope); err != nil {
		return nil, fmt.Errorf("decode scope: %w", err)
	}
	if err := json.Unmarshal([]byte(toolsJSON), &token.GrantedTools); err != nil {
		return nil, fmt.Errorf("decode granted_tools: %w", err)
	}
	token.RefreshTokenHash = refreshHash.String
	token.ParentTaskID = parentTask.String
	token.ParentTokenID = parentToken.String
	token.TaskDescription = taskDesc.String
	token.Inheritance = InheritanceType(inheritance)
	token.CodeChallenge = challenge.String
	token.CodeChallengeMethod = method.String
	token.IsRevoked = revoked != 0
	if revokedAt.Valid {
		at := revokedAt.Time
		token.RevokedAt = &at
	}
	token.RevocationReason = reason.String
	token.DelegatorSub = delegator.String
	token.LaunchReason = launch.String
	token.AgentType = agentType.String
	token.AgentModel = agentModel.String
	token.AgentProvider = agentProvider.String
	token.AgentInstanceID = agentInstance.String
	token.AgentTrustLevel = agentTrust.String
	return &token, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
