package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore mirrors SQLiteStore on PostgreSQL. Scope and tool lists map
// to text[] columns via pq.Array; rotation and revocation stay conditional
// single-statement UPDATEs.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle. Migration is applied separately
// (see Migrate) so sqlmock-backed tests can skip it.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tokens table and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS issued_tokens (
        token_id TEXT PRIMARY KEY,
        client_id TEXT NOT NULL,
        access_token_hash TEXT NOT NULL,
        refresh_token_hash TEXT,
        scope TEXT[] NOT NULL,
        granted_tools TEXT[] NOT NULL,
        task_id TEXT NOT NULL,
        parent_task_id TEXT,
        parent_token_id TEXT,
        task_description TEXT,
        inheritance TEXT NOT NULL,
        code_challenge TEXT,
        code_challenge_method TEXT,
        issued_at TIMESTAMPTZ NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL,
        is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
        revoked_at TIMESTAMPTZ,
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
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate issued_tokens: %w", err)
	}
	return nil
}

func (s *PostgresStore) Persist(ctx context.Context, token *Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issued_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		token.TokenID, token.ClientID, token.AccessTokenHash, nullString(token.RefreshTokenHash),
		pq.Array(token.Scope), pq.Array(token.GrantedTools),
		token.TaskID, nullString(token.ParentTaskID), nullString(token.ParentTokenID),
		nullString(token.TaskDescription), string(token.Inheritance),
		nullString(token.CodeChallenge), nullString(token.CodeChallengeMethod),
		token.IssuedAt.UTC(), token.ExpiresAt.UTC(),
		token.IsRevoked, token.RevokedAt, nullString(token.RevocationReason),
		nullString(token.DelegatorSub), nullString(token.LaunchReason),
		nullString(token.AgentType), nullString(token.AgentModel), nullString(token.AgentProvider),
		nullString(token.AgentInstanceID), nullString(token.AgentTrustLevel))
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, tokenID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM issued_tokens WHERE token_id = $1`, tokenID)
	return scanTokenPG(row)
}

func (s *PostgresStore) FindByRefreshHash(ctx context.Context, clientID, refreshHash string) (*Token, error) {
	if refreshHash == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM issued_tokens WHERE client_id = $1 AND refresh_token_hash = $2`,
		clientID, refreshHash)
	return scanTokenPG(row)
}

func (s *PostgresStore) RotateRefresh(ctx context.Context, tokenID, oldRefreshHash, newAccessHash, newRefreshHash string, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issued_tokens
		 SET access_token_hash = $1, refresh_token_hash = $2, expires_at = $3
		 WHERE token_id = $4 AND refresh_token_hash = $5`,
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

func (s *PostgresStore) Revoke(ctx context.Context, tokenID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issued_tokens
		 SET is_revoked = TRUE, revoked_at = $1, revocation_reason = $2
		 WHERE token_id = $3 AND is_revoked = FALSE`,
		time.Now().UTC(), reason, tokenID)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM issued_tokens WHERE token_id = $1`, tokenID).Scan(&exists)
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) Children(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_id FROM issued_tokens WHERE parent_token_id = $1`, tokenID)
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

func scanTokenPG(row rowScanner) (*Token, error) {
	var token Token
	var scope, tools pq.StringArray
	var refreshHash, parentTask, parentToken, taskDesc sql.NullString
	var challenge, method, reason, delegator, launch sql.NullString
	var agentType, agentModel, agentProvider, agentInstance, agentTrust sql.NullString
	var revokedAt sql.NullTime
	var inheritance string

	err := row.Scan(&token.TokenID, &token.ClientID, &token.AccessTokenHash, &refreshHash,
		&scope, &tools,
		&token.TaskID, &parentTask, &parentToken, &taskDesc, &inheritance,
		&challenge, &method, &token.IssuedAt, &token.ExpiresAt,
		&token.IsRevoked, &revokedAt, &reason, &delegator, &launch,
		&agentType, &agentModel, &agentProvider, &agentInstance, &agentTrust)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}
	token.Scope = []string(scope)
	token.GrantedTools = []string(tools)
	token.RefreshTokenHash = refreshHash.String
	token.ParentTaskID = parentTask.String
	token.ParentTokenID = parentToken.String
	token.TaskDescription = taskDesc.String
	token.Inheritance = InheritanceType(inheritance)
	token.CodeChallenge = challenge.String
	token.CodeChallengeMethod = method.String
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
