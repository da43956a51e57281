package stepup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists pending actions in PostgreSQL. The primary key on
// user_id is what enforces one pending action per user.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed pending action store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the pending_actions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pending_actions (
			user_id     VARCHAR(64) PRIMARY KEY,
			kind        VARCHAR(16) NOT NULL,
			code_hash   CHAR(64) NOT NULL,
			payload     JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at  TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_actions_expires
			ON pending_actions (expires_at);
	`)
	return err
}

const pendingColumns = `user_id, kind, code_hash, payload, created_at, expires_at`

func (s *PostgresStore) Get(ctx context.Context, userID string) (*PendingAction, error) {
	return scanPending(s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_actions WHERE user_id = $1`, userID))
}

// CreateIfAbsent inserts the action, replacing an existing row only when it
// has expired. A conflicting live row leaves zero rows affected.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, pa *PendingAction, now time.Time) error {
	payload := pa.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			code_hash = EXCLUDED.code_hash,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE pending_actions.expires_at <= $7
	`, pa.UserID, string(pa.Kind), pa.CodeHash, []byte(payload), pa.CreatedAt, pa.ExpiresAt, now)
	if err != nil {
		return fmt.Errorf("failed to create pending action: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVerificationInProgress
	}
	return nil
}

func (s *PostgresStore) Take(ctx context.Context, userID, codeHash string, now time.Time) (*PendingAction, error) {
	return scanPending(s.db.QueryRowContext(ctx, `
		DELETE FROM pending_actions
		WHERE user_id = $1 AND code_hash = $2 AND expires_at > $3
		RETURNING `+pendingColumns, userID, codeHash, now))
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete pending action: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_actions WHERE user_id = $1 AND expires_at <= $2`, userID, now)
	if err != nil {
		return fmt.Errorf("failed to delete expired pending action: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_actions
		WHERE user_id IN (
			SELECT user_id FROM pending_actions
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge pending actions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanPending(row *sql.Row) (*PendingAction, error) {
	pa := &PendingAction{}
	var kind string
	var payload []byte
	err := row.Scan(&pa.UserID, &kind, &pa.CodeHash, &payload, &pa.CreatedAt, &pa.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingAction
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending action: %w", err)
	}
	pa.Kind = Kind(kind)
	pa.Payload = payload
	return pa, nil
}
