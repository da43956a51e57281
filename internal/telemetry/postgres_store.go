package telemetry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists strokes in PostgreSQL, one row per stroke.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed telemetry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the cursor_strokes table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cursor_strokes (
			id          BIGSERIAL PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL,
			session_id  VARCHAR(64) NOT NULL,
			time_ms     BIGINT[] NOT NULL,
			x           DOUBLE PRECISION[] NOT NULL,
			y           DOUBLE PRECISION[] NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_cursor_strokes_session
			ON cursor_strokes (user_id, session_id);
		CREATE INDEX IF NOT EXISTS idx_cursor_strokes_created
			ON cursor_strokes (created_at, id);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range b.Strokes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cursor_strokes (user_id, session_id, time_ms, x, y, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, b.UserID, b.SessionID, pq.Int64Array(st.TimeMS), pq.Float64Array(st.X), pq.Float64Array(st.Y), b.At)
		if err != nil {
			return fmt.Errorf("failed to insert stroke: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Samples(ctx context.Context, userID, sessionID string) (int, error) {
	var strokes, samples int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(cardinality(time_ms)), 0)
		FROM cursor_strokes WHERE user_id = $1 AND session_id = $2
	`, userID, sessionID).Scan(&strokes, &samples)
	if err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	if strokes == 0 {
		return 0, ErrSessionNotFound
	}
	return samples, nil
}

func (s *PostgresStore) Sessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (SELECT DISTINCT user_id, session_id FROM cursor_strokes) s
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) EvictOldest(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cursor_strokes
		WHERE (user_id, session_id) = (
			SELECT user_id, session_id FROM cursor_strokes
			ORDER BY created_at, id
			LIMIT 1
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to evict session: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cursor_strokes WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete strokes: %w", err)
	}
	return nil
}
