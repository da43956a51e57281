package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/trustbank/internal/money"
	"github.com/mbd888/trustbank/internal/pagination"
)

// PostgresStore persists ledger records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger_records table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_records (
			id              VARCHAR(64) PRIMARY KEY,
			user_id         VARCHAR(64) NOT NULL,
			recipient       TEXT NOT NULL,
			account_number  VARCHAR(34) NOT NULL,
			ifsc            VARCHAR(11) NOT NULL,
			purpose         TEXT NOT NULL DEFAULT '',
			note            TEXT NOT NULL DEFAULT '',
			amount_paise    BIGINT NOT NULL CHECK (amount_paise > 0),
			created_at      TIMESTAMPTZ NOT NULL,
			chain_status    VARCHAR(16) NOT NULL,
			receipt         JSONB,
			chain_error     TEXT NOT NULL DEFAULT '',
			committed_at    TIMESTAMPTZ NOT NULL,
			anchored_at     TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_records_user
			ON ledger_records (user_id, committed_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_records_off_chain
			ON ledger_records (chain_status) WHERE chain_status = 'off_chain';
	`)
	return err
}

const recordColumns = `id, user_id, recipient, account_number, ifsc, purpose, note, amount_paise,
	created_at, chain_status, receipt, chain_error, committed_at, anchored_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	receipt, err := encodeReceipt(rec.Receipt)
	if err != nil {
		return err
	}
	t := rec.Transaction
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, t.ID, t.UserID, t.Recipient, t.AccountNumber, t.IFSC, t.Purpose, t.Note, t.AmountPaise,
		t.CreatedAt, string(rec.ChainStatus), receipt, rec.ChainError, rec.CommittedAt,
		nullTime(rec.AnchoredAt), rec.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to create ledger record: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChain(ctx context.Context, id string, status ChainStatus, receipt *Receipt, chainErr string, anchoredAt *time.Time) error {
	data, err := encodeReceipt(receipt)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE ledger_records
		SET chain_status = $2, receipt = $3, chain_error = $4, anchored_at = $5, updated_at = NOW()
		WHERE id = $1
	`, id, string(status), data, chainErr, nullTime(anchoredAt))
	if err != nil {
		return fmt.Errorf("failed to update ledger record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM ledger_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+recordColumns+` FROM ledger_records
			WHERE user_id = $1 AND (committed_at, id) < ($2, $3)
			ORDER BY committed_at DESC, id DESC
			LIMIT $4`, userID, cursor.At, cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+recordColumns+` FROM ledger_records
			WHERE user_id = $1
			ORDER BY committed_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	t := &rec.Transaction
	var (
		status     string
		receipt    []byte
		anchoredAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Recipient, &t.AccountNumber, &t.IFSC, &t.Purpose, &t.Note,
		&t.AmountPaise, &t.CreatedAt, &status, &receipt, &rec.ChainError, &rec.CommittedAt,
		&anchoredAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Amount = money.Format(t.AmountPaise)
	rec.ChainStatus = ChainStatus(status)
	if anchoredAt.Valid {
		at := anchoredAt.Time
		rec.AnchoredAt = &at
	}
	if len(receipt) > 0 {
		rec.Receipt = &Receipt{}
		if err := json.Unmarshal(receipt, rec.Receipt); err != nil {
			return nil, fmt.Errorf("failed to decode receipt: %w", err)
		}
	}
	return rec, nil
}

// encodeReceipt returns an untyped nil for a missing receipt so the driver
// writes SQL NULL.
func encodeReceipt(r *Receipt) (any, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode receipt: %w", err)
	}
	return data, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
