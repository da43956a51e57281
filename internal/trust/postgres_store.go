package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists trust profiles in PostgreSQL. The observation log
// lives in its own insert-only table; nothing in this store updates or
// deletes observation rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed trust profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the trust tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trust_profiles (
			user_id             VARCHAR(64) PRIMARY KEY,
			trusted_networks    TEXT[] NOT NULL DEFAULT '{}',
			trusted_devices     TEXT[] NOT NULL DEFAULT '{}',
			known_locations     JSONB NOT NULL DEFAULT '[]',
			baseline            JSONB NOT NULL DEFAULT '{}',
			current_risk_score  INTEGER NOT NULL DEFAULT 0,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS context_observations (
			seq          BIGSERIAL PRIMARY KEY,
			id           VARCHAR(64) NOT NULL UNIQUE,
			user_id      VARCHAR(64) NOT NULL REFERENCES trust_profiles(user_id) ON DELETE CASCADE,
			kind         VARCHAR(16) NOT NULL,
			ip           TEXT,
			device       TEXT,
			latitude     DOUBLE PRECISION,
			longitude    DOUBLE PRECISION,
			place_name   TEXT NOT NULL,
			risk_score   INTEGER NOT NULL CHECK (risk_score >= 0),
			observed_at  TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_context_observations_user
			ON context_observations (user_id, seq);
	`)
	return err
}

func (s *PostgresStore) CreateProfile(ctx context.Context, p *Profile) error {
	locations, baseline, err := encodeProfile(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust_profiles (user_id, trusted_networks, trusted_devices, known_locations,
			baseline, current_risk_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.UserID, pq.Array(nonNil(p.TrustedNetworks)), pq.Array(nonNil(p.TrustedDevices)),
		locations, baseline, p.CurrentRiskScore, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrProfileExists
		}
		return fmt.Errorf("failed to create trust profile: %w", err)
	}

	for _, obs := range p.ContextLog {
		if err := insertObservation(ctx, tx, p.UserID, obs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) FindProfile(ctx context.Context, userID string) (*Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `
		SELECT user_id, trusted_networks, trusted_devices, known_locations, baseline,
			current_risk_score, created_at, updated_at
		FROM trust_profiles WHERE user_id = $1
	`, userID))
	if err != nil {
		return nil, err
	}

	log, err := s.ListObservations(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	p.ContextLog = log
	return p, nil
}

// UpdateProfile applies the change under a row lock, so concurrent updates
// for the same user never drop each other's members or baseline folds.
func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, apply func(*Profile)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := scanProfile(tx.QueryRowContext(ctx, `
		SELECT user_id, trusted_networks, trusted_devices, known_locations, baseline,
			current_risk_score, created_at, updated_at
		FROM trust_profiles WHERE user_id = $1 FOR UPDATE
	`, userID))
	if err != nil {
		return err
	}
	apply(stored)

	locations, baseline, err := encodeProfile(stored)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE trust_profiles
		SET trusted_networks = $2, trusted_devices = $3, known_locations = $4,
			baseline = $5, current_risk_score = $6, updated_at = $7
		WHERE user_id = $1
	`, userID, pq.Array(nonNil(stored.TrustedNetworks)), pq.Array(nonNil(stored.TrustedDevices)),
		locations, baseline, stored.CurrentRiskScore, stored.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save trust profile: %w", err)
	}
	return tx.Commit()
}

// DeleteProfile removes the profile; the foreign key cascades to its log.
func (s *PostgresStore) DeleteProfile(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trust_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete trust profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (s *PostgresStore) AppendObservation(ctx context.Context, userID string, obs Observation) error {
	err := insertObservation(ctx, s.db, userID, obs)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrProfileNotFound
	}
	return err
}

func (s *PostgresStore) ListObservations(ctx context.Context, userID string, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, ip, device, latitude, longitude, place_name, risk_score, observed_at
		FROM (
			SELECT seq, id, kind, ip, device, latitude, longitude, place_name, risk_score, observed_at
			FROM context_observations
			WHERE user_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Observation
	for rows.Next() {
		var (
			o        Observation
			kind     string
			ip, dev  sql.NullString
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&o.ID, &kind, &ip, &dev, &lat, &lon, &o.PlaceName, &o.RiskScore, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.Kind = ObservationKind(kind)
		o.IP = ip.String
		o.Device = dev.String
		if lat.Valid && lon.Valid {
			o.Location = &GeoPoint{Latitude: lat.Float64, Longitude: lon.Float64}
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertObservation(ctx context.Context, db execer, userID string, obs Observation) error {
	var lat, lon sql.NullFloat64
	if obs.Location != nil {
		lat = sql.NullFloat64{Float64: obs.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: obs.Location.Longitude, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO context_observations (id, user_id, kind, ip, device, latitude, longitude,
			place_name, risk_score, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, obs.ID, userID, string(obs.Kind), nullString(obs.IP), nullString(obs.Device),
		lat, lon, obs.PlaceName, obs.RiskScore, obs.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append observation: %w", err)
	}
	return nil
}

func scanProfile(row rowScanner) (*Profile, error) {
	var (
		p                   Profile
		locations, baseline []byte
		createdAt, updated  time.Time
	)
	err := row.Scan(&p.UserID, pq.Array(&p.TrustedNetworks), pq.Array(&p.TrustedDevices),
		&locations, &baseline, &p.CurrentRiskScore, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trust profile: %w", err)
	}
	if err := json.Unmarshal(locations, &p.KnownLocations); err != nil {
		return nil, fmt.Errorf("failed to decode known locations: %w", err)
	}
	if err := json.Unmarshal(baseline, &p.Baseline); err != nil {
		return nil, fmt.Errorf("failed to decode baseline: %w", err)
	}
	p.CreatedAt = createdAt
	p.UpdatedAt = updated
	return &p, nil
}

func encodeProfile(p *Profile) (locations, baseline []byte, err error) {
	locs := p.KnownLocations
	if locs == nil {
		locs = []GeoPoint{}
	}
	if locations, err = json.Marshal(locs); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal locations: %w", err)
	}
	if baseline, err = json.Marshal(p.Baseline); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal baseline: %w", err)
	}
	return locations, baseline, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
