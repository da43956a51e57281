//go:build integration

package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustbank/internal/testutil"
)

func TestPostgresStore_ProfileRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	updater := NewUpdater(store, 4, nil)
	ctx := context.Background()

	p, err := updater.Seed(ctx, "usr_pg", &ClientContext{
		IP:       "10.0.0.1",
		Device:   "dev-A",
		Location: &GeoPoint{Latitude: 19.07, Longitude: 72.87},
	})
	require.NoError(t, err)
	require.Len(t, p.ContextLog, 1)

	_, err = updater.Seed(ctx, "usr_pg", nil)
	assert.ErrorIs(t, err, ErrProfileExists)

	got, err := store.FindProfile(ctx, "usr_pg")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, got.TrustedNetworks)
	assert.Equal(t, []string{"dev-A"}, got.TrustedDevices)
	require.Len(t, got.KnownLocations, 1)
	require.Len(t, got.ContextLog, 1)
	assert.Equal(t, KindSignup, got.ContextLog[0].Kind)

	_, err = store.FindProfile(ctx, "usr_missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestPostgresStore_UpdateUnderRowLock(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.CreateProfile(ctx, &Profile{
		UserID:          "usr_pg",
		TrustedNetworks: []string{"10.0.0.1"},
		TrustedDevices:  []string{"dev-A"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}))

	require.NoError(t, store.UpdateProfile(ctx, "usr_pg", func(p *Profile) {
		p.TrustedNetworks = append(p.TrustedNetworks, "10.0.0.2")
		p.TrustedDevices = append(p.TrustedDevices, "dev-B")
		p.Baseline.TypingSamples++
		p.CurrentRiskScore = 2
		p.UpdatedAt = now.Add(time.Minute)
	}))
	// A second update sees the first one's fold.
	require.NoError(t, store.UpdateProfile(ctx, "usr_pg", func(p *Profile) {
		p.Baseline.TypingSamples++
	}))

	got, err := store.FindProfile(ctx, "usr_pg")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, got.TrustedNetworks)
	assert.ElementsMatch(t, []string{"dev-A", "dev-B"}, got.TrustedDevices)
	assert.Equal(t, 2, got.Baseline.TypingSamples)
	assert.Equal(t, 2, got.CurrentRiskScore)

	assert.ErrorIs(t, store.UpdateProfile(ctx, "usr_missing", func(*Profile) {}), ErrProfileNotFound)
}

func TestPostgresStore_DeleteProfileCascadesLog(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.CreateProfile(ctx, &Profile{UserID: "usr_del", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.AppendObservation(ctx, "usr_del", Observation{
		ID: "obs_del", Kind: KindLogin, PlaceName: UnknownPlace, Timestamp: now,
	}))

	require.NoError(t, store.DeleteProfile(ctx, "usr_del"))

	var n int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM context_observations WHERE user_id = $1`, "usr_del").Scan(&n))
	assert.Zero(t, n)
	assert.ErrorIs(t, store.DeleteProfile(ctx, "usr_del"), ErrProfileNotFound)
}

func TestPostgresStore_ObservationsAppendOnly(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.CreateProfile(ctx, &Profile{UserID: "usr_pg", CreatedAt: now, UpdatedAt: now}))

	for i, kind := range []ObservationKind{KindLogin, KindTransaction, KindLogin} {
		require.NoError(t, store.AppendObservation(ctx, "usr_pg", Observation{
			ID:        "obs_" + string(rune('a'+i)),
			Kind:      kind,
			IP:        "10.0.0.1",
			PlaceName: "Unknown",
			RiskScore: i,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := store.ListObservations(ctx, "usr_pg", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "obs_b", recent[0].ID)
	assert.Equal(t, "obs_c", recent[1].ID)

	_, err = db.ExecContext(ctx, `UPDATE context_observations SET risk_score = 0 WHERE id = 'obs_b'`)
	assert.Error(t, err, "observations must be immutable")

	err = store.AppendObservation(ctx, "usr_missing", Observation{ID: "obs_x", PlaceName: "Unknown", Timestamp: now})
	assert.ErrorIs(t, err, ErrProfileNotFound)
}
