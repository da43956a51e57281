package trust

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCeiling = 4

var fixedNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

type stubGeocoder struct {
	name string
	err  error
}

func (g stubGeocoder) PlaceName(ctx context.Context, lat, lon float64) (string, error) {
	return g.name, g.err
}

func ptr[T any](v T) *T { return &v }

func newTestUpdater(t *testing.T) (*Updater, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	u := NewUpdater(store, testCeiling, nil).WithClock(func() time.Time { return fixedNow })
	return u, store
}

func seeded(t *testing.T, u *Updater) *Profile {
	t.Helper()
	p, err := u.Seed(context.Background(), "usr_1", &ClientContext{
		IP:       "10.0.0.1",
		Device:   "dev-A",
		Location: &GeoPoint{Latitude: 19.07, Longitude: 72.87},
	})
	require.NoError(t, err)
	return p
}

func TestSeed_TrustsSignupContext(t *testing.T) {
	u, store := newTestUpdater(t)
	p := seeded(t, u)

	assert.Equal(t, []string{"10.0.0.1"}, p.TrustedNetworks)
	assert.Equal(t, []string{"dev-A"}, p.TrustedDevices)
	assert.Len(t, p.KnownLocations, 1)
	require.Len(t, p.ContextLog, 1)
	assert.Equal(t, KindSignup, p.ContextLog[0].Kind)
	assert.Equal(t, 0, p.ContextLog[0].RiskScore)
	assert.Equal(t, UnknownPlace, p.ContextLog[0].PlaceName)

	stored, err := store.FindProfile(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Len(t, stored.ContextLog, 1)
}

func TestSeed_DuplicateRejected(t *testing.T) {
	u, _ := newTestUpdater(t)
	seeded(t, u)

	_, err := u.Seed(context.Background(), "usr_1", nil)
	assert.ErrorIs(t, err, ErrProfileExists)
}

func TestUpdate_LowRiskWidens(t *testing.T) {
	u, store := newTestUpdater(t)
	p := seeded(t, u)

	cc := &ClientContext{
		IP:          "10.0.0.2",
		Device:      "dev-B",
		Location:    &GeoPoint{Latitude: 28.61, Longitude: 77.20},
		LoginTime:   ptr(time.Date(2026, 3, 14, 9, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))),
		TypingSpeed: ptr(320.0),
	}
	next, err := u.Update(context.Background(), p, cc, testCeiling-1, KindLogin)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, next.TrustedNetworks)
	assert.ElementsMatch(t, []string{"dev-A", "dev-B"}, next.TrustedDevices)
	assert.Len(t, next.KnownLocations, 2)
	assert.Equal(t, 1, next.Baseline.TypingSamples)
	assert.InDelta(t, 320.0, next.Baseline.TypingMean, 0.001)
	assert.Equal(t, 1, next.Baseline.LoginHours[9])
	assert.Equal(t, testCeiling-1, next.CurrentRiskScore)

	stored, err := store.FindProfile(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.True(t, stored.HasDevice("dev-B"))
	assert.Len(t, stored.ContextLog, 2)
}

func TestUpdate_NearbyLocationNotDuplicated(t *testing.T) {
	u, _ := newTestUpdater(t)
	p := seeded(t, u)

	cc := &ClientContext{Location: &GeoPoint{Latitude: 19.20, Longitude: 72.95}}
	next, err := u.Update(context.Background(), p, cc, 0, KindLogin)
	require.NoError(t, err)
	assert.Len(t, next.KnownLocations, 1)
}

func TestUpdate_ElevatedRiskOnlyAppends(t *testing.T) {
	u, store := newTestUpdater(t)
	p := seeded(t, u)

	cc := &ClientContext{IP: "203.0.113.9", Device: "dev-evil"}
	next, err := u.Update(context.Background(), p, cc, testCeiling, KindTransaction)
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1"}, next.TrustedNetworks)
	assert.Equal(t, []string{"dev-A"}, next.TrustedDevices)
	require.Len(t, next.ContextLog, 2)
	last := next.ContextLog[1]
	assert.Equal(t, "203.0.113.9", last.IP)
	assert.Equal(t, testCeiling, last.RiskScore)
	assert.Equal(t, KindTransaction, last.Kind)

	stored, err := store.FindProfile(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.False(t, stored.HasNetwork("203.0.113.9"))
	assert.Len(t, stored.ContextLog, 2)
}

func TestUpdate_DoesNotMutateInput(t *testing.T) {
	u, _ := newTestUpdater(t)
	p := seeded(t, u)

	_, err := u.Update(context.Background(), p, &ClientContext{IP: "10.9.9.9"}, 0, KindLogin)
	require.NoError(t, err)
	assert.Len(t, p.ContextLog, 1)
	assert.Equal(t, []string{"10.0.0.1"}, p.TrustedNetworks)
}

func TestUpdate_NilContextStillLogged(t *testing.T) {
	u, _ := newTestUpdater(t)
	p := seeded(t, u)

	next, err := u.Update(context.Background(), p, nil, 11, KindLogin)
	require.NoError(t, err)
	require.Len(t, next.ContextLog, 2)
	assert.Equal(t, UnknownPlace, next.ContextLog[1].PlaceName)
}

func TestUpdate_GeocoderFailureFallsBackToUnknown(t *testing.T) {
	u, _ := newTestUpdater(t)
	u.WithGeocoder(stubGeocoder{err: errors.New("geocoder down")})
	p := seeded(t, u)

	cc := &ClientContext{Location: &GeoPoint{Latitude: 1, Longitude: 2}}
	next, err := u.Update(context.Background(), p, cc, 9, KindLogin)
	require.NoError(t, err)
	assert.Equal(t, UnknownPlace, next.ContextLog[1].PlaceName)
}

func TestUpdate_GeocoderName(t *testing.T) {
	u, _ := newTestUpdater(t)
	u.WithGeocoder(stubGeocoder{name: "Mumbai, Maharashtra"})
	p := seeded(t, u)

	cc := &ClientContext{Location: &GeoPoint{Latitude: 19.0, Longitude: 72.8}}
	next, err := u.Update(context.Background(), p, cc, 0, KindLogin)
	require.NoError(t, err)
	assert.Equal(t, "Mumbai, Maharashtra", next.ContextLog[1].PlaceName)
}

func TestUpdate_MissingProfile(t *testing.T) {
	u, _ := newTestUpdater(t)
	_, err := u.Update(context.Background(), &Profile{UserID: "ghost"}, nil, 0, KindLogin)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestMemoryStore_UpdateKeepsLog(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateProfile(ctx, &Profile{
		UserID:          "usr_2",
		TrustedNetworks: []string{"a", "b"},
		TrustedDevices:  []string{"d1"},
		ContextLog:      []Observation{{ID: "o1"}},
	}))

	require.NoError(t, store.UpdateProfile(ctx, "usr_2", func(p *Profile) {
		p.TrustedNetworks = append(p.TrustedNetworks, "c")
		p.ContextLog = nil
	}))

	p, err := store.FindProfile(ctx, "usr_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, p.TrustedNetworks)
	assert.Equal(t, []string{"d1"}, p.TrustedDevices)
	require.Len(t, p.ContextLog, 1)

	assert.ErrorIs(t, store.UpdateProfile(ctx, "usr_missing", func(*Profile) {}), ErrProfileNotFound)
}

func TestUpdate_ConcurrentLowRiskKeepsEveryFold(t *testing.T) {
	u, store := newTestUpdater(t)
	p := seeded(t, u)
	ctx := context.Background()

	base, err := store.FindProfile(ctx, p.UserID)
	require.NoError(t, err)
	startSamples := base.Baseline.TypingSamples

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every goroutine starts from the same stale copy.
			cc := &ClientContext{
				TypingSpeed: ptr(400.0),
				LoginTime:   ptr(time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)),
			}
			_, err := u.Update(ctx, base, cc, 0, KindLogin)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.FindProfile(ctx, p.UserID)
	require.NoError(t, err)
	assert.Equal(t, startSamples+n, got.Baseline.TypingSamples)
	assert.Equal(t, base.Baseline.LoginHours[14]+n, got.Baseline.LoginHours[14])
	assert.Len(t, got.ContextLog, len(base.ContextLog)+n)
}

func TestMemoryStore_DeleteProfile(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateProfile(ctx, &Profile{UserID: "usr_5"}))
	require.NoError(t, store.AppendObservation(ctx, "usr_5", Observation{ID: "o1"}))

	require.NoError(t, store.DeleteProfile(ctx, "usr_5"))
	_, err := store.FindProfile(ctx, "usr_5")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	_, err = store.ListObservations(ctx, "usr_5", 0)
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.ErrorIs(t, store.DeleteProfile(ctx, "usr_5"), ErrProfileNotFound)
}

func TestMemoryStore_ListObservationsChronological(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateProfile(ctx, &Profile{UserID: "usr_3"}))
	for i, id := range []string{"o1", "o2", "o3"} {
		require.NoError(t, store.AppendObservation(ctx, "usr_3", Observation{ID: id, RiskScore: i}))
	}

	all, err := store.ListObservations(ctx, "usr_3", 0)
	require.NoError(t, err)
	assert.Equal(t, "o1", all[0].ID)
	assert.Equal(t, "o3", all[2].ID)

	recent, err := store.ListObservations(ctx, "usr_3", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "o2", recent[0].ID)
	assert.Equal(t, "o3", recent[1].ID)
}

func TestMemoryStore_FindReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateProfile(ctx, &Profile{UserID: "usr_4", TrustedDevices: []string{"x"}}))

	p, err := store.FindProfile(ctx, "usr_4")
	require.NoError(t, err)
	p.TrustedDevices[0] = "tampered"

	again, err := store.FindProfile(ctx, "usr_4")
	require.NoError(t, err)
	assert.Equal(t, "x", again.TrustedDevices[0])
}

func TestClientContext_LoginHourUsesOwnOffset(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	cc := &ClientContext{LoginTime: ptr(time.Date(2026, 1, 1, 23, 15, 0, 0, ist))}
	h, ok := cc.LoginHour()
	assert.True(t, ok)
	assert.Equal(t, 23, h)

	_, ok = (&ClientContext{}).LoginHour()
	assert.False(t, ok)
}
