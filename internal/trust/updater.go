package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustbank/internal/idgen"
)

const geocodeTimeout = 3 * time.Second

// Updater folds scored observations back into trust profiles.
type Updater struct {
	store          Store
	geocoder       Geocoder
	lowRiskCeiling int
	tolerance      float64
	now            func() time.Time
	logger         *slog.Logger
}

// NewUpdater creates an updater. Scores strictly below lowRiskCeiling are
// treated as trustworthy and widen the profile.
func NewUpdater(store Store, lowRiskCeiling int, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		store:          store,
		lowRiskCeiling: lowRiskCeiling,
		tolerance:      LocationTolerance,
		now:            time.Now,
		logger:         logger,
	}
}

// WithGeocoder resolves place names for observations that carry a location.
func (u *Updater) WithGeocoder(g Geocoder) *Updater {
	u.geocoder = g
	return u
}

// WithClock overrides the time source (for tests).
func (u *Updater) WithClock(now func() time.Time) *Updater {
	u.now = now
	return u
}

// Update appends exactly one observation for cc and, when score is low,
// widens the trusted sets and baseline. The widening is applied to the
// stored profile under its lock, so a stale p never undoes a concurrent
// update. The passed profile is not modified; the returned copy is p with
// this update applied.
func (u *Updater) Update(ctx context.Context, p *Profile, cc *ClientContext, score int, kind ObservationKind) (*Profile, error) {
	if p == nil {
		return nil, ErrProfileNotFound
	}
	now := u.now()
	obs := u.observe(ctx, cc, score, kind, now)

	if err := u.store.AppendObservation(ctx, p.UserID, obs); err != nil {
		return nil, fmt.Errorf("append observation: %w", err)
	}

	widen := score < u.lowRiskCeiling && cc != nil
	apply := func(target *Profile) {
		target.CurrentRiskScore = score
		target.UpdatedAt = now
		if widen {
			u.widen(target, cc)
		}
	}
	if err := u.store.UpdateProfile(ctx, p.UserID, apply); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}

	next := p.Clone()
	next.ContextLog = append(next.ContextLog, obs)
	apply(next)
	return next, nil
}

// Seed creates the profile for a new account. The signup context is
// trusted as-is and logged as the first observation with score zero.
func (u *Updater) Seed(ctx context.Context, userID string, cc *ClientContext) (*Profile, error) {
	now := u.now()
	p := &Profile{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cc != nil {
		u.widen(p, cc)
	}
	p.ContextLog = []Observation{u.observe(ctx, cc, 0, KindSignup, now)}

	if err := u.store.CreateProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (u *Updater) observe(ctx context.Context, cc *ClientContext, score int, kind ObservationKind, now time.Time) Observation {
	obs := Observation{
		ID:        idgen.WithPrefix("obs_"),
		Kind:      kind,
		PlaceName: UnknownPlace,
		Timestamp: now,
		RiskScore: score,
	}
	if cc == nil {
		return obs
	}
	obs.IP = cc.IP
	obs.Device = cc.Device
	if cc.Location != nil {
		loc := *cc.Location
		obs.Location = &loc
		obs.PlaceName = u.placeName(ctx, loc)
	}
	return obs
}

// placeName never fails; any geocoder problem degrades to UnknownPlace.
func (u *Updater) placeName(ctx context.Context, loc GeoPoint) string {
	if u.geocoder == nil {
		return UnknownPlace
	}
	ctx, cancel := context.WithTimeout(ctx, geocodeTimeout)
	defer cancel()

	name, err := u.geocoder.PlaceName(ctx, loc.Latitude, loc.Longitude)
	if err != nil || name == "" {
		if err != nil {
			u.logger.Debug("reverse geocoding failed", "error", err)
		}
		return UnknownPlace
	}
	return name
}

func (u *Updater) widen(p *Profile, cc *ClientContext) {
	if cc.IP != "" && !p.HasNetwork(cc.IP) {
		p.TrustedNetworks = append(p.TrustedNetworks, cc.IP)
	}
	if cc.Device != "" && !p.HasDevice(cc.Device) {
		p.TrustedDevices = append(p.TrustedDevices, cc.Device)
	}
	if cc.Location != nil && !p.NearKnownLocation(*cc.Location, u.tolerance) {
		p.KnownLocations = append(p.KnownLocations, *cc.Location)
	}
	if cc.TypingSpeed != nil {
		b := &p.Baseline
		b.TypingSamples++
		b.TypingMean += (*cc.TypingSpeed - b.TypingMean) / float64(b.TypingSamples)
	}
	if h, ok := cc.LoginHour(); ok {
		p.Baseline.LoginHours[h]++
	}
}
