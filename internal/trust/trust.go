// Package trust owns the per-user trust profile: the networks, devices and
// locations a user has been seen on at low risk, a behavioral baseline, and
// the append-only log of every context observation scored for that user.
//
// Profiles only ever widen. Members are added by the Updater when an
// observation scores low and are never removed automatically; the
// observation log is insert-only.
package trust

import (
	"context"
	"errors"
	"math"
	"slices"
	"time"
)

var (
	ErrProfileNotFound = errors.New("trust: profile not found")
	ErrProfileExists   = errors.New("trust: profile already exists")
)

// LocationTolerance is the coarse, city-scale radius (in degrees, applied to
// latitude and longitude independently) within which a location counts as known.
const LocationTolerance = 0.5

// UnknownPlace is recorded when no place name can be resolved.
const UnknownPlace = "Unknown"

// GeoPoint is a latitude/longitude pair in decimal degrees.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Near reports whether q lies within tol degrees of p on both axes.
func (p GeoPoint) Near(q GeoPoint, tol float64) bool {
	return math.Abs(p.Latitude-q.Latitude) < tol && math.Abs(p.Longitude-q.Longitude) < tol
}

// ClientContext is the bundle of signals a client submits with a login or
// transaction. Every field is optional; nil means the client did not send it.
type ClientContext struct {
	IP             string     `json:"ip,omitempty"`
	Device         string     `json:"device,omitempty"`
	Location       *GeoPoint  `json:"location,omitempty"`
	LoginTime      *time.Time `json:"loginTime,omitempty"`
	TypingSpeed    *float64   `json:"typingSpeed,omitempty"`
	PointerSamples *int       `json:"pointerSamples,omitempty"`
	TabSwitches    *int       `json:"tabSwitches,omitempty"`
	FrameDrops     *int       `json:"frameDrops,omitempty"`

	// SessionID names the pointer telemetry stream uploaded for this page.
	// The server fills PointerSamples from it when the count is absent.
	SessionID string `json:"sessionId,omitempty"`
}

// LoginHour returns the hour of LoginTime in the client's own UTC offset.
func (c *ClientContext) LoginHour() (int, bool) {
	if c == nil || c.LoginTime == nil || c.LoginTime.IsZero() {
		return 0, false
	}
	return c.LoginTime.Hour(), true
}

// Behavior aggregates typing-speed and login-hour statistics gathered from
// low-risk observations. It is informational and does not feed the score.
type Behavior struct {
	TypingSamples int     `json:"typingSamples"`
	TypingMean    float64 `json:"typingMean"`
	LoginHours    [24]int `json:"loginHours"`
}

// ObservationKind tells which operation produced an observation.
type ObservationKind string

const (
	KindSignup      ObservationKind = "signup"
	KindLogin       ObservationKind = "login"
	KindTransaction ObservationKind = "transaction"
)

// Observation is an immutable snapshot of one scored context.
type Observation struct {
	ID        string          `json:"id"`
	Kind      ObservationKind `json:"kind"`
	IP        string          `json:"ip,omitempty"`
	Device    string          `json:"device,omitempty"`
	Location  *GeoPoint       `json:"location,omitempty"`
	PlaceName string          `json:"placeName"`
	Timestamp time.Time       `json:"timestamp"`
	RiskScore int             `json:"riskScore"`
}

// Profile is one user's accumulated trust baseline.
type Profile struct {
	UserID           string        `json:"userId"`
	TrustedNetworks  []string      `json:"trustedNetworks"`
	TrustedDevices   []string      `json:"trustedDevices"`
	KnownLocations   []GeoPoint    `json:"knownLocations"`
	Baseline         Behavior      `json:"behavioralBaseline"`
	ContextLog       []Observation `json:"contextLog"`
	CurrentRiskScore int           `json:"currentRiskScore"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// HasNetwork reports exact membership of ip in the trusted networks.
func (p *Profile) HasNetwork(ip string) bool {
	return p != nil && ip != "" && slices.Contains(p.TrustedNetworks, ip)
}

// HasDevice reports exact membership of device in the trusted devices.
func (p *Profile) HasDevice(device string) bool {
	return p != nil && device != "" && slices.Contains(p.TrustedDevices, device)
}

// NearKnownLocation reports whether pt is within tol of any known location.
func (p *Profile) NearKnownLocation(pt GeoPoint, tol float64) bool {
	if p == nil {
		return false
	}
	for _, loc := range p.KnownLocations {
		if loc.Near(pt, tol) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share slices with a store.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.TrustedNetworks = slices.Clone(p.TrustedNetworks)
	cp.TrustedDevices = slices.Clone(p.TrustedDevices)
	cp.KnownLocations = slices.Clone(p.KnownLocations)
	cp.ContextLog = make([]Observation, len(p.ContextLog))
	for i, o := range p.ContextLog {
		cp.ContextLog[i] = o.clone()
	}
	return &cp
}

func (o Observation) clone() Observation {
	if o.Location != nil {
		loc := *o.Location
		o.Location = &loc
	}
	return o
}

// Store persists trust profiles and their observation logs.
//
// UpdateProfile runs apply against the stored profile while holding the
// profile's lock and writes back the trusted sets, baseline and advisory
// score, so concurrent updates each see the other's result. The observation
// log is only written through AppendObservation. DeleteProfile removes the
// profile together with its log.
type Store interface {
	CreateProfile(ctx context.Context, p *Profile) error
	FindProfile(ctx context.Context, userID string) (*Profile, error)
	UpdateProfile(ctx context.Context, userID string, apply func(*Profile)) error
	DeleteProfile(ctx context.Context, userID string) error
	AppendObservation(ctx context.Context, userID string, obs Observation) error
	ListObservations(ctx context.Context, userID string, limit int) ([]Observation, error)
}

// Geocoder resolves a coordinate into a human-readable place name.
type Geocoder interface {
	PlaceName(ctx context.Context, lat, lon float64) (string, error)
}
