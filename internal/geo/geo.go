// Package geo resolves coordinates into place names through a
// Nominatim-compatible reverse geocoding endpoint.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/trustbank/internal/circuitbreaker"
	"github.com/mbd888/trustbank/internal/security"
)

var (
	ErrCircuitOpen = errors.New("geo: geocoder circuit open")
	ErrNoResult    = errors.New("geo: no place for coordinate")
)

const (
	DefaultTimeout = 3 * time.Second
	userAgent      = "trustbank-geocoder/1.0"
	maxBody        = 64 << 10
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Client) { g.http = c }
}

// WithBreaker sets the circuit breaker guarding the endpoint.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(g *Client) { g.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Client) { g.logger = l }
}

// AllowPrivateEndpoint skips the public-address check on the base URL.
// Used for local geocoder sidecars and tests.
func AllowPrivateEndpoint() Option {
	return func(g *Client) { g.allowPrivate = true }
}

// Client is a reverse geocoder. It implements trust.Geocoder.
type Client struct {
	base         *url.URL
	http         *http.Client
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
	allowPrivate bool
}

// New creates a client for baseURL, e.g. https://nominatim.openstreetmap.org.
func New(baseURL string, opts ...Option) (*Client, error) {
	g := &Client{
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if !g.allowPrivate {
		if err := security.ValidateEndpointURL(baseURL); err != nil {
			return nil, fmt.Errorf("geo: %w", err)
		}
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("geo: invalid base URL %q", baseURL)
	}
	g.base = u
	if g.breaker == nil {
		g.breaker = circuitbreaker.New("geocoder", 3, time.Minute)
	}
	return g, nil
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
	Address     struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		Suburb  string `json:"suburb"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"address"`
}

// PlaceName returns "locality, state" for the coordinate, or the full
// display name when the address has no locality.
func (g *Client) PlaceName(ctx context.Context, lat, lon float64) (string, error) {
	key := g.base.Host
	if !g.breaker.Allow(key) {
		return "", ErrCircuitOpen
	}

	name, err := g.lookup(ctx, lat, lon)
	switch {
	case err == nil, errors.Is(err, ErrNoResult):
		g.breaker.RecordSuccess(key)
	default:
		g.breaker.RecordFailure(key)
		g.logger.Debug("reverse geocode failed", "error", err)
	}
	return name, err
}

func (g *Client) lookup(ctx context.Context, lat, lon float64) (string, error) {
	u := *g.base
	u.Path += "/reverse"
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	q.Set("zoom", "10")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo: status %d", resp.StatusCode)
	}

	var body reverseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return "", fmt.Errorf("geo: decode: %w", err)
	}
	if body.Error != "" {
		return "", ErrNoResult
	}
	return body.placeName()
}

func (r *reverseResponse) placeName() (string, error) {
	locality := firstNonEmpty(r.Address.City, r.Address.Town, r.Address.Village, r.Address.Suburb)
	switch {
	case locality != "" && r.Address.State != "":
		return locality + ", " + r.Address.State, nil
	case locality != "":
		return locality, nil
	case r.DisplayName != "":
		return r.DisplayName, nil
	case r.Address.Country != "":
		return r.Address.Country, nil
	}
	return "", ErrNoResult
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
