package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustbank/internal/circuitbreaker"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{AllowPrivateEndpoint()}, opts...)
	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestPlaceName_CityAndState(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"display_name":"Mumbai, Maharashtra, India","address":{"city":"Mumbai","state":"Maharashtra","country":"India"}}`))
	})

	name, err := c.PlaceName(context.Background(), 19.07, 72.87)
	require.NoError(t, err)
	assert.Equal(t, "Mumbai, Maharashtra", name)
	assert.Contains(t, gotQuery, "format=jsonv2")
	assert.Contains(t, gotQuery, "lat=19.070000")
}

func TestPlaceName_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"town only", `{"address":{"town":"Lonavala"}}`, "Lonavala"},
		{"display name", `{"display_name":"Arabian Sea","address":{}}`, "Arabian Sea"},
		{"country", `{"address":{"country":"India"}}`, "India"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			name, err := c.PlaceName(context.Background(), 1, 2)
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
		})
	}
}

func TestPlaceName_NoResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"Unable to geocode"}`))
	})
	_, err := c.PlaceName(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestPlaceName_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, WithBreaker(circuitbreaker.New("geocoder", 2, time.Minute)))

	for i := 0; i < 2; i++ {
		_, err := c.PlaceName(context.Background(), 1, 1)
		require.Error(t, err)
	}
	_, err := c.PlaceName(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPlaceName_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}, WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))

	_, err := c.PlaceName(context.Background(), 1, 1)
	assert.Error(t, err)
}

func TestNew_RejectsPrivateEndpoint(t *testing.T) {
	_, err := New("http://127.0.0.1:8088")
	assert.Error(t, err)

	_, err = New("ftp://example.com")
	assert.Error(t, err)
}
