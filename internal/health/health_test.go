package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustbank/internal/circuitbreaker"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOrderAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status {
		time.Sleep(10 * time.Millisecond)
		return Status{Healthy: true}
	})
	r.Register("ledger", Static("not configured: no rpc url"))

	healthy, statuses := r.CheckAll(context.Background())
	require.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "ledger", statuses[1].Name)
	assert.Equal(t, "not configured: no rpc url", statuses[1].Detail)
	assert.True(t, statuses[0].Critical)
}

func TestRegistryCriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "connection refused", statuses[0].Detail)
}

func TestRegistryInformationalFailureStaysReady(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Static(""))
	r.RegisterInformational("geocoder", func(context.Context) Status {
		return Status{Healthy: false}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.False(t, statuses[1].Healthy)
	assert.False(t, statuses[1].Critical)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(10 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New("geocoder", 1, time.Minute)
	check := Breaker(b)

	assert.True(t, check(context.Background()).Healthy)

	b.RecordFailure("nominatim.example.com")
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "open: nominatim.example.com", st.Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("x", Static(""))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 20)
}
