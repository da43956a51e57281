// Package health runs named dependency checks for the readiness endpoint.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/trustbank/internal/circuitbreaker"
)

// DefaultTimeout bounds a single checker.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-checker deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a critical checker. A failing critical checker makes the
// service unready.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterInformational adds a checker that is reported but never fails
// readiness, e.g. an optional geocoder.
func (r *Registry) RegisterInformational(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and returns whether all critical
// ones passed, with results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			st.Critical = nc.critical
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Database checks that db answers a ping.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		s := db.Stats()
		return Status{Healthy: true, Detail: fmt.Sprintf("open=%d in_use=%d", s.OpenConnections, s.InUse)}
	}
}

// Breaker reports the keys a circuit breaker currently rejects.
func Breaker(b *circuitbreaker.Breaker) Checker {
	return func(context.Context) Status {
		if open := b.Tripped(); len(open) > 0 {
			return Status{Healthy: false, Detail: "open: " + strings.Join(open, ",")}
		}
		return Status{Healthy: true}
	}
}

// Static always reports healthy with a fixed detail, for surfacing
// configuration such as an unbound ledger.
func Static(detail string) Checker {
	return func(context.Context) Status {
		return Status{Healthy: true, Detail: detail}
	}
}
