package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	return New("test", threshold, time.Minute).WithClock(clk.now), clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if !b.Allow("geo.example.com") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	if !b.Allow("rpc") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("rpc")
	if b.Allow("rpc") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("rpc") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("rpc"))
	}
}

func TestBreaker_HalfOpenAdmitsOneTrial(t *testing.T) {
	b, clk := newTestBreaker(2)

	b.RecordFailure("rpc")
	b.RecordFailure("rpc")

	clk.advance(59 * time.Second)
	if b.Allow("rpc") {
		t.Fatal("should stay open until the open duration passes")
	}

	clk.advance(time.Second)
	if !b.Allow("rpc") {
		t.Fatal("should allow a trial request in half-open")
	}
	if b.State("rpc") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("rpc"))
	}
	if b.Allow("rpc") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(2)

	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	clk.advance(time.Minute)
	b.Allow("rpc")

	b.RecordSuccess("rpc")
	if b.State("rpc") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("rpc"))
	}
	if !b.Allow("rpc") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(2)

	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	clk.advance(time.Minute)
	b.Allow("rpc")

	b.RecordFailure("rpc")
	if b.State("rpc") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("rpc"))
	}
	// The open period restarts from the failed trial.
	clk.advance(30 * time.Second)
	if b.Allow("rpc") {
		t.Fatal("re-opened circuit should reject")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("rpc")
	b.RecordFailure("rpc")
	b.RecordSuccess("rpc")

	b.RecordFailure("rpc")
	if !b.Allow("rpc") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure("a.example.com")
	b.RecordFailure("a.example.com")

	if b.Allow("a.example.com") {
		t.Fatal("a should be open")
	}
	if !b.Allow("b.example.com") {
		t.Fatal("b should be closed")
	}
	if got := b.Tripped(); len(got) != 1 || got[0] != "a.example.com" {
		t.Fatalf("Tripped() = %v", got)
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b, _ := newTestBreaker(2)
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
	if len(b.Tripped()) != 0 {
		t.Fatal("expected no tripped keys")
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2)

	got := make(chan [2]State, 4)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("rpc")
	b.RecordFailure("rpc")

	select {
	case tr := <-got:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("expected closed→open, got %v→%v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New("x", 0, 0)
	if b.threshold != 5 || b.openDuration != 30*time.Second {
		t.Fatalf("unexpected defaults %d %v", b.threshold, b.openDuration)
	}
	if b.Name() != "x" {
		t.Fatalf("Name() = %q", b.Name())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
