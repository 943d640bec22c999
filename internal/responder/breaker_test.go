package responder

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(s BreakerSettings) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(s)
	cb.now = clock.Now
	cb.windowStart = clock.Now()
	return cb, clock
}

func TestCircuitBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second})

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_successResetsConsecutiveCount(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestCircuitBreaker_halfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(BreakerSettings{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})

	cb.RecordFailure()
	clock.Advance(1500 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v, want nil", err)
	}
	if s := cb.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	cb.RecordSuccess()
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 success = %v, want half-open", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 successes = %v, want closed", s)
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(BreakerSettings{FailureThreshold: 1, Timeout: time.Second})

	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	_ = cb.Allow()

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open after half-open failure", s)
	}
}

func TestCircuitBreaker_defaults(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{})

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 4 failures = %v, want closed (default threshold 5)", s)
	}
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 5 failures = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRateTrips(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	for i := 0; i < 6; i++ {
		cb.RecordSuccess()
	}
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	// 5 of 11 failed.
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state at 45%% error rate = %v, want closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state at 50%% error rate = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRateNeedsMinSamples(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.1,
		ErrorRateWindow:    time.Minute,
	})

	for i := 0; i < minErrorRateSamples-1; i++ {
		cb.RecordFailure()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state below min samples = %v, want closed", s)
	}
	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state at min samples = %v, want open", s)
	}
}

func TestCircuitBreaker_errorRateWindowExpires(t *testing.T) {
	cb, clock := newTestBreaker(BreakerSettings{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Second,
	})

	cb.RecordSuccess()
	cb.RecordFailure()
	if _, total := cb.ErrorRate(); total != 2 {
		t.Fatalf("window total = %d, want 2", total)
	}

	clock.Advance(2 * time.Second)
	if rate, total := cb.ErrorRate(); total != 0 || rate != 0 {
		t.Errorf("ErrorRate() after expiry = (%f, %d), want (0, 0)", rate, total)
	}
}

func TestCircuitBreaker_notifiesStateChanges(t *testing.T) {
	var states []BreakerState
	cb, clock := newTestBreaker(BreakerSettings{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		OnStateChange:    func(s BreakerState) { states = append(states, s) },
	})

	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordSuccess()

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestBreakerState_String(t *testing.T) {
	for state, want := range map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
		BreakerState(9): "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
