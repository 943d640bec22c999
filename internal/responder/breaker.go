package responder

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("responder: circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of trial requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// BreakerSettings configures a CircuitBreaker. Zero values take defaults:
// 5 consecutive failures to open, 2 half-open successes to close, 30s open
// timeout. A zero ErrorRateThreshold or ErrorRateWindow disables rate-based
// tripping.
type BreakerSettings struct {
	FailureThreshold   int
	SuccessThreshold   int
	Timeout            time.Duration
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
	// OnStateChange, if set, is called with the new state after every
	// transition, outside the breaker lock.
	OnStateChange func(BreakerState)
}

// CircuitBreaker guards the responder backend. It trips on consecutive
// failures or on the error rate within a tumbling window, and is safe for
// concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	settings  BreakerSettings
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(s BreakerSettings) *CircuitBreaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{settings: s, state: BreakerClosed, now: time.Now}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns nil if a call may proceed, or ErrCircuitOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	changed := cb.maybeHalfOpen()
	state := cb.state
	cb.mu.Unlock()

	if changed {
		cb.notify(state)
	}
	if state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
			changed = true
		}
	}
	state := cb.state
	cb.mu.Unlock()

	if changed {
		cb.notify(state)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.settings.FailureThreshold || cb.errorRateExceeded() {
			cb.open()
			changed = true
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens.
		cb.open()
		changed = true
	}
	state := cb.state
	cb.mu.Unlock()

	if changed {
		cb.notify(state)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	changed := cb.maybeHalfOpen()
	state := cb.state
	cb.mu.Unlock()

	if changed {
		cb.notify(state)
	}
	return state
}

// ErrorRate returns the error rate and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetWindow()
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

func (cb *CircuitBreaker) notify(state BreakerState) {
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(state)
	}
}

// The helpers below must be called with the lock held.

func (cb *CircuitBreaker) open() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.resetWindow()
}

func (cb *CircuitBreaker) maybeHalfOpen() bool {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.settings.Timeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
		return true
	}
	return false
}

func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	cb.maybeResetWindow()
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) maybeResetWindow() {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.settings.ErrorRateWindow {
		cb.resetWindow()
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.settings.ErrorRateThreshold <= 0 || cb.settings.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	rate := float64(cb.windowFailures) / float64(cb.windowTotal)
	return rate >= cb.settings.ErrorRateThreshold
}
