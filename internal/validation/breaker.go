package validation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tillware/license-server/internal/metrics"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed passes calls through normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen short-circuits every call until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen admits a single trial call after the cooldown.
	BreakerHalfOpen
)

// ErrBreakerOpen is returned when a call is short-circuited.
var ErrBreakerOpen = errors.New("circuit breaker open")

// CircuitBreaker isolates the store from request handling when it degrades.
// After threshold consecutive failures the breaker opens and short-circuits
// for the cooldown; the first call after the cooldown is a half-open trial
// whose success closes the breaker and whose failure reopens it.
//
// State is process-local and intentionally so: correctness never depends on
// it, only responsiveness does.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	trialing  bool

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.trialing = false
	}
	return cb.state
}

// Do executes fn under the breaker. A context deadline or any returned error
// counts as a failure; ErrBreakerOpen is returned without calling fn when
// the breaker is open or a half-open trial is already in flight.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.admit() {
		return ErrBreakerOpen
	}

	err := fn(ctx)
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if cb.trialing {
			return false
		}
		cb.trialing = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.stateLocked()
	if success {
		cb.state = BreakerClosed
		cb.failures = 0
		cb.trialing = false
		metrics.BreakerState.Set(float64(BreakerClosed))
		return
	}

	if state == BreakerHalfOpen {
		// Trial failed: reopen and restart the cooldown.
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		cb.trialing = false
		metrics.BreakerState.Set(float64(BreakerOpen))
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		metrics.BreakerState.Set(float64(BreakerOpen))
	}
}
