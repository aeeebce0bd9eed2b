package concurrency

import (
	"sync"
	"time"
)

// CircuitBreakerState is the state of a CircuitBreaker.
type CircuitBreakerState int32

const (
	// StateClosed lets every call through.
	StateClosed CircuitBreakerState = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen lets calls through until enough succeed or one fails.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker opens after a run of consecutive failures.
type CircuitBreaker struct {
	mu                   sync.Mutex
	state                CircuitBreakerState
	consecutiveFailures  int64
	consecutiveSuccesses int64
	failureThreshold     int64
	successThreshold     int64
	resetTimeout         time.Duration
	lastFailure          time.Time
	now                  func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold consecutive
// failures and half-opens after resetTimeout. Five successes while half-open close it.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: 5,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// IsOpen reports whether calls are currently rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return false
	}
	if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == StateHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.successThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.lastFailure = cb.now()
	cb.consecutiveFailures++

	switch {
	case cb.state == StateHalfOpen:
		cb.transitionTo(StateOpen)
	case cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold:
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state without applying the reset timeout.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetConsecutiveFailures returns the current failure run length.
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.consecutiveFailures = 0
	cb.lastFailure = time.Time{}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(state CircuitBreakerState) {
	if cb.state == state {
		return
	}
	cb.state = state
	switch state {
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	case StateHalfOpen:
		cb.consecutiveSuccesses = 0
	}
}
