package search

import (
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	// CircuitClosed allows requests to pass through
	CircuitClosed CircuitBreakerState = "closed"
	// CircuitOpen blocks all requests
	CircuitOpen CircuitBreakerState = "open"
	// CircuitHalfOpen allows trial requests
	CircuitHalfOpen CircuitBreakerState = "half-open"
)

// ErrCircuitOpen is returned while the breaker rejects calls to the index
var ErrCircuitOpen = errors.New("search index circuit breaker open")

// CircuitBreakerOptions tunes a CircuitBreaker
type CircuitBreakerOptions struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
}

// CircuitBreaker stops hammering a failing search index. Consecutive failures open
// it; after OpenDuration trial calls are let through.
type CircuitBreaker struct {
	mu           sync.RWMutex
	failures     int
	lastFailure  time.Time
	state        CircuitBreakerState
	successCount int

	failureThreshold int
	successThreshold int
	openDuration     time.Duration
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker. Zero options take defaults.
func NewCircuitBreaker(opts CircuitBreakerOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 2
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: opts.FailureThreshold,
		successThreshold: opts.SuccessThreshold,
		openDuration:     opts.OpenDuration,
		now:              time.Now,
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successCount = 0
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	if cb.state == CircuitHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.successCount = 0
	}
}

// CanExecute checks if a call may go through, moving open to half-open once the
// open period has passed
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailure) >= cb.openDuration {
		cb.state = CircuitHalfOpen
		cb.successCount = 0
		return true
	}
	return false
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successCount = 0
	cb.lastFailure = time.Time{}
}
