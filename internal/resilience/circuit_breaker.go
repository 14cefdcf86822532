package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker rejects work.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Calls fail immediately
	CircuitHalfOpen                     // Probing whether the dependency recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a dependency after repeated failures and
// lets a limited number of probes through once resetTimeout has passed.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	// OnStateChange, if set, is called with the breaker name and new state.
	// It runs with the breaker locked and must not call back into it.
	OnStateChange func(name string, state CircuitState)

	now func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	halfOpenCount int
	successCount  int
	openedAt      time.Time
	requests      int64
	failures      int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  1,
		now:          time.Now,
		state:        CircuitClosed,
	}
}

// Name returns the name the breaker was created with.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call runs fn unless the breaker is open. counts decides which errors are
// failures of the dependency; errors it rejects pass through and count as
// a success. A nil counts treats every error as a failure.
func (cb *CircuitBreaker) Call(fn func() error, counts func(error) bool) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()
	failed := err != nil && (counts == nil || counts(err))
	cb.RecordResult(!failed)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.setState(CircuitHalfOpen)
		cb.halfOpenCount = 1
		cb.successCount = 0
		return true

	case CircuitHalfOpen:
		if cb.halfOpenCount < cb.halfOpenMax {
			cb.halfOpenCount++
			return true
		}
		return false
	}
	return false
}

// RecordResult records the outcome of a call made outside Call.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++
	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0

	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMax {
			cb.failureCount = 0
			cb.halfOpenCount = 0
			cb.successCount = 0
			cb.setState(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.setState(CircuitOpen)
		}

	case CircuitHalfOpen:
		// Any failed probe reopens the circuit.
		cb.openedAt = cb.now()
		cb.halfOpenCount = 0
		cb.successCount = 0
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, s)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns the request and failure totals and the failure rate in percent.
func (cb *CircuitBreaker) Stats() (requests, failures int64, failureRate float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.requests > 0 {
		failureRate = float64(cb.failures) / float64(cb.requests) * 100.0
	}
	return cb.requests, cb.failures, failureRate
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.halfOpenCount = 0
	cb.successCount = 0
	cb.setState(CircuitClosed)
}
