package core

import (
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker shields the registry client from a dead directory: a
// run of consecutive failures opens the circuit, registry calls then
// fail fast until the sleep window elapses and a probe succeeds. Only
// transport-level failures count; a 404 is a valid answer.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	sleepWindow      time.Duration
	logger           Logger

	mu           sync.Mutex
	state        CircuitState
	failures     int
	lastFailure  time.Time
	halfOpenBusy bool
}

// CircuitBreakerOptions configures a CircuitBreaker.
type CircuitBreakerOptions struct {
	Name             string
	FailureThreshold int
	SleepWindow      time.Duration
	Logger           Logger
}

// NewCircuitBreaker creates a circuit breaker with sensible defaults:
// 5 consecutive failures open the circuit for 30 seconds.
func NewCircuitBreaker(opts CircuitBreakerOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SleepWindow <= 0 {
		opts.SleepWindow = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	return &CircuitBreaker{
		name:             opts.Name,
		failureThreshold: opts.FailureThreshold,
		sleepWindow:      opts.SleepWindow,
		logger:           opts.Logger,
		state:            StateClosed,
	}
}

// CanExecute reports whether a request may proceed. In the open state
// it flips to half-open once the sleep window has elapsed and admits a
// single probe.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.sleepWindow {
			cb.setStateLocked(StateHalfOpen)
			cb.halfOpenBusy = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenBusy {
			return false
		}
		cb.halfOpenBusy = true
		return true
	}
	return false
}

// RecordSuccess notes a successful call and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.halfOpenBusy = false
	if cb.state != StateClosed {
		cb.setStateLocked(StateClosed)
	}
}

// RecordFailure notes a failed call. The circuit opens when the
// consecutive failure count reaches the threshold, and reopens
// immediately on a failed half-open probe.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	cb.halfOpenBusy = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(next CircuitState) {
	if cb.state == next {
		return
	}
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"name": cb.name,
		"from": cb.state.String(),
		"to":   next.String(),
	})
	cb.state = next
}
