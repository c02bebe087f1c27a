package main

import (
	"sync"
	"time"
)

type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

// CircuitBreaker shields the collaborator pipeline: after enough consecutive
// publish failures it stops trying for a cooldown, then lets one probe
// through.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
}

// NewCircuitBreaker trips open after maxFailures consecutive failures and
// allows a probe after cooldownSeconds.
func NewCircuitBreaker(maxFailures, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    time.Duration(cooldownSeconds) * time.Second,
	}
}

// Allow reports whether a call may proceed. In the open state it transitions
// to half-open once the cooldown has passed, admitting a single probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = CircuitBreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitBreakerClosed
	cb.failures = 0
}

// RecordFailure counts a failure, tripping the breaker when the threshold is
// reached. A failure in half-open reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitBreakerHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = CircuitBreakerOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
