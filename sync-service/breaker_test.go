package main

import (
	"testing"
	"time"
)

// expire backdates the open timestamp so tests do not sleep through a real
// cooldown.
func expire(cb *CircuitBreaker) {
	cb.mu.Lock()
	cb.openedAt = time.Now().Add(-time.Hour)
	cb.mu.Unlock()
}

func TestCircuitBreaker_FailureThreshold(t *testing.T) {
	tests := []struct {
		name        string
		maxFailures int
		failures    int
		want        CircuitBreakerState
	}{
		{"no failures stays closed", 3, 0, CircuitBreakerClosed},
		{"below threshold stays closed", 3, 2, CircuitBreakerClosed},
		{"at threshold trips open", 3, 3, CircuitBreakerOpen},
		{"single failure threshold", 1, 1, CircuitBreakerOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(tt.maxFailures, 30)
			for i := 0; i < tt.failures; i++ {
				cb.RecordFailure()
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state after %d failures = %v, want %v", tt.failures, got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(2, 30)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != CircuitBreakerClosed {
		t.Error("breaker tripped on non-consecutive failures")
	}
	if !cb.Allow() {
		t.Error("closed breaker refused a call")
	}
}

func TestCircuitBreaker_OpenBlocksUntilCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 30)
	cb.RecordFailure()

	if cb.Allow() {
		t.Fatal("open breaker allowed a call before cooldown")
	}

	expire(cb)
	if !cb.Allow() {
		t.Fatal("breaker refused the trial call after cooldown")
	}
	if cb.State() != CircuitBreakerHalfOpen {
		t.Errorf("state after cooldown = %v, want half-open", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenOutcome(t *testing.T) {
	tests := []struct {
		name    string
		outcome func(*CircuitBreaker)
		want    CircuitBreakerState
	}{
		{"success closes", (*CircuitBreaker).RecordSuccess, CircuitBreakerClosed},
		{"failure reopens", (*CircuitBreaker).RecordFailure, CircuitBreakerOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(3, 30)
			for i := 0; i < 3; i++ {
				cb.RecordFailure()
			}
			expire(cb)
			if !cb.Allow() {
				t.Fatal("trial call was not admitted")
			}

			tt.outcome(cb)
			if got := cb.State(); got != tt.want {
				t.Errorf("state after trial call = %v, want %v", got, tt.want)
			}
		})
	}
}
