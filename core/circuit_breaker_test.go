package core

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerOptions{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v before threshold", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if cb.CanExecute() {
		t.Error("open breaker admitted a request")
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerOptions{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	// Non-consecutive failures never open the circuit.
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerOptions{
		FailureThreshold: 1,
		SleepWindow:      10 * time.Millisecond,
	})

	cb.RecordFailure()
	if cb.CanExecute() {
		t.Fatal("open breaker admitted a request")
	}

	time.Sleep(15 * time.Millisecond)

	// One probe goes through, concurrent requests are still rejected.
	if !cb.CanExecute() {
		t.Fatal("breaker did not admit a probe after the sleep window")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	if cb.CanExecute() {
		t.Error("second request admitted while probe in flight")
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state = %v after successful probe", cb.State())
	}
	if !cb.CanExecute() {
		t.Error("closed breaker rejected a request")
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerOptions{
		FailureThreshold: 1,
		SleepWindow:      10 * time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatal("probe not admitted")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", cb.State())
	}
	if cb.CanExecute() {
		t.Error("reopened breaker admitted a request")
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.state, got, tt.want)
		}
	}
}
