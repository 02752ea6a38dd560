package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	})

	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing); err == nil {
			t.Fatal("Expected failure")
		}
	}

	if cb.State() != StateOpen {
		t.Errorf("Expected StateOpen after %d failures, got %s", 3, cb.State())
	}

	if err := cb.Execute(context.Background(), failing); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		Timeout:          time.Minute,
	})

	failing := func(ctx context.Context) error { return errors.New("boom") }
	ok := func(ctx context.Context) error { return nil }

	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), ok)
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), failing)

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
	})

	cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %s", cb.State())
	}

	time.Sleep(40 * time.Millisecond)

	ok := func(ctx context.Context) error { return nil }

	// First probe moves the breaker to half-open
	if err := cb.Execute(context.Background(), ok); err != nil {
		t.Fatalf("Expected probe to pass after cool-down: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected StateHalfOpen, got %s", cb.State())
	}

	// Second success closes it
	if err := cb.Execute(context.Background(), ok); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after recovery, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
	})

	failing := func(ctx context.Context) error { return errors.New("boom") }

	cb.Execute(context.Background(), failing)
	time.Sleep(40 * time.Millisecond)

	cb.Execute(context.Background(), failing)
	if cb.State() != StateOpen {
		t.Errorf("Expected half-open failure to reopen the breaker, got %s", cb.State())
	}
}

func TestCircuitBreaker_ContextErrorsDoNotCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		Timeout:          time.Minute,
	})

	cb.Execute(context.Background(), func(ctx context.Context) error { return context.Canceled })
	cb.Execute(context.Background(), func(ctx context.Context) error { return context.DeadlineExceeded })

	if cb.State() != StateClosed {
		t.Errorf("Expected context errors to be ignored, got %s", cb.State())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		Timeout:          time.Minute,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("Unexpected transitions: %v", transitions)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		Timeout:          time.Hour,
	})

	cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after reset, got %s", cb.State())
	}
}
