package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("always fails")
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected the last error to be preserved, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryIf_StopsOnNonRetryable(t *testing.T) {
	sentinel := errors.New("fatal")
	calls := 0
	err := RetryIf(context.Background(), fastRetryConfig(5),
		func(err error) bool { return false },
		func(ctx context.Context) error {
			calls++
			return sentinel
		})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected the error to be preserved, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single call for a non-retryable error, got %d", calls)
	}
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	calls := 0
	value, err := RetryWithResult(context.Background(), fastRetryConfig(3), func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if value != 42 {
		t.Errorf("Expected 42, got %d", value)
	}
}

func TestRetry_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("transient")
		})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("Throttling: rate exceeded"), true},
		{errors.New("connection refused"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("AccessDenied: access denied"), false},
		{errors.New("ValidationError: invalid parameter"), false},
		{ErrCircuitOpen, false},
		{context.Canceled, false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRateLimiter_AllowAndRefill(t *testing.T) {
	rl := NewRateLimiter(100, 2)

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("Expected the burst to be available immediately")
	}
	if rl.Allow() {
		t.Error("Expected the bucket to be empty after the burst")
	}

	time.Sleep(30 * time.Millisecond) // 100/s refills within a few ms

	if !rl.Allow() {
		t.Error("Expected a token after refill")
	}
}

func TestRateLimiter_WaitBlocksUntilToken(t *testing.T) {
	rl := NewRateLimiter(50, 1)
	rl.Allow() // drain

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("Expected Wait to block for the refill")
	}
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	rl.Allow() // drain; the next token is ~17 minutes away

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}
