package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestExecutor(maxJobs int, jobTimeout time.Duration) *Executor {
	return New(Config{
		MaxConcurrentJobs: maxJobs,
		JobTimeout:        jobTimeout,
		KillGrace:         50 * time.Millisecond,
	})
}

func sleepTask(d time.Duration) Task {
	return func(ctx context.Context) (Output, error) {
		select {
		case <-time.After(d):
			return Output{Stdout: "done"}, nil
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}
}

func TestExecutor_SubmitAndResult(t *testing.T) {
	e := newTestExecutor(4, time.Second)
	defer e.Close()
	ctx := context.Background()

	jobID, err := e.Submit(ctx, func(ctx context.Context) (Output, error) {
		return Output{Stdout: "hello", ExitCode: 0}, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := e.Result(ctx, jobID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("Expected StatusCompleted, got %s", result.Status)
	}
	if result.Stdout != "hello" {
		t.Errorf("Expected stdout hello, got %q", result.Stdout)
	}
}

func TestExecutor_TaskErrorMeansFailed(t *testing.T) {
	e := newTestExecutor(4, time.Second)
	defer e.Close()
	ctx := context.Background()

	jobID, err := e.Submit(ctx, func(ctx context.Context) (Output, error) {
		return Output{ExitCode: 2}, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := e.Result(ctx, jobID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("Expected StatusFailed, got %s", result.Status)
	}
	if result.ExitCode != 2 {
		t.Errorf("Expected exit code 2, got %d", result.ExitCode)
	}
	if result.Err == nil {
		t.Error("Expected the task error to be preserved")
	}
}

func TestExecutor_NonZeroExitWithoutErrorMeansFailed(t *testing.T) {
	e := newTestExecutor(4, time.Second)
	defer e.Close()

	jobID, err := e.Submit(context.Background(), func(ctx context.Context) (Output, error) {
		return Output{ExitCode: 1}, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, _ := e.Result(context.Background(), jobID)
	if result.Status != StatusFailed {
		t.Errorf("Expected StatusFailed for non-zero exit, got %s", result.Status)
	}
}

func TestExecutor_ConcurrencyCapHolds(t *testing.T) {
	const maxJobs = 4
	e := newTestExecutor(maxJobs, 5*time.Second)
	defer e.Close()
	ctx := context.Background()

	var running, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobID, err := e.Submit(ctx, func(ctx context.Context) (Output, error) {
				n := running.Add(1)
				for {
					m := peak.Load()
					if n <= m || peak.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return Output{}, nil
			})
			if err != nil {
				t.Errorf("Submit failed: %v", err)
				return
			}
			if _, err := e.Result(ctx, jobID); err != nil {
				t.Errorf("Result failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() > maxJobs {
		t.Errorf("Observed %d concurrent jobs, cap is %d", peak.Load(), maxJobs)
	}

	stats := e.Stats()
	if stats.Completed != 20 {
		t.Errorf("Expected 20 completed jobs, got %d", stats.Completed)
	}
	if stats.Running != 0 {
		t.Errorf("Expected 0 running jobs after drain, got %d", stats.Running)
	}
}

func TestExecutor_JobTimeout(t *testing.T) {
	e := newTestExecutor(4, 50*time.Millisecond)
	defer e.Close()
	ctx := context.Background()

	jobID, err := e.Submit(ctx, sleepTask(5*time.Second))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := e.Result(ctx, jobID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if result.Status != StatusTimedOut {
		t.Errorf("Expected StatusTimedOut, got %s", result.Status)
	}
}

func TestExecutor_CancelMeansKilled(t *testing.T) {
	e := newTestExecutor(4, time.Minute)
	defer e.Close()
	ctx := context.Background()

	jobID, err := e.Submit(ctx, sleepTask(time.Minute))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := e.Cancel(jobID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	result, err := e.Result(ctx, jobID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if result.Status != StatusKilled {
		t.Errorf("Expected StatusKilled, got %s", result.Status)
	}
}

func TestExecutor_TerminalStateIsMonotonic(t *testing.T) {
	e := newTestExecutor(4, time.Second)
	defer e.Close()
	ctx := context.Background()

	jobID, err := e.Submit(ctx, func(ctx context.Context) (Output, error) {
		return Output{}, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	first, _ := e.Result(ctx, jobID)
	if first.Status != StatusCompleted {
		t.Fatalf("Expected StatusCompleted, got %s", first.Status)
	}

	// Cancelling a finished job must not change its terminal state
	if err := e.Cancel(jobID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	second, _ := e.Result(ctx, jobID)
	if second.Status != StatusCompleted {
		t.Errorf("Terminal state changed from %s to %s", first.Status, second.Status)
	}
}

func TestExecutor_WaitGroupAggregates(t *testing.T) {
	e := newTestExecutor(4, time.Second)
	defer e.Close()
	ctx := context.Background()

	if _, err := e.Submit(ctx, func(ctx context.Context) (Output, error) {
		return Output{}, nil
	}, WithGroup("run-1")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := e.Submit(ctx, func(ctx context.Context) (Output, error) {
		return Output{ExitCode: 1}, errors.New("boom")
	}, WithGroup("run-1")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := e.Submit(ctx, sleepTask(5*time.Second), WithGroup("run-1"), WithTimeout(30*time.Millisecond)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := e.WaitGroup(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("WaitGroup failed: %v", err)
	}

	if result.Total != 3 {
		t.Errorf("Expected 3 jobs, got %d", result.Total)
	}
	if result.Completed != 1 || result.Failed != 1 || result.TimedOut != 1 {
		t.Errorf("Unexpected aggregation: completed=%d failed=%d timed_out=%d killed=%d",
			result.Completed, result.Failed, result.TimedOut, result.Killed)
	}
}

func TestExecutor_WaitGroupTimeoutKillsStragglers(t *testing.T) {
	e := newTestExecutor(4, time.Minute)
	defer e.Close()
	ctx := context.Background()

	if _, err := e.Submit(ctx, func(ctx context.Context) (Output, error) {
		return Output{}, nil
	}, WithGroup("run-2")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := e.Submit(ctx, sleepTask(time.Minute), WithGroup("run-2")); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	start := time.Now()
	result, err := e.WaitGroup(ctx, "run-2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitGroup failed: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("WaitGroup took far longer than its timeout")
	}

	if result.Completed != 1 {
		t.Errorf("Expected 1 completed job, got %d", result.Completed)
	}
	if result.Killed != 2 {
		t.Errorf("Expected 2 killed stragglers, got %d", result.Killed)
	}
}

func TestExecutor_WaitGroupUnknownGroup(t *testing.T) {
	e := newTestExecutor(4, time.Second)
	defer e.Close()

	if _, err := e.WaitGroup(context.Background(), "nope", 0); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("Expected ErrGroupNotFound, got %v", err)
	}
}

func TestExecutor_OnTransitionHookObservesLifecycle(t *testing.T) {
	var mu sync.Mutex
	transitions := make(map[string][]Status)

	e := New(Config{
		MaxConcurrentJobs: 2,
		JobTimeout:        time.Second,
		OnTransition: func(jobID string, from, to Status) {
			mu.Lock()
			transitions[jobID] = append(transitions[jobID], to)
			mu.Unlock()
		},
	})
	defer e.Close()

	jobID, err := e.Submit(context.Background(), func(ctx context.Context) (Output, error) {
		return Output{}, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := e.Result(context.Background(), jobID); err != nil {
		t.Fatalf("Result failed: %v", err)
	}

	mu.Lock()
	got := transitions[jobID]
	mu.Unlock()

	want := []Status{StatusRunning, StatusCompleted}
	if len(got) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected transitions %v, got %v", want, got)
		}
	}
}

func TestExecutor_ResultUnknownJob(t *testing.T) {
	e := newTestExecutor(4, time.Second)
	defer e.Close()

	if _, err := e.Result(context.Background(), "job-999"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestExecutor_CloseRejectsSubmit(t *testing.T) {
	e := newTestExecutor(4, time.Second)
	e.Close()

	if _, err := e.Submit(context.Background(), sleepTask(time.Millisecond)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestCommand_CapturesOutput(t *testing.T) {
	e := newTestExecutor(2, 5*time.Second)
	defer e.Close()
	ctx := context.Background()

	jobID, err := e.Submit(ctx, e.Command("sh", "-c", "echo out; echo err >&2"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := e.Result(ctx, jobID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("Expected StatusCompleted, got %s (err=%v)", result.Status, result.Err)
	}
	if result.Stdout != "out\n" {
		t.Errorf("Expected stdout %q, got %q", "out\n", result.Stdout)
	}
	if result.Stderr != "err\n" {
		t.Errorf("Expected stderr %q, got %q", "err\n", result.Stderr)
	}
}

func TestCommand_NonZeroExit(t *testing.T) {
	e := newTestExecutor(2, 5*time.Second)
	defer e.Close()
	ctx := context.Background()

	jobID, err := e.Submit(ctx, e.Command("sh", "-c", "exit 3"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, _ := e.Result(ctx, jobID)
	if result.Status != StatusFailed {
		t.Errorf("Expected StatusFailed, got %s", result.Status)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
}

func TestCommand_TimeoutTerminatesProcess(t *testing.T) {
	e := newTestExecutor(2, 100*time.Millisecond)
	defer e.Close()
	ctx := context.Background()

	start := time.Now()
	jobID, err := e.Submit(ctx, e.Command("sleep", "30"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := e.Result(ctx, jobID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if result.Status != StatusTimedOut {
		t.Errorf("Expected StatusTimedOut, got %s", result.Status)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Process was not terminated promptly after the timeout")
	}
}
