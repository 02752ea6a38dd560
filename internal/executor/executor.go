// Package executor runs opaque units of work in parallel under a global
// concurrency cap, with per-job timeouts, group-wait semantics and
// best-effort cancellation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatti/awsperf/internal/platform/observability"
	"golang.org/x/sync/semaphore"
)

// DefaultGroup is the group jobs join when none is given.
const DefaultGroup = "default"

var (
	// ErrJobNotFound is returned for unknown job IDs
	ErrJobNotFound = errors.New("executor: job not found")

	// ErrGroupNotFound is returned for unknown group IDs
	ErrGroupNotFound = errors.New("executor: group not found")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("executor: closed")
)

// Status is the lifecycle state of a job. Terminal states are final.
type Status int

const (
	// StatusPending means the job is waiting for a concurrency slot
	StatusPending Status = iota
	// StatusRunning means the job is executing
	StatusRunning
	// StatusCompleted means the job finished successfully
	StatusCompleted
	// StatusFailed means the job returned an error or non-zero exit;
	// not retried by the core
	StatusFailed
	// StatusTimedOut means the job exceeded its own deadline; usually
	// worth retrying
	StatusTimedOut
	// StatusKilled means the job was cancelled or killed by a group
	// timeout; usually worth retrying
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s >= StatusCompleted
}

// Output is the captured result of a job's unit of work.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Task is an opaque unit of work. It must honor ctx cancellation.
type Task func(ctx context.Context) (Output, error)

// JobResult is the caller-visible view of a finished (or queried) job.
type JobResult struct {
	ID        string
	GroupID   string
	Status    Status
	Stdout    string
	Stderr    string
	ExitCode  int
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// GroupResult aggregates the terminal states of a group.
type GroupResult struct {
	Total     int
	Completed int
	Failed    int
	TimedOut  int
	Killed    int
	Jobs      []JobResult
}

// Stats is a snapshot of executor counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Killed    int64 `json:"killed"`
}

type job struct {
	id      string
	groupID string
	task    Task
	timeout time.Duration

	cancel context.CancelFunc
	killed atomic.Bool

	mu        sync.Mutex
	status    Status
	output    Output
	err       error
	startedAt time.Time
	endedAt   time.Time

	done chan struct{}
}

func (j *job) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Terminal()
}

func (j *job) result() JobResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobResult{
		ID:        j.id,
		GroupID:   j.groupID,
		Status:    j.status,
		Stdout:    j.output.Stdout,
		Stderr:    j.output.Stderr,
		ExitCode:  j.output.ExitCode,
		Err:       j.err,
		StartedAt: j.startedAt,
		EndedAt:   j.endedAt,
	}
}

// Config holds executor configuration.
type Config struct {
	// MaxConcurrentJobs caps how many jobs run at once (default 4)
	MaxConcurrentJobs int

	// JobTimeout is the per-job deadline (default 300s)
	JobTimeout time.Duration

	// KillGrace is how long a cancelled job gets between SIGTERM and
	// SIGKILL (default 500ms)
	KillGrace time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// OnTransition is invoked on every status change. Used by monitoring
	// and tests; must not block.
	OnTransition func(jobID string, from, to Status)
}

// Executor is the parallel job executor.
type Executor struct {
	sem        *semaphore.Weighted
	maxJobs    int64
	jobTimeout time.Duration
	killGrace  time.Duration

	logger       *observability.Logger
	metrics      *observability.Metrics
	onTransition func(jobID string, from, to Status)

	mu     sync.Mutex
	jobs   map[string]*job
	groups map[string][]*job
	closed bool

	nextID    atomic.Uint64
	submitted atomic.Int64
	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	killedCnt atomic.Int64
}

// New creates an executor.
func New(cfg Config) *Executor {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 300 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.Metrics{}
	}

	return &Executor{
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		maxJobs:      int64(cfg.MaxConcurrentJobs),
		jobTimeout:   cfg.JobTimeout,
		killGrace:    cfg.KillGrace,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		onTransition: cfg.OnTransition,
		jobs:         make(map[string]*job),
		groups:       make(map[string][]*job),
	}
}

// SubmitOption configures a submission.
type SubmitOption func(*job)

// WithGroup assigns the job to a group.
func WithGroup(groupID string) SubmitOption {
	return func(j *job) {
		if groupID != "" {
			j.groupID = groupID
		}
	}
}

// WithTimeout overrides the per-job timeout.
func WithTimeout(d time.Duration) SubmitOption {
	return func(j *job) {
		if d > 0 {
			j.timeout = d
		}
	}
}

// Submit registers the job and blocks until a concurrency slot is free,
// then starts execution and returns. The returned ID is valid even when an
// error is returned (the job is then terminal).
func (e *Executor) Submit(ctx context.Context, task Task, opts ...SubmitOption) (string, error) {
	j := &job{
		id:      fmt.Sprintf("job-%d", e.nextID.Add(1)),
		groupID: DefaultGroup,
		task:    task,
		timeout: e.jobTimeout,
		status:  StatusPending,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), j.timeout)
	j.cancel = cancel

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	e.jobs[j.id] = j
	e.groups[j.groupID] = append(e.groups[j.groupID], j)
	e.mu.Unlock()

	e.submitted.Add(1)
	if e.metrics.JobsSubmitted != nil {
		e.metrics.JobsSubmitted.Add(ctx, 1)
	}

	// Block for a slot. Both the caller's context and the job's own
	// cancellation (Cancel, group kill) abort the wait.
	acquireCtx, acquireCancel := mergeDone(ctx, jobCtx)
	err := e.sem.Acquire(acquireCtx, 1)
	acquireCancel()
	if err != nil {
		status := StatusKilled
		if !j.killed.Load() && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			status = StatusTimedOut
		}
		e.finish(j, Output{ExitCode: -1}, err, status)
		cancel()
		return j.id, fmt.Errorf("executor: submit aborted: %w", err)
	}

	e.transition(j, StatusRunning)
	e.running.Add(1)
	if e.metrics.JobsRunning != nil {
		e.metrics.JobsRunning.Record(ctx, e.running.Load())
	}

	go e.run(j, jobCtx)

	return j.id, nil
}

// run executes the job and records its terminal state.
func (e *Executor) run(j *job, jobCtx context.Context) {
	defer e.sem.Release(1)
	defer j.cancel()

	out, err := j.task(jobCtx)

	var status Status
	switch {
	case j.killed.Load():
		status = StatusKilled
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		status = StatusTimedOut
	case err != nil || out.ExitCode != 0:
		status = StatusFailed
	default:
		status = StatusCompleted
	}

	e.running.Add(-1)
	e.finish(j, out, err, status)
}

// finish records the terminal transition exactly once.
func (e *Executor) finish(j *job, out Output, err error, status Status) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	from := j.status
	j.status = status
	j.output = out
	j.err = err
	j.endedAt = time.Now()
	if j.startedAt.IsZero() {
		j.startedAt = j.endedAt
	}
	duration := j.endedAt.Sub(j.startedAt)
	j.mu.Unlock()

	switch status {
	case StatusCompleted:
		e.completed.Add(1)
	case StatusFailed:
		e.failed.Add(1)
	case StatusTimedOut:
		e.timedOut.Add(1)
	case StatusKilled:
		e.killedCnt.Add(1)
	}

	e.metrics.RecordJobFinished(context.Background(), status.String(), duration)
	e.logger.Debug("job finished",
		"job_id", j.id, "group_id", j.groupID, "status", status.String(),
		"duration_ms", duration.Milliseconds())

	if e.onTransition != nil {
		e.onTransition(j.id, from, status)
	}

	close(j.done)
}

func (e *Executor) transition(j *job, to Status) {
	j.mu.Lock()
	from := j.status
	j.status = to
	if to == StatusRunning {
		j.startedAt = time.Now()
	}
	j.mu.Unlock()

	if e.onTransition != nil {
		e.onTransition(j.id, from, to)
	}
}

// Result blocks until the job is terminal and returns its result.
func (e *Executor) Result(ctx context.Context, jobID string) (JobResult, error) {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	select {
	case <-j.done:
		return j.result(), nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// Cancel requests best-effort termination: the job context is cancelled
// (SIGTERM for command tasks) and the task gets the kill grace period
// before forced termination. Cancelling a terminal job is a no-op.
func (e *Executor) Cancel(jobID string) error {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	e.kill(j)
	return nil
}

func (e *Executor) kill(j *job) {
	if j.terminal() {
		return
	}
	j.killed.Store(true)
	j.cancel()
}

// WaitGroup blocks until every job in the group is terminal. When timeout
// is positive and elapses first, remaining jobs are killed and counted as
// Killed in the result.
func (e *Executor) WaitGroup(ctx context.Context, groupID string, timeout time.Duration) (GroupResult, error) {
	e.mu.Lock()
	jobs := make([]*job, len(e.groups[groupID]))
	copy(jobs, e.groups[groupID])
	e.mu.Unlock()

	if len(jobs) == 0 {
		return GroupResult{}, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	expired := false
	for _, j := range jobs {
		if expired {
			e.kill(j)
			<-j.done
			continue
		}

		select {
		case <-j.done:
		case <-timerC:
			expired = true
			for _, k := range jobs {
				e.kill(k)
			}
			<-j.done
		case <-ctx.Done():
			return GroupResult{}, ctx.Err()
		}
	}

	result := GroupResult{Total: len(jobs), Jobs: make([]JobResult, 0, len(jobs))}
	for _, j := range jobs {
		r := j.result()
		result.Jobs = append(result.Jobs, r)
		switch r.Status {
		case StatusCompleted:
			result.Completed++
		case StatusFailed:
			result.Failed++
		case StatusTimedOut:
			result.TimedOut++
		case StatusKilled:
			result.Killed++
		}
	}
	return result, nil
}

// Running returns how many jobs are currently in Running state.
func (e *Executor) Running() int64 {
	return e.running.Load()
}

// Stats returns a snapshot of executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Submitted: e.submitted.Load(),
		Running:   e.running.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		TimedOut:  e.timedOut.Load(),
		Killed:    e.killedCnt.Load(),
	}
}

// Close rejects new submissions and kills every non-terminal job.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	jobs := make([]*job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	for _, j := range jobs {
		e.kill(j)
	}
	for _, j := range jobs {
		<-j.done
	}
}

// mergeDone returns a context cancelled when either input is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
