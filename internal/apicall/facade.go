// Package apicall is the integration facade: cached, pooled, rate-limited
// execution of AWS operations, single calls and ordered batches.
package apicall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gatti/awsperf/internal/cache"
	"github.com/gatti/awsperf/internal/executor"
	"github.com/gatti/awsperf/internal/platform/observability"
	"github.com/gatti/awsperf/internal/platform/resilience"
	"github.com/gatti/awsperf/internal/pool"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// Op performs the actual AWS call over the given HTTP client and returns
// the response payload to cache.
type Op func(ctx context.Context, client *http.Client) ([]byte, error)

// Request describes one cached call.
type Request struct {
	// ID correlates the request with its batch result; optional for
	// single calls
	ID string

	// Key is the cache key; identical keys share one in-flight call
	Key string

	// Category picks a TTL preset when TTL is zero
	Category string

	// TTL overrides the category preset
	TTL time.Duration

	Service string
	Region  string

	Op Op
}

// Result is one entry of a batch response, in input order.
type Result struct {
	ID        string
	Value     []byte
	FromCache bool
	Err       error
}

// Config holds facade configuration.
type Config struct {
	Cache    *cache.Tiered
	Pool     *pool.Pool
	Executor *executor.Executor

	// Limiter, when set, throttles cache misses before they reach AWS
	Limiter *resilience.RateLimiter

	// ValidationRetries bounds internal retries when acquisition fails on
	// connection validation (default 2)
	ValidationRetries int

	// BatchTimeout bounds a whole batch; stragglers are killed when it
	// elapses. Zero means per-job timeouts only.
	BatchTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// Facade ties the cache engine, connection pool and executor together.
type Facade struct {
	cache    *cache.Tiered
	pool     *pool.Pool
	executor *executor.Executor
	limiter  *resilience.RateLimiter

	validationRetries int
	batchTimeout      time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer

	group   singleflight.Group
	batchID atomic.Uint64
}

// New creates the facade.
func New(cfg Config) (*Facade, error) {
	if cfg.Cache == nil {
		return nil, errors.New("apicall: cache is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("apicall: pool is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("apicall: executor is required")
	}
	if cfg.ValidationRetries <= 0 {
		cfg.ValidationRetries = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.Metrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Facade{
		cache:             cfg.Cache,
		pool:              cfg.Pool,
		executor:          cfg.Executor,
		limiter:           cfg.Limiter,
		validationRetries: cfg.ValidationRetries,
		batchTimeout:      cfg.BatchTimeout,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		tracer:            cfg.Tracer,
	}, nil
}

// CachedCall returns the cached value for the request's key, or invokes the
// operation on a pooled connection and caches the result. Concurrent calls
// for the same key share one invocation.
func (f *Facade) CachedCall(ctx context.Context, req Request) ([]byte, error) {
	value, _, err := f.cachedCall(ctx, req)
	return value, err
}

func (f *Facade) cachedCall(ctx context.Context, req Request) ([]byte, bool, error) {
	if err := f.check(req); err != nil {
		return nil, false, err
	}

	start := time.Now()
	endpointKey := req.Service + ":" + req.Region

	ctx, span := f.tracer.StartSpan(ctx, "apicall.cached_call",
		attribute.String("aws.service", req.Service),
		attribute.String("aws.region", req.Region),
		attribute.String("cache.key", req.Key),
	)
	defer span.End()

	if value, err := f.cache.Get(ctx, req.Key); err == nil {
		span.AddEvent("cache_hit")
		f.metrics.RecordAPICall(ctx, endpointKey, "cache_hit", time.Since(start))
		return value, true, nil
	}

	value, err, _ := f.group.Do(req.Key, func() (any, error) {
		return f.fetch(ctx, req)
	})
	if err != nil {
		span.NoticeError(err)
		f.metrics.RecordAPICall(ctx, endpointKey, Classify(err).String(), time.Since(start))
		return nil, false, err
	}

	f.metrics.RecordAPICall(ctx, endpointKey, "success", time.Since(start))
	return value.([]byte), false, nil
}

// fetch runs the operation against AWS and writes the result to the cache.
func (f *Facade) fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindInternal, Op: "rate_limit", Err: err}
		}
	}

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = f.validationRetries + 1

	value, err := resilience.RetryIfWithResult(ctx, retryCfg,
		func(err error) bool { return errors.Is(err, pool.ErrValidationFailed) },
		func(ctx context.Context) ([]byte, error) {
			return f.callOnce(ctx, req)
		})
	if err != nil {
		if kind := Classify(err); kind != KindInternal {
			return nil, &Error{Kind: kind, Op: "invoke", Err: err}
		}
		return nil, &Error{Kind: KindJobFailed, Op: "invoke", Err: err}
	}

	if cerr := f.cache.Set(ctx, req.Key, value, cache.SetOptions{
		TTL:      req.TTL,
		Category: req.Category,
	}); cerr != nil {
		// The call itself succeeded; the caller gets the value either way.
		f.logger.LogWarn(ctx, "failed to cache call result", "key", req.Key, "error", cerr)
	}

	return value, nil
}

// callOnce acquires a connection, runs the operation once and releases the
// connection. Exhaustion falls back to a one-shot unpooled client.
func (f *Facade) callOnce(ctx context.Context, req Request) ([]byte, error) {
	conn, err := f.pool.Acquire(ctx, req.Service, req.Region)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			f.logger.LogDebug(ctx, "pool exhausted, falling back to unpooled call",
				"service", req.Service, "region", req.Region)
			return req.Op(ctx, &http.Client{Timeout: 30 * time.Second})
		}
		return nil, err
	}

	value, err := req.Op(ctx, conn.Client())
	if err != nil {
		conn.MarkBroken()
	}
	f.pool.Release(conn)
	return value, err
}

// CachedCallBatch runs the requests through the executor under its
// concurrency cap and returns results in input order. A batch timeout kills
// stragglers, which surface as retryable job_killed errors.
func (f *Facade) CachedCallBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	ctx, span := f.tracer.StartSpan(ctx, "apicall.cached_call_batch",
		attribute.Int("batch.size", len(reqs)))
	defer span.End()

	groupID := fmt.Sprintf("batch-%d", f.batchID.Add(1))
	results := make([]Result, len(reqs))
	jobIDs := make([]string, len(reqs))

	for i, req := range reqs {
		results[i].ID = req.ID
		if err := f.check(req); err != nil {
			results[i].Err = err
			continue
		}

		req := req
		idx := i
		jobID, err := f.executor.Submit(ctx, func(jobCtx context.Context) (executor.Output, error) {
			value, fromCache, callErr := f.cachedCall(jobCtx, req)
			if callErr != nil {
				return executor.Output{ExitCode: 1}, callErr
			}
			results[idx].Value = value
			results[idx].FromCache = fromCache
			return executor.Output{}, nil
		}, executor.WithGroup(groupID))
		if err != nil {
			results[i].Err = &Error{Kind: KindJobKilled, Op: "submit", Err: err}
			continue
		}
		jobIDs[i] = jobID
	}

	group, err := f.executor.WaitGroup(ctx, groupID, f.batchTimeout)
	if err != nil {
		if errors.Is(err, executor.ErrGroupNotFound) {
			// Every submission failed before a job was registered.
			return results, nil
		}
		span.NoticeError(err)
		return results, err
	}

	byID := make(map[string]executor.JobResult, len(group.Jobs))
	for _, jr := range group.Jobs {
		byID[jr.ID] = jr
	}

	for i, jobID := range jobIDs {
		if jobID == "" || results[i].Err != nil {
			continue
		}
		jr, ok := byID[jobID]
		if !ok {
			continue
		}
		switch jr.Status {
		case executor.StatusCompleted:
		case executor.StatusTimedOut:
			results[i].Err = &Error{Kind: KindJobTimedOut, Op: "batch", Err: jr.Err}
		case executor.StatusKilled:
			results[i].Err = &Error{Kind: KindJobKilled, Op: "batch", Err: jr.Err}
		default:
			if kind := Classify(jr.Err); kind != KindInternal {
				results[i].Err = &Error{Kind: kind, Op: "batch", Err: jr.Err}
			} else {
				results[i].Err = &Error{Kind: KindJobFailed, Op: "batch", Err: jr.Err}
			}
		}
	}

	return results, nil
}

// Invalidate drops the key from every cache tier.
func (f *Facade) Invalidate(ctx context.Context, key string) error {
	return f.cache.Delete(ctx, key)
}

func (f *Facade) check(req Request) error {
	if req.Key == "" {
		return &Error{Kind: KindInternal, Op: "validate", Err: errors.New("empty cache key")}
	}
	if req.Service == "" || req.Region == "" {
		return &Error{Kind: KindInternal, Op: "validate", Err: errors.New("service and region are required")}
	}
	if req.Op == nil {
		return &Error{Kind: KindInternal, Op: "validate", Err: errors.New("nil operation")}
	}
	return nil
}
