package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatti/awsperf/internal/apicall"
	"github.com/gatti/awsperf/internal/cache"
	"github.com/gatti/awsperf/internal/executor"
	"github.com/gatti/awsperf/internal/notification"
	"github.com/gatti/awsperf/internal/platform/aws"
	"github.com/gatti/awsperf/internal/platform/config"
	"github.com/gatti/awsperf/internal/platform/observability"
	"github.com/gatti/awsperf/internal/pool"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	log.Println("Loading configuration...")
	cfg := config.MustLoad(os.Getenv("AWSPERF_CONFIG"))

	// Setup observability (foundational - must be first)
	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics("awsperf-agent", cfg.Observability.Metrics.Enabled)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	tracerProvider, err := observability.NewTracerProvider(ctx, "awsperf-agent",
		cfg.Observability.Tracing.Endpoint, cfg.Observability.Tracing.Enabled)
	if err != nil {
		log.Fatalf("Failed to create tracer: %v", err)
	}
	defer tracerProvider.Shutdown(ctx)

	logger.Info("observability setup complete")

	// Cache engine: fast tier plus the configured persistent backend
	logger.Info("setting up cache engine...", "backend", cfg.Cache.Backend)

	fastTier := cache.NewMemory(cache.MemoryConfig{
		MaxItems:      cfg.Cache.FastMaxItems,
		MaxBytes:      cfg.Cache.FastMaxBytes,
		SweepInterval: cfg.Cache.SweepInterval,
	})

	persistent, err := buildPersistentTier(ctx, cfg, logger)
	if err != nil {
		logger.LogError(ctx, "failed to create persistent cache tier", err)
		log.Fatalf("Failed to create persistent cache tier: %v", err)
	}

	engine := cache.NewTiered(cache.TieredConfig{
		Fast:              fastTier,
		Persistent:        persistent,
		Resolver:          cache.NewTTLResolver(cfg.Cache.TTLCategories, cfg.Cache.DefaultTTL),
		PromoteThreshold:  cfg.Cache.PromoteThreshold,
		FastValueMaxBytes: cfg.Cache.FastValueMaxBytes,
		Logger:            logger,
		Metrics:           metrics,
	})
	defer engine.Close()

	// Connection pool
	logger.Info("setting up connection pool...")
	connPool := pool.New(pool.Config{
		MaxPerEndpoint:    cfg.Pool.MaxPerEndpoint,
		MaxIdle:           cfg.Pool.MaxIdle,
		ConnectTimeout:    cfg.Pool.ConnectTimeout,
		ValidateTimeout:   cfg.Pool.ValidateTimeout,
		KeepAliveInterval: cfg.Pool.KeepAliveInterval,
		AcquireTimeout:    cfg.Pool.AcquireTimeout,
		Block:             cfg.Pool.Block,
		EndpointOverride:  cfg.AWS.Endpoint,
		Logger:            logger,
		Metrics:           metrics,
	})
	defer connPool.Close()

	// Parallel executor
	exec := executor.New(executor.Config{
		MaxConcurrentJobs: cfg.Executor.MaxConcurrentJobs,
		JobTimeout:        cfg.Executor.JobTimeout,
		KillGrace:         cfg.Executor.KillGrace,
		Logger:            logger,
		Metrics:           metrics,
	})
	defer exec.Close()

	// Integration facade
	facade, err := apicall.New(apicall.Config{
		Cache:    engine,
		Pool:     connPool,
		Executor: exec,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   observability.NewTracer("awsperf-agent"),
	})
	if err != nil {
		log.Fatalf("Failed to create facade: %v", err)
	}

	// Run report publisher: SNS when a topic is configured, logs otherwise
	var publisher notification.ReportPublisher
	if cfg.AWS.SNSTopicARN != "" {
		awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
			Region:       cfg.AWS.Region,
			BaseEndpoint: cfg.AWS.Endpoint,
		})
		if err != nil {
			logger.LogError(ctx, "failed to load AWS config", err)
			log.Fatalf("Failed to load AWS config: %v", err)
		}

		publisher, err = notification.NewPublisher(notification.PublisherConfig{
			SNSClient: aws.NewSNSClient(aws.SNSClientConfig{
				AWSConfig: awsCfg,
				Logger:    logger,
				Metrics:   metrics,
			}),
			TopicARN: cfg.AWS.SNSTopicARN,
			Logger:   logger,
		})
		if err != nil {
			log.Fatalf("Failed to create publisher: %v", err)
		}
	} else {
		publisher = notification.NewNoOpPublisher(logger)
	}

	// Prime the cache with the configured warmup requests
	runWarmup(ctx, cfg, facade, logger)

	// HTTP server for health checks, metrics, stats and batch calls
	logger.Info("starting HTTP server...")
	go startHTTPServer(cfg.HTTP.Port, engine, connPool, exec, facade, publisher, cfg.AWS.Endpoint, metrics, logger)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("agent started")
	<-sigCh
	logger.Info("shutdown signal received, gracefully stopping...")
}

// buildPersistentTier creates the persistent cache backend, or nil for
// memory-only operation.
func buildPersistentTier(ctx context.Context, cfg *config.Config, logger *observability.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "disk":
		return cache.NewDisk(cfg.Cache.Dir)
	case "redis":
		return cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	case "dynamodb":
		awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
			Region:       cfg.AWS.Region,
			BaseEndpoint: cfg.AWS.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return cache.NewDynamoFromConfig(awsCfg, cfg.Cache.DynamoDBTable), nil
	case "none":
		logger.Info("persistent cache tier disabled, running memory-only")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
	}
}

// runWarmup primes the cache with the requests declared in the warmup
// config section. Failures are logged, never fatal.
func runWarmup(ctx context.Context, cfg *config.Config, facade *apicall.Facade, logger *observability.Logger) {
	if !cfg.Warmup.Enabled || len(cfg.Warmup.Requests) == 0 {
		return
	}

	reqs := make([]apicall.Request, 0, len(cfg.Warmup.Requests))
	for _, wr := range cfg.Warmup.Requests {
		reqs = append(reqs, apicall.Request{
			ID:       wr.Key,
			Key:      wr.Key,
			Category: wr.Category,
			TTL:      wr.TTL,
			Service:  wr.Service,
			Region:   wr.Region,
			Op:       fetchOp(cfg.AWS.Endpoint, wr.Service, wr.Region, wr.Path),
		})
	}

	warmer := cache.NewWarmer(logger, cache.WarmupConfig{
		Timeout:         cfg.Warmup.Timeout,
		Parallel:        cfg.Warmup.Parallel,
		ContinueOnError: true,
	})
	warmer.RegisterProvider(apicall.NewWarmupProvider("startup", facade, reqs))

	results := warmer.Warmup(ctx)
	if results.HasErrors() {
		logger.Warn("cache warmup finished with errors", "errors", results.Errors)
		return
	}
	logger.Info("cache warmup complete", "providers", len(results.Results))
}

// fetchOp builds the operation for one AWS GET call. override, when
// non-empty, routes the call to a fixed base URL (LocalStack and tests).
func fetchOp(override, service, region, path string) apicall.Op {
	base := override
	if base == "" {
		base = pool.EndpointURL(service, region)
	}

	return func(ctx context.Context, client *http.Client) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("%s %s returned %s", service, path, resp.Status)
		}
		return body, nil
	}
}

// batchCallRequest is one entry of a POST /v1/batch body.
type batchCallRequest struct {
	ID         string `json:"id"`
	Key        string `json:"key"`
	Category   string `json:"category,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
	Service    string `json:"service"`
	Region     string `json:"region"`
	Path       string `json:"path"`
}

// batchCallResult is one entry of the /v1/batch response, in input order.
type batchCallResult struct {
	ID        string `json:"id"`
	Value     []byte `json:"value,omitempty"`
	FromCache bool   `json:"from_cache"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// newBatchHandler serves POST /v1/batch: it fans the calls out through the
// facade and publishes a run report once the group completes.
func newBatchHandler(
	facade *apicall.Facade,
	engine *cache.Tiered,
	publisher notification.ReportPublisher,
	endpointOverride string,
	logger *observability.Logger,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var calls []batchCallRequest
		if err := json.NewDecoder(r.Body).Decode(&calls); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if len(calls) == 0 {
			http.Error(w, "empty batch", http.StatusBadRequest)
			return
		}

		startedAt := time.Now()
		runID := fmt.Sprintf("run-%d", startedAt.UnixNano())

		reqs := make([]apicall.Request, len(calls))
		for i, c := range calls {
			reqs[i] = apicall.Request{
				ID:       c.ID,
				Key:      c.Key,
				Category: c.Category,
				TTL:      time.Duration(c.TTLSeconds) * time.Second,
				Service:  c.Service,
				Region:   c.Region,
				Op:       fetchOp(endpointOverride, c.Service, c.Region, c.Path),
			}
		}

		results, err := facade.CachedCallBatch(r.Context(), reqs)
		if err != nil {
			logger.LogError(r.Context(), "batch call failed", err, "run_id", runID)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		publishRunReport(publisher, logger, runID, startedAt, results, engine.Stats())

		out := make([]batchCallResult, len(results))
		for i, res := range results {
			out[i] = batchCallResult{
				ID:        res.ID,
				Value:     res.Value,
				FromCache: res.FromCache,
			}
			if res.Err != nil {
				out[i].Error = res.Err.Error()
				out[i].Retryable = apicall.Retryable(res.Err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// publishRunReport summarizes the batch outcome and publishes it in the
// background so a slow SNS call never delays the response.
func publishRunReport(
	publisher notification.ReportPublisher,
	logger *observability.Logger,
	runID string,
	startedAt time.Time,
	results []apicall.Result,
	stats cache.Stats,
) {
	group := executor.GroupResult{Total: len(results)}
	for _, res := range results {
		if res.Err == nil {
			group.Completed++
			continue
		}
		var apiErr *apicall.Error
		switch {
		case errors.As(res.Err, &apiErr) && apiErr.Kind == apicall.KindJobTimedOut:
			group.TimedOut++
		case errors.As(res.Err, &apiErr) && apiErr.Kind == apicall.KindJobKilled:
			group.Killed++
		default:
			group.Failed++
		}
	}

	report := notification.NewReport(runID, startedAt, group, stats)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := publisher.PublishReport(ctx, report); err != nil {
			logger.LogError(ctx, "failed to publish run report", err, "run_id", runID)
		}
	}()
}

// startHTTPServer starts HTTP server for health checks, metrics, stats and
// batch calls
func startHTTPServer(
	port int,
	engine *cache.Tiered,
	connPool *pool.Pool,
	exec *executor.Executor,
	facade *apicall.Facade,
	publisher notification.ReportPublisher,
	endpointOverride string,
	metrics *observability.Metrics,
	logger *observability.Logger,
) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"cache":    engine.Stats(),
			"pool":     connPool.Stats(),
			"executor": exec.Stats(),
		})
	})

	mux.HandleFunc("/v1/batch", newBatchHandler(facade, engine, publisher, endpointOverride, logger))

	mux.Handle("/metrics", metrics.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("HTTP server listening", "address", addr)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.LogError(context.Background(), "HTTP server error", err)
	}
}
