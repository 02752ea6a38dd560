package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metrics holds all instruments exported by the performance core.
type Metrics struct {
	meter metric.Meter

	// Cache metrics
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	CacheEvictions   metric.Int64Counter
	CachePromotions  metric.Int64Counter
	CacheWriteErrors metric.Int64Counter
	CacheItems       metric.Int64Gauge
	CacheBytes       metric.Int64Gauge

	// Connection pool metrics
	PoolAcquires       metric.Int64Counter
	PoolExhaustions    metric.Int64Counter
	PoolValidationFail metric.Int64Counter
	PoolActive         metric.Int64Gauge
	PoolIdle           metric.Int64Gauge

	// Executor metrics
	JobsSubmitted metric.Int64Counter
	JobsFinished  metric.Int64Counter
	JobsRunning   metric.Int64Gauge
	JobDuration   metric.Float64Histogram

	// Facade metrics
	APICalls        metric.Int64Counter
	APICallDuration metric.Float64Histogram

	// Error metrics
	Errors metric.Int64Counter

	exporter *prometheus.Exporter
}

// NewMetrics creates a new Metrics instance backed by a Prometheus exporter.
// When disabled, all instruments are nil and recording helpers are no-ops.
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

func (m *Metrics) initMetrics() error {
	var err error

	if m.CacheHits, err = m.meter.Int64Counter("cache_hits_total",
		metric.WithDescription("Cache hits by tier")); err != nil {
		return err
	}
	if m.CacheMisses, err = m.meter.Int64Counter("cache_misses_total",
		metric.WithDescription("Cache misses")); err != nil {
		return err
	}
	if m.CacheEvictions, err = m.meter.Int64Counter("cache_evictions_total",
		metric.WithDescription("Entries evicted from the fast tier")); err != nil {
		return err
	}
	if m.CachePromotions, err = m.meter.Int64Counter("cache_promotions_total",
		metric.WithDescription("Entries promoted from persistent to fast tier")); err != nil {
		return err
	}
	if m.CacheWriteErrors, err = m.meter.Int64Counter("cache_write_errors_total",
		metric.WithDescription("Persistent tier write failures (degraded to memory-only)")); err != nil {
		return err
	}
	if m.CacheItems, err = m.meter.Int64Gauge("cache_items",
		metric.WithDescription("Current entry count by tier")); err != nil {
		return err
	}
	if m.CacheBytes, err = m.meter.Int64Gauge("cache_bytes",
		metric.WithDescription("Current byte size by tier")); err != nil {
		return err
	}

	if m.PoolAcquires, err = m.meter.Int64Counter("pool_acquires_total",
		metric.WithDescription("Connection acquisitions by endpoint")); err != nil {
		return err
	}
	if m.PoolExhaustions, err = m.meter.Int64Counter("pool_exhaustions_total",
		metric.WithDescription("Acquisitions rejected because the per-endpoint cap was reached")); err != nil {
		return err
	}
	if m.PoolValidationFail, err = m.meter.Int64Counter("pool_validation_failures_total",
		metric.WithDescription("Connection liveness check failures")); err != nil {
		return err
	}
	if m.PoolActive, err = m.meter.Int64Gauge("pool_active_connections",
		metric.WithDescription("Active connections by endpoint")); err != nil {
		return err
	}
	if m.PoolIdle, err = m.meter.Int64Gauge("pool_idle_connections",
		metric.WithDescription("Idle connections by endpoint")); err != nil {
		return err
	}

	if m.JobsSubmitted, err = m.meter.Int64Counter("executor_jobs_submitted_total",
		metric.WithDescription("Jobs submitted to the executor")); err != nil {
		return err
	}
	if m.JobsFinished, err = m.meter.Int64Counter("executor_jobs_finished_total",
		metric.WithDescription("Jobs reaching a terminal status")); err != nil {
		return err
	}
	if m.JobsRunning, err = m.meter.Int64Gauge("executor_jobs_running",
		metric.WithDescription("Jobs currently running")); err != nil {
		return err
	}
	if m.JobDuration, err = m.meter.Float64Histogram("executor_job_duration_seconds",
		metric.WithDescription("Job execution duration")); err != nil {
		return err
	}

	if m.APICalls, err = m.meter.Int64Counter("api_calls_total",
		metric.WithDescription("Facade calls by outcome")); err != nil {
		return err
	}
	if m.APICallDuration, err = m.meter.Float64Histogram("api_call_duration_seconds",
		metric.WithDescription("End-to-end facade call duration")); err != nil {
		return err
	}

	if m.Errors, err = m.meter.Int64Counter("errors_total",
		metric.WithDescription("Errors by component and kind")); err != nil {
		return err
	}

	return nil
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheHit records a cache hit for the given tier.
func (m *Metrics) RecordCacheHit(ctx context.Context, tier string) {
	if m.CacheHits == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	if m.CacheMisses == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

// RecordPoolAcquire records a connection acquisition outcome.
func (m *Metrics) RecordPoolAcquire(ctx context.Context, endpoint, outcome string) {
	if m.PoolAcquires == nil {
		return
	}
	m.PoolAcquires.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

// RecordJobFinished records a job terminal transition with its duration.
func (m *Metrics) RecordJobFinished(ctx context.Context, status string, duration time.Duration) {
	if m.JobsFinished == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAPICall records a facade call outcome with its duration.
func (m *Metrics) RecordAPICall(ctx context.Context, endpoint, outcome string, duration time.Duration) {
	if m.APICalls == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	)
	m.APICalls.Add(ctx, 1, attrs)
	m.APICallDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordError records an error by component and kind.
func (m *Metrics) RecordError(ctx context.Context, component, kind string) {
	if m.Errors == nil {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("kind", kind),
	))
}
