package notification

import (
	"context"

	"github.com/gatti/awsperf/internal/platform/observability"
)

// NoOpPublisher is a publisher that does nothing but log reports.
// Use this when SNS is not configured (local development, testing).
type NoOpPublisher struct {
	logger *observability.Logger
}

// NewNoOpPublisher creates a new no-op publisher that only logs reports.
func NewNoOpPublisher(logger *observability.Logger) *NoOpPublisher {
	return &NoOpPublisher{
		logger: logger,
	}
}

// PublishReport logs the report instead of publishing to SNS.
func (p *NoOpPublisher) PublishReport(ctx context.Context, report *Report) error {
	if p.logger != nil {
		p.logger.Info("run report (SNS disabled)",
			"run_id", report.RunID,
			"healthy", report.Healthy(),
			"total_jobs", report.TotalJobs,
			"completed", report.Completed,
			"failed", report.Failed,
			"timed_out", report.TimedOut,
			"killed", report.Killed,
			"cache_hits", report.CacheHits,
			"cache_misses", report.CacheMisses,
		)
	}
	return nil
}
