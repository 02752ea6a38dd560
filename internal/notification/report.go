// Package notification publishes provisioning-run reports to SNS so
// operators hear about failed or slow runs without scraping logs.
package notification

import (
	"encoding/json"
	"time"

	"github.com/gatti/awsperf/internal/cache"
	"github.com/gatti/awsperf/internal/executor"
)

// Report summarizes one provisioning run: job outcomes plus cache
// effectiveness for the run.
type Report struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	TotalJobs int `json:"total_jobs"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Killed    int `json:"killed"`

	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
	CachePromotions int64 `json:"cache_promotions"`
}

// NewReport builds a report from a finished group and the engine counters.
func NewReport(runID string, startedAt time.Time, group executor.GroupResult, stats cache.Stats) *Report {
	return &Report{
		RunID:           runID,
		StartedAt:       startedAt,
		Duration:        time.Since(startedAt),
		TotalJobs:       group.Total,
		Completed:       group.Completed,
		Failed:          group.Failed,
		TimedOut:        group.TimedOut,
		Killed:          group.Killed,
		CacheHits:       stats.Hits,
		CacheMisses:     stats.Misses,
		CachePromotions: stats.Promotions,
	}
}

// Healthy reports whether every job in the run completed.
func (r *Report) Healthy() bool {
	return r.Failed == 0 && r.TimedOut == 0 && r.Killed == 0
}

// ToJSON serializes the report for the SNS message body.
func (r *Report) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
