package apicall

import (
	"errors"
	"fmt"

	"github.com/gatti/awsperf/internal/cache"
	"github.com/gatti/awsperf/internal/pool"
)

// Kind classifies a facade failure so callers can decide whether to retry.
type Kind int

const (
	// KindInternal covers everything the other kinds do not
	KindInternal Kind = iota
	// KindCacheWrite means an explicitly-requested persistent write failed
	KindCacheWrite
	// KindPoolExhausted means the endpoint connection cap was reached
	KindPoolExhausted
	// KindValidation means connection liveness checks kept failing
	KindValidation
	// KindJobTimedOut means the job exceeded its own deadline
	KindJobTimedOut
	// KindJobKilled means the job was cancelled or killed by a group timeout
	KindJobKilled
	// KindJobFailed means the operation itself returned an error
	KindJobFailed
)

func (k Kind) String() string {
	switch k {
	case KindCacheWrite:
		return "cache_write_failed"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindValidation:
		return "connection_validation_failed"
	case KindJobTimedOut:
		return "job_timed_out"
	case KindJobKilled:
		return "job_killed"
	case KindJobFailed:
		return "job_failed"
	default:
		return "internal"
	}
}

// Retryable reports whether a failure of this kind is worth retrying.
// Timeouts, kills, exhaustion and validation failures are transient; an
// operation that ran and failed is not.
func (k Kind) Retryable() bool {
	switch k {
	case KindPoolExhausted, KindValidation, KindJobTimedOut, KindJobKilled:
		return true
	default:
		return false
	}
}

// Error is the facade error type.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("apicall: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("apicall: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps any error to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return KindPoolExhausted
	case errors.Is(err, pool.ErrValidationFailed):
		return KindValidation
	case errors.Is(err, cache.ErrWriteFailed):
		return KindCacheWrite
	default:
		return KindInternal
	}
}

// Retryable reports whether the error is worth retrying.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}
