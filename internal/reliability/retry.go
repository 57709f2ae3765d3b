// Package reliability wraps durable operations with error
// classification, bounded retry, dead-letter routing and worker health
// tracking.
package reliability

import (
	"context"
	"strings"
	"time"
)

// ErrorType classifies a failure for retry purposes.
type ErrorType string

const (
	// ErrorTransient covers infrastructure hiccups worth retrying.
	ErrorTransient ErrorType = "transient"
	// ErrorPermanent covers constraint and schema failures that will
	// never succeed on retry.
	ErrorPermanent ErrorType = "permanent"
	// ErrorUnknown is retried conservatively and dead-lettered on
	// exhaustion.
	ErrorUnknown ErrorType = "unknown"
)

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"timeout",
	"timed out",
	"no route to host",
	"host unreachable",
	"network is unreachable",
	"temporarily unavailable",
	"broken pipe",
	"eof",
}

var permanentMarkers = []string{
	"unique constraint",
	"duplicate key",
	"foreign key constraint",
	"not-null constraint",
	"null constraint violation",
	"violates check constraint",
	"syntax error",
}

// Classify buckets an error by message inspection. Driver error types
// differ between Postgres and the in-memory test store, so matching is
// on the normalized message.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return ErrorPermanent
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ErrorTransient
		}
	}
	return ErrorUnknown
}

// RetryPolicy fixes the attempt count and backoff schedule.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy is 3 attempts with 100 ms, 200 ms, 400 ms delays.
var DefaultPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}

// Result reports how a retried operation ended.
type Result struct {
	Attempts  int
	ErrorType ErrorType
	Err       error
}

// Do runs op under the policy. Transient and unknown errors are retried
// with exponential backoff; permanent errors return immediately. The
// caller dead-letters on a non-nil Err.
func Do(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) Result {
	var lastErr error
	var lastType ErrorType

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return Result{Attempts: attempt}
		}

		lastType = Classify(lastErr)
		if lastType == ErrorPermanent {
			return Result{Attempts: attempt, ErrorType: lastType, Err: lastErr}
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.BaseDelay << (attempt - 1)
		select {
		case <-ctx.Done():
			return Result{Attempts: attempt, ErrorType: lastType, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return Result{Attempts: policy.MaxAttempts, ErrorType: lastType, Err: lastErr}
}
