package jobs

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the job fails without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// RetryPolicy decides whether a failed job is re-queued and when.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy. A zero baseDelay re-queues immediately and
// leaves pacing to the poll interval.
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    time.Hour,
	}
}

// MaxAttempts reports the attempt budget given to new jobs.
func (p RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether a job that has now failed attempts times with
// err may run again.
func (p RetryPolicy) ShouldRetry(err error, attempts, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts
	}
	if attempts >= maxAttempts {
		return false
	}
	var perm permanentError
	return !errors.As(err, &perm) && !errors.Is(err, ErrUnknownJobType)
}

// Backoff returns the delay before attempt+1, jittered between half and the
// full exponential delay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.baseDelay <= 0 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(max(attempt-1, 0)))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// interrupted reports whether err comes from the caller giving up rather than
// the handler failing.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
