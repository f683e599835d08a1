package ratelimit

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultAttempts = 5
	DefaultInterval = 500 * time.Millisecond
)

// RetryStrategy defines a fixed number of attempts separated by a flat delay
type RetryStrategy struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetryStrategy returns the tile download strategy: 5 attempts, 500ms apart
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		Attempts: DefaultAttempts,
		Interval: DefaultInterval,
	}
}

// Retry calls fn until it succeeds or the strategy's attempts are exhausted.
// The delay between attempts is flat. ctx is checked before every attempt after
// the first, so a cancelled run stops retrying within one interval.
// On failure the last attempt's error is returned, joined with ctx.Err() when
// retrying stopped because ctx was done. The number of attempts made is returned too.
func Retry(ctx context.Context, strategy RetryStrategy, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := strategy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(strategy.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
	}

	return attempts, lastErr
}
