// Package retry provides exponential backoff with jitter, used both for
// in-request HTTP retries and for the materializer's failure backoff window.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds backoff configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Backoff returns the wait before attempt n+1, given n failed attempts so
// far. Deterministic: jitter is applied by Do, not here, so callers that
// use the result as a comparison window (failure backoff gating) get a
// stable bound.
func (c Config) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	wait := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(failures-1))
	if wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	return time.Duration(wait)
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Do executes fn, retrying errors marked Retryable with jittered
// exponential backoff.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := float64(cfg.Backoff(attempt))
		if cfg.Jitter > 0 {
			wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(wait)):
		}
	}

	return lastErr
}
