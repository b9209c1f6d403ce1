// Package retry runs fallible operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = until ctx ends)
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Upper bound for a single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)

	// OnRetry, when set, is called before each wait with the attempt that
	// just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns the settings used for bundle downloads.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError marks an error as transient.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err so that Do retries it. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx ends.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}

		wait := backoff(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}

	return zero, lastErr
}

func backoff(cfg Config, attempt int) time.Duration {
	wait := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}
