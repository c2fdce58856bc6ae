package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"avs/internal/logging"
)

// ErrRetriesExhausted wraps the last transient failure once every attempt
// has been used.
var ErrRetriesExhausted = errors.New("max retries exceeded")

// RetryConfig bounds retries of transient failures. The same shape drives
// the readiness poll backoff.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt
	BaseDelay    time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap for any single delay
	JitterFactor float64       // ± fraction applied to each delay
}

// DefaultRetryConfig returns the RPC dial defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry runs fn until it succeeds, fails permanently, or attempts run out.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc, logger logging.Logger) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return err
}

// RetryWithResult is Retry for functions that produce a value. Only errors
// classified by IsTransient are retried; anything else is returned as is.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	var zero T

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Succeeded on attempt %d", attempt+1)
			}
			return result, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		if attempt >= config.MaxAttempts {
			logger.Warn("Giving up after %d attempts: %v", attempt+1, err)
			return zero, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		delay := Backoff(attempt, config)
		logger.Debug("Attempt %d failed (%v); retrying in %v", attempt+1, err, delay)
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff returns the delay before retry number attempt (zero based):
// BaseDelay * 2^attempt capped at MaxDelay, then jittered and clamped to
// [BaseDelay, MaxDelay].
func Backoff(attempt int, config RetryConfig) time.Duration {
	attempt = max(attempt, 0)
	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	// overflow on large attempts
	if delay > config.MaxDelay || delay <= 0 {
		delay = config.MaxDelay
	}
	if config.JitterFactor <= 0 {
		return delay
	}

	spread := float64(delay) * config.JitterFactor
	delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*spread)
	return min(max(delay, config.BaseDelay), config.MaxDelay)
}
