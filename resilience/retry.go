package resilience

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds a retry loop. MaxAttempts counts the first call.
type RetryConfig struct {
	Name          string
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries nothing.
	Retryable func(error) bool
	Logger    *zap.Logger
}

// Retry runs fn until it succeeds, returns a non-retryable error, or runs out
// of attempts. The last error is wrapped so callers can still match it.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.Retryable == nil || !cfg.Retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		logger.Warn("Retrying after failure",
			zap.String("operation", cfg.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * factor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	if attempts == 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%s: gave up after %d attempts: %w", cfg.Name, attempts, lastErr)
}
