package rulesync

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"grimm.is/paramstrip/internal/rules"
)

// RetryConfig configures how a write that lost a version race is retried.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig returns sensible defaults for local store contention.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      200 * time.Millisecond,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// retryOnConflict runs fn until it succeeds, fails with something other than
// a version conflict, or attempts run out. onConflict is called for every
// lost race.
func retryOnConflict[T any](ctx context.Context, cfg RetryConfig, onConflict func(), fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := max(cfg.MaxAttempts, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !errors.Is(err, rules.ErrVersionConflict) {
			return zero, err
		}
		if onConflict != nil {
			onConflict()
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(calculateDelay(attempt, cfg)):
		}
	}

	return zero, lastErr
}

func calculateDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter && delay > 0 {
		delay = delay/2 + rand.Float64()*delay/2
	}
	return time.Duration(delay)
}
