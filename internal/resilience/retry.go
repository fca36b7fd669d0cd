package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
)

// RetryConfig controls the exponential backoff retry policy.
type RetryConfig struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the standard policy: up to 3 retries, 1s initial
// delay doubling to a 30s cap, with 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:          3,
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Retry runs fn with exponential backoff. Only retryable errors (transport
// failures, 429, 5xx) are retried; everything else returns immediately.
// onRetry, when non-nil, is called before each re-attempt with the attempt
// number (1-based) and the error that triggered it.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error, onRetry func(attempt int, err error)) error {
	if cfg.MaxRetries <= 0 {
		return fn()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !llmerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		attempt++
		if attempt > cfg.MaxRetries {
			return backoff.Permanent(err)
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}
