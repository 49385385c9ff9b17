package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures in-process retries of short side effects such as
// alert delivery. Durable retries of remote callbacks belong to the task
// scheduler, not here.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter fraction (0.0-1.0).
	Jitter float64

	// Retryable overrides the default IsRetryable check.
	Retryable func(error) bool
}

// DefaultRetry is the standard retry configuration.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry makes a single attempt.
var NoRetry = RetryConfig{MaxAttempts: 1}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
}

// WithRetryContext calls fn until it succeeds, returns a non-retryable
// error, exhausts MaxAttempts, or ctx is done. Giving up yields a
// *RetryError wrapping the last error.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	maxAttempts := max(cfg.MaxAttempts, 1)
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	giveUp := func(err error, cat Category, attempts int, reason string) RetryResult[T] {
		return RetryResult[T]{
			Err:      &RetryError{Err: err, Category: cat, Attempts: attempts, Reason: reason},
			Attempts: attempts,
			Duration: time.Since(start),
		}
	}

	wait := cfg.InitialBackoff
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return giveUp(err, CategoryPermanent, attempt, "cancelled")
		}
		attempt++
		v, err := fn(ctx)
		switch {
		case err == nil:
			return RetryResult[T]{Value: v, Attempts: attempt, Duration: time.Since(start)}
		case !retryable(err):
			return giveUp(err, Categorize(err), attempt, "not retryable")
		case attempt >= maxAttempts:
			return giveUp(err, Categorize(err), attempt, "exhausted")
		}

		timer := time.NewTimer(jittered(wait, cfg.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return giveUp(ctx.Err(), CategoryPermanent, attempt, "cancelled")
		case <-timer.C:
		}
		if cfg.BackoffFactor > 0 {
			wait = time.Duration(float64(wait) * cfg.BackoffFactor)
		}
		if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}
	}
}

// Retry is WithRetryContext for functions without a result value.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	res := WithRetryContext(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return res.Err
}

// jittered returns base +/- base*jitter*rand.
func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	delta := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + delta)
}

// RetryOption configures a RetryConfig.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxAttempts = n }
}

// WithInitialBackoff sets the first backoff.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.InitialBackoff = d }
}

// WithMaxBackoff sets the backoff ceiling.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxBackoff = d }
}

// WithJitter sets the jitter fraction.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) { cfg.Jitter = j }
}

// WithRetryable sets a custom retryability check.
func WithRetryable(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) { cfg.Retryable = fn }
}

// NewRetryConfig starts from DefaultRetry and applies opts.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
