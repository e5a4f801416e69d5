package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/vastar/connector-runtime/pkg/protocol"
)

// RetryConfig defines retry behavior for upstream requests.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the ceiling for the computed delay.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff grows per attempt.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// SleepFunc blocks for d or until ctx is done. Tests inject a fake so backoff
// timing is deterministic without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy owns backoff computation and retry eligibility for the
// request executor.
type RetryPolicy struct {
	config RetryConfig
	sleep  SleepFunc
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config, sleep: realSleep}
}

// WithSleep replaces the sleep implementation. Intended for tests.
func (rp *RetryPolicy) WithSleep(sleep SleepFunc) *RetryPolicy {
	rp.sleep = sleep
	return rp
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether another attempt is warranted after an outcome
// of the given class. attempt is zero-based: the first retry follows attempt 0.
func (rp *RetryPolicy) ShouldRetry(class protocol.ErrorClass, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	return class.Retryable()
}

// Backoff returns the delay before retry number attempt+1. A positive hint
// (a server-provided Retry-After) replaces the computed delay when larger.
func (rp *RetryPolicy) Backoff(attempt int, hint time.Duration) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}

	if hint > backoff {
		backoff = hint
	}

	if rp.config.Jitter {
		// Up to 25% extra; jitter only ever lengthens the delay so the
		// lower bound stays the exponential schedule.
		//nolint:gosec // Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff/4) + 1))
	}

	return backoff
}

// Wait sleeps for the computed backoff, honoring ctx cancellation.
func (rp *RetryPolicy) Wait(ctx context.Context, attempt int, hint time.Duration) error {
	return rp.sleep(ctx, rp.Backoff(attempt, hint))
}
