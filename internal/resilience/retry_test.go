package resilience

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vastar/connector-runtime/pkg/protocol"
)

func newTestPolicy(cfg RetryConfig) *RetryPolicy {
	cfg.Jitter = false
	return NewRetryPolicy(cfg)
}

func TestBackoffDoubles(t *testing.T) {
	rp := newTestPolicy(RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	})

	assert.Equal(t, 100*time.Millisecond, rp.Backoff(0, 0))
	assert.Equal(t, 200*time.Millisecond, rp.Backoff(1, 0))
	assert.Equal(t, 400*time.Millisecond, rp.Backoff(2, 0))
	assert.Equal(t, 800*time.Millisecond, rp.Backoff(3, 0))
}

func TestBackoffCeiling(t *testing.T) {
	rp := newTestPolicy(RetryConfig{
		MaxRetries:        10,
		InitialBackoff:    time.Second,
		MaxBackoff:        4 * time.Second,
		BackoffMultiplier: 2.0,
	})

	assert.Equal(t, 4*time.Second, rp.Backoff(2, 0))
	assert.Equal(t, 4*time.Second, rp.Backoff(9, 0))
}

func TestBackoffRetryAfterHint(t *testing.T) {
	rp := newTestPolicy(RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	})

	// Hint larger than the computed value wins.
	assert.Equal(t, 2*time.Second, rp.Backoff(0, 2*time.Second))
	// Smaller hint is ignored in favour of the exponential schedule.
	assert.Equal(t, 400*time.Millisecond, rp.Backoff(2, 50*time.Millisecond))
}

func TestShouldRetryClasses(t *testing.T) {
	rp := newTestPolicy(RetryConfig{MaxRetries: 2})

	assert.True(t, rp.ShouldRetry(protocol.ErrTransient, 0))
	assert.True(t, rp.ShouldRetry(protocol.ErrTimeout, 1))
	assert.True(t, rp.ShouldRetry(protocol.ErrRateLimited, 0))
	assert.False(t, rp.ShouldRetry(protocol.ErrPermanent, 0))
	assert.False(t, rp.ShouldRetry(protocol.ErrInvalidRequest, 0))
	assert.False(t, rp.ShouldRetry(protocol.ErrSuccess, 0))
	// Attempt budget exhausted.
	assert.False(t, rp.ShouldRetry(protocol.ErrTransient, 2))
}

func TestWaitUsesInjectedSleep(t *testing.T) {
	var slept []time.Duration
	rp := newTestPolicy(RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
	}).WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	require.NoError(t, rp.Wait(context.Background(), 0, 0))
	require.NoError(t, rp.Wait(context.Background(), 1, 0))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestWaitHonorsContext(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{InitialBackoff: time.Minute, MaxBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rp.Wait(ctx, 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

// Backoff lower bound: for any attempt k, the delay is at least
// min(initial*mult^k, max) even with jitter enabled.
func TestBackoffLowerBoundProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(t, "initial"))
		max := time.Duration(rapid.Int64Range(int64(initial), int64(time.Minute)).Draw(t, "max"))
		attempt := rapid.IntRange(0, 12).Draw(t, "attempt")
		jitter := rapid.Bool().Draw(t, "jitter")

		rp := NewRetryPolicy(RetryConfig{
			MaxRetries:        10,
			InitialBackoff:    initial,
			MaxBackoff:        max,
			BackoffMultiplier: 2.0,
			Jitter:            jitter,
		})

		expected := initial << attempt
		if expected > max || expected <= 0 {
			expected = max
		}

		got := rp.Backoff(attempt, 0)
		if got < expected {
			t.Fatalf("backoff %v below floor %v (attempt %d)", got, expected, attempt)
		}
	})
}

func TestRetryAfterHintParsing(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, RetryAfterHint(h))

	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, RetryAfterHint(h))

	h.Set("Retry-After", "0")
	assert.Zero(t, RetryAfterHint(h))

	h.Set("Retry-After", "garbage")
	assert.Zero(t, RetryAfterHint(h))

	h.Set("Retry-After", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
	hint := RetryAfterHint(h)
	assert.Greater(t, hint, 5*time.Second)
	assert.LessOrEqual(t, hint, 10*time.Second)
}
