package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps test runs off the real backoff schedule.
func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Microsecond,
		MaxBackoff:     time.Microsecond,
		Multiplier:     1,
	}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	// A flaky send: two 503s, then the email goes out.
	calls := 0
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("brevo: 503"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	bad := NewPermanentError(errors.New("brevo: invalid recipient"))
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return bad
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	down := NewTransientError(errors.New("storefront: connection reset"), 0)
	err := Do(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		return down
	})
	assert.ErrorIs(t, err, down)
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastRetry(10), func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("storefront: timeout"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryObservesAttempts(t *testing.T) {
	cfg := fastRetry(3)
	var attempts []int
	cfg.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
	}
	_ = Do(context.Background(), cfg, func(context.Context) error {
		return NewTransientError(errors.New("brevo: 429"), 429)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal_PreservesValue(t *testing.T) {
	calls := 0
	ref, err := DoVal(context.Background(), fastRetry(5), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("storefront: 502"), 502)
		}
		return "store-17", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "store-17", ref)
	assert.Equal(t, 2, calls)
}

func TestDoVal_PermanentReturnsZeroValue(t *testing.T) {
	ref, err := DoVal(context.Background(), fastRetry(5), func(context.Context) (string, error) {
		return "half-built", NewPermanentError(errors.New("aigen: prompt rejected"))
	})
	require.Error(t, err)
	assert.Empty(t, ref)
}

func TestComputeBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
		Multiplier:     2,
	}
	assert.Equal(t, 100*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, computeBackoff(1, cfg))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(2, cfg))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(5, cfg))
}

func TestComputeBackoff_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
	for i := 0; i < 50; i++ {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestTuneRetry(t *testing.T) {
	cfg := TuneRetry(7, 50*time.Millisecond, 5*time.Second)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)

	// Zero values keep the defaults.
	cfg = TuneRetry(0, 0, 0)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
}
