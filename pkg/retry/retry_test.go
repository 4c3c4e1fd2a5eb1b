package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "instaharvest/pkg/errors"
	"instaharvest/pkg/logger"
)

func testRetryConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Backoff:     &ConstantBackoff{Delay: time.Millisecond},
		RetryIf:     DefaultRetryIf,
		Context:     context.Background(),
		Logger:      logger.NewTestLogger(),
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		return nil
	}, testRetryConfig())

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		if calls < 3 {
			return errs.New(errs.ErrorTypeConnection, 0, "flaky")
		}
		return nil
	}, testRetryConfig())

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		return errs.New(errs.ErrorTypeConnection, 0, "always down")
	}, testRetryConfig())

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "max retry attempts")
	assert.True(t, errs.Is(err, errs.ErrorTypeConnection), "wrapped error keeps its type")
}

func TestDoDoesNotRetryTerminalErrors(t *testing.T) {
	calls := 0
	terminal := errs.New(errs.ErrorTypeNotFound, 404, "gone")
	err := Do(func() error {
		calls++
		return terminal
	}, testRetryConfig())

	require.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestDoOnRetryCallback(t *testing.T) {
	cfg := testRetryConfig()
	var attempts []int
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	calls := 0
	_ = Do(func() error {
		calls++
		return errs.New(errs.ErrorTypeTooManyRequests, 429, "slow down")
	}, cfg)

	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDoContextCancellation(t *testing.T) {
	cfg := testRetryConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cfg.Context = ctx
	cfg.Backoff = &ConstantBackoff{Delay: time.Minute}
	cancel()

	err := Do(func() error {
		return errs.New(errs.ErrorTypeConnection, 0, "flaky")
	}, cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	result, err := DoWithResult(func() (string, error) {
		calls++
		if calls == 1 {
			return "", errs.New(errs.ErrorTypeConnection, 0, "flaky")
		}
		return "payload", nil
	}, testRetryConfig())

	require.NoError(t, err)
	assert.Equal(t, "payload", result)
	assert.Equal(t, 2, calls)
}

func TestDefaultRetryIf(t *testing.T) {
	assert.False(t, DefaultRetryIf(nil))
	assert.True(t, DefaultRetryIf(errs.New(errs.ErrorTypeConnection, 0, "x")))
	assert.True(t, DefaultRetryIf(errs.New(errs.ErrorTypeTooManyRequests, 429, "x")))
	assert.False(t, DefaultRetryIf(errs.New(errs.ErrorTypeBadCredentials, 0, "x")))
	assert.False(t, DefaultRetryIf(errs.New(errs.ErrorTypeAbort, 0, "x")))
	assert.False(t, DefaultRetryIf(context.Canceled))
	// Untyped errors default to retryable.
	assert.True(t, DefaultRetryIf(errors.New("plain")))
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	}

	assert.Equal(t, time.Second, b.NextDelay(1))
	assert.Equal(t, 2*time.Second, b.NextDelay(2))
	assert.Equal(t, 4*time.Second, b.NextDelay(3))
	// Capped at MaxDelay.
	assert.Equal(t, 10*time.Second, b.NextDelay(10))
	// Nonsense attempts are clamped.
	assert.Equal(t, time.Second, b.NextDelay(-1))
}

func TestExponentialBackoffJitterStaysInRange(t *testing.T) {
	b := DefaultExponentialBackoff()
	for i := 0; i < 100; i++ {
		d := b.NextDelay(2)
		assert.InDelta(t, float64(2*time.Second), float64(d), float64(2*time.Second)*b.JitterFactor)
	}
}

func TestConstantBackoff(t *testing.T) {
	b := &ConstantBackoff{Delay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, b.NextDelay(1))
	assert.Equal(t, 5*time.Second, b.NextDelay(99))
}

func TestWait(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), 0))
	assert.NoError(t, Wait(nil, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, time.Minute), context.Canceled)
}
