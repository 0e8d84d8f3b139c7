package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xycdaimi/AIFlow/core"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustion(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(4), func() error {
		calls++
		return errors.New("always")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Contains(t, err.Error(), "max retry attempts (4)")
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, &RetryConfig{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 2}, func() error {
		calls++
		cancel()
		return errors.New("fail then cancel")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCallbackRetryConfigShape(t *testing.T) {
	cfg := CallbackRetryConfig()
	// First attempt plus three retries at 2s, 4s, 8s.
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.InitialDelay)
	assert.Equal(t, 8*time.Second, cfg.MaxDelay)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "test", FailureThreshold: 3, SleepWindow: time.Hour})

	for i := 0; i < 3; i++ {
		require.True(t, cb.CanExecute())
		cb.RecordFailure()
	}
	assert.Equal(t, "open", cb.GetState())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "test", FailureThreshold: 1, SleepWindow: 10 * time.Millisecond})

	cb.RecordFailure()
	require.Equal(t, "open", cb.GetState())

	time.Sleep(20 * time.Millisecond)
	// One probe passes; a second is held back until it resolves.
	assert.True(t, cb.CanExecute())
	assert.False(t, cb.CanExecute())

	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.GetState())
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreakerReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "test", FailureThreshold: 1, SleepWindow: 10 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetState())
	assert.False(t, cb.CanExecute())
}

func TestRetryWithCircuitBreakerShortCircuits(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "test", FailureThreshold: 1, SleepWindow: time.Hour})
	cb.RecordFailure()

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), fastConfig(3), cb, func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
}
