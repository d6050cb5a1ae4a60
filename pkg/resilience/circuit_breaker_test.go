package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "elector/pkg/resilience"
)

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func pass(context.Context) error { return nil }

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig())
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		Timeout:          time.Second,
	})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), fail)
		assert.Equal(t, CircuitClosed, cb.State())
	}
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), pass)
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)
	err := cb.Execute(context.Background(), pass)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: 50 * time.Millisecond})

	_ = cb.Execute(context.Background(), fail)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          20 * time.Millisecond,
		MaxRequests:      1,
	})

	cb.Record(errBoom)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	assert.Equal(t, CircuitClosed, cb.Record(nil))
}

func TestCircuitBreaker_FailureInHalfOpenReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: 20 * time.Millisecond})

	_ = cb.Execute(context.Background(), fail)
	time.Sleep(30 * time.Millisecond)
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	cb.Record(context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Snapshot().Failures)
}

func TestCircuitBreaker_ReportsTransitions(t *testing.T) {
	var seen []CircuitState
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          20 * time.Millisecond,
		OnStateChange: func(_ string, _, to CircuitState) {
			seen = append(seen, to)
		},
	})

	cb.Record(errBoom)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.Record(nil)

	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}, seen)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cb := NewCircuitBreaker("test-metrics", DefaultCircuitBreakerConfig())

	snap := cb.Snapshot()
	assert.Equal(t, "test-metrics", snap.Name)
	assert.Equal(t, "closed", snap.State)
}

func TestNewBackOff_CapsAtMaxInterval(t *testing.T) {
	b := NewBackOff(BackoffConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         40 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0.01,
	})

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.NextBackOff()
		require.Positive(t, last, "backoff must never stop on its own")
	}
	assert.InDelta(t, float64(40*time.Millisecond), float64(last), float64(time.Millisecond))
}
