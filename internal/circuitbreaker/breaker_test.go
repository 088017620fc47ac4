package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 2
	cfg.Cooldown = 50 * time.Millisecond
	cfg.Interval = 200 * time.Millisecond
	return cfg
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open breaker rejects without invoking the call.
	var called atomic.Bool
	err := b.Execute(ctx, func() error { called.Store(true); return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called.Load())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, func() error { return errBoom })
	}
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, func() error { return errBoom })
	}
	assert.Equal(t, StateClosed, b.State(), "streak of 2+2 with a success between never reaches the threshold")
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errBoom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	require.Equal(t, StateHalfOpen, b.State(), "one success is below the success threshold")
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errBoom })
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(ctx, func() error { return errBoom })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerLimitsHalfOpenProbes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProbes = 1
	b := New("test", cfg, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errBoom })
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// First probe succeeds but stays half-open; the probe budget for
	// this generation is spent.
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	err := b.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyProbes)
}

func TestBreakerIntervalResetsClosedCounts(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 30 * time.Millisecond
	b := New("test", cfg, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, func() error { return errBoom })
	}
	time.Sleep(40 * time.Millisecond)
	_ = b.Execute(ctx, func() error { return errBoom })

	assert.Equal(t, StateClosed, b.State(), "old failures aged out before the third")
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions atomic.Int64
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		assert.Equal(t, "test", name)
		transitions.Add(1)
	}
	b := New("test", cfg, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errBoom })
	}
	assert.Equal(t, int64(1), transitions.Load())
}

func TestBreakerCountsPanicAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	b := New("test", cfg, zap.NewNop())
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = b.Execute(ctx, func() error { panic("agent bug") })
	})
	assert.Equal(t, StateOpen, b.State())
}
