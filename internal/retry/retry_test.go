package retry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
)

type recordingGuard struct {
	mu        sync.Mutex
	open      bool
	successes int
	failures  int
}

func (g *recordingGuard) Allow(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return &apperr.CircuitOpenError{Key: key}
	}
	return nil
}

func (g *recordingGuard) RecordSuccess(context.Context, string) {
	g.mu.Lock()
	g.successes++
	g.mu.Unlock()
}

func (g *recordingGuard) RecordFailure(context.Context, string) {
	g.mu.Lock()
	g.failures++
	g.mu.Unlock()
}

func unavailable() error {
	return apperr.NewProviderHTTPError("fal", http.StatusServiceUnavailable, "overloaded")
}

func TestAlwaysFailingCallMakesThreeAttemptsWithGrowingDelays(t *testing.T) {
	var delays []time.Duration
	r := New(Policy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}, nil)
	r.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	attempts := 0
	err := r.Do(context.Background(), "fal", func(context.Context) error {
		attempts++
		return unavailable()
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[0], 500*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 1000*time.Millisecond)

	var pe *apperr.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
}

func TestRealClockSpacingBetweenAttempts(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps 1.5s")
	}
	r := New(Policy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond}, nil)

	var starts []time.Time
	_ = r.Do(context.Background(), "fal", func(context.Context) error {
		starts = append(starts, time.Now())
		return unavailable()
	})

	require.Len(t, starts, 3)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 500*time.Millisecond)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[1]), 1000*time.Millisecond)
}

func TestNonRetryableErrorStopsImmediately(t *testing.T) {
	r := New(Policy{MaxRetries: 2, BaseDelay: time.Millisecond}, nil)

	attempts := 0
	err := r.Do(context.Background(), "fal", func(context.Context) error {
		attempts++
		return apperr.NewProviderHTTPError("fal", http.StatusBadRequest, "invalid prompt")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestSucceedsAfterTransientFailure(t *testing.T) {
	guard := &recordingGuard{}
	r := New(Policy{MaxRetries: 2, BaseDelay: time.Millisecond}, guard)

	attempts := 0
	err := r.Do(context.Background(), "fal", func(context.Context) error {
		attempts++
		if attempts == 1 {
			return apperr.NewProviderTransportError("fal", errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, guard.failures)
	assert.Equal(t, 1, guard.successes)
}

func TestEveryAttemptIsRecordedOnce(t *testing.T) {
	guard := &recordingGuard{}
	r := New(Policy{MaxRetries: 2, BaseDelay: time.Millisecond}, guard)

	_ = r.Do(context.Background(), "fal", func(context.Context) error { return unavailable() })

	assert.Equal(t, 3, guard.failures)
	assert.Equal(t, 0, guard.successes)
}

func TestOpenCircuitShortCircuits(t *testing.T) {
	guard := &recordingGuard{open: true}
	r := New(Policy{MaxRetries: 2, BaseDelay: time.Millisecond}, guard)

	called := false
	err := r.Do(context.Background(), "fal", func(context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, apperr.ErrCircuitOpen)
	assert.False(t, called)
}

func TestAttemptTimeoutIsRetryable(t *testing.T) {
	r := New(Policy{MaxRetries: 1, BaseDelay: time.Millisecond, AttemptTimeout: 20 * time.Millisecond}, nil)

	attempts := 0
	err := r.Do(context.Background(), "fal", func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, attempts)
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(20))
}
