package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextGrowsAndCaps(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 3 * time.Second, Factor: 2}
	assert.Equal(t, time.Second, b.Next(0))
	assert.Equal(t, time.Second, b.Next(1))
	assert.Equal(t, 2*time.Second, b.Next(2))
	assert.Equal(t, 3*time.Second, b.Next(3))
	assert.Equal(t, 3*time.Second, b.Next(10))

	var zero Backoff
	assert.Equal(t, 100*time.Millisecond, zero.Next(1))
	assert.Equal(t, 200*time.Millisecond, zero.Next(2))
	assert.Equal(t, 5*time.Second, zero.Next(20))
}

func TestNextJitterBounds(t *testing.T) {
	b := Backoff{Min: time.Second, Max: time.Second, Factor: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := b.Next(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestRetry(t *testing.T) {
	var waits []time.Duration
	p := Policy{
		Attempts: 3,
		Backoff:  Backoff{Min: 5 * time.Second, Max: time.Minute, Factor: 2},
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	calls := 0
	n, err := Retry(t.Context(), p, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, waits)

	n, err = Retry(t.Context(), p, func(context.Context, int) error { return errors.New("down") })
	assert.EqualError(t, err, "down")
	assert.Equal(t, 3, n)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("rejected")
	p := Policy{
		Attempts:  5,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
	n, err := Retry(t.Context(), p, func(context.Context, int) error { return permanent })
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, n)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	n, err := Retry(ctx, Policy{Attempts: 3}, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}
