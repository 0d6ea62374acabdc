package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/backend/internal/core"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return core.E(core.KindTransientAdapter, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("always broken")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 4, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{
		Attempts:    5,
		BaseDelay:   time.Millisecond,
		ShouldRetry: core.IsRetryable,
	}, func(ctx context.Context) error {
		calls++
		return core.E(core.KindValidationFailed, "bad input")
	})

	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, Policy{Attempts: 10, BaseDelay: time.Hour}, func(ctx context.Context) error {
			calls++
			return errors.New("keep going")
		})
	}()

	// Let the first attempt land, then cancel during the long backoff.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestDoCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Policy{Attempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestOnRetryCountsFailedAttempts(t *testing.T) {
	var seen []int
	_ = Do(context.Background(), Policy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		OnRetry: func(attempt int, err error) {
			seen = append(seen, attempt)
		},
	}, func(ctx context.Context) error {
		return errors.New("nope")
	})

	// The final attempt is not a retry, so only two callbacks fire.
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoValueReturnsResult(t *testing.T) {
	v, err := DoValue(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) (string, error) {
		return "payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", v)
}

func TestDoValueZeroOnError(t *testing.T) {
	v, err := DoValue(context.Background(), Policy{Attempts: 1}, func(ctx context.Context) (int, error) {
		return 42, errors.New("discard")
	})
	require.Error(t, err)
	assert.Zero(t, v)
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond}.normalized()

	assert.Equal(t, 10*time.Millisecond, backoffDelay(p, 0))
	assert.Equal(t, 20*time.Millisecond, backoffDelay(p, 1))
	assert.Equal(t, 35*time.Millisecond, backoffDelay(p, 2), "capped at MaxDelay")
	assert.Equal(t, 35*time.Millisecond, backoffDelay(p, 30), "overflow collapses to cap")
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: true}.normalized()

	for i := 0; i < 100; i++ {
		d := backoffDelay(p, 1)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 20*time.Millisecond)
	}
}
