package sync

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
)

// recordingSleep captures backoff durations without waiting.
func recordingSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
}

func TestNewRetryer_Defaults(t *testing.T) {
	r := NewRetryer(RetryConfig{})
	assert.Equal(t, 3, r.config.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, r.config.InitialBackoff)
	assert.Equal(t, 2.0, r.config.Multiplier)
	assert.NotNil(t, r.config.RetryIf)
}

func TestRetryer_Backoff(t *testing.T) {
	var slept []time.Duration
	r := NewRetryer(RetryConfig{MaxAttempts: 4, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2})
	r.config.Jitter = 0
	r.sleep = recordingSleep(&slept)

	calls := 0
	res := r.Do(context.Background(), func(context.Context) error {
		calls++
		return apperrors.Network("down", nil)
	})

	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, res.Attempts)
	assert.True(t, apperrors.Is(res.LastErr, apperrors.ErrNetwork))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, slept)
}

func TestRetryer_SucceedsAfterTransientFailure(t *testing.T) {
	var slept []time.Duration
	r := NewRetryer(DefaultRetryConfig())
	r.sleep = recordingSleep(&slept)

	calls := 0
	v, res := DoValue(context.Background(), r, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, apperrors.Network("blip", nil)
		}
		return 42, nil
	})
	require.NoError(t, res.LastErr)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, slept, 1)
}

func TestRetryer_RejectedIsNotRetried(t *testing.T) {
	r := NewRetryer(DefaultRetryConfig())
	r.sleep = func(context.Context, time.Duration) error { t.Fatal("slept"); return nil }

	calls := 0
	res := r.Do(context.Background(), func(context.Context) error {
		calls++
		return apperrors.Rejected("bad payload", nil)
	})
	assert.Equal(t, 1, calls)
	assert.True(t, apperrors.IsRejected(res.LastErr))
}

func TestRetryer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetryer(DefaultRetryConfig())
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res := r.Do(ctx, func(context.Context) error { return stderrors.New("flaky") })
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.LastErr, context.Canceled)
}

func TestRetryer_Jitter(t *testing.T) {
	r := NewRetryer(RetryConfig{Jitter: 0.5})
	for i := 0; i < 100; i++ {
		d := r.addJitter(time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
