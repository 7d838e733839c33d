package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harvestd/listing-harvester/internal/faults"
)

func newTestEngine(cfg Config) (*Engine, *[]time.Duration) {
	e := New(cfg)
	waits := &[]time.Duration{}
	e.sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return e, waits
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	e, waits := newTestEngine(Config{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond})
	attempts := 0
	err := e.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Len(t, *waits, 2)
}

func TestDoFatalPropagatesImmediately(t *testing.T) {
	t.Parallel()

	e, waits := newTestEngine(Config{MaxAttempts: 5})
	attempts := 0
	err := e.Do(context.Background(), func(context.Context) error {
		attempts++
		return faults.Newf(faults.KindFatal, "bad config")
	})
	var cls *faults.Error
	require.ErrorAs(t, err, &cls)
	require.Equal(t, faults.KindFatal, cls.Kind)
	require.Equal(t, 1, attempts)
	require.Empty(t, *waits)
}

func TestDoParseFailureBudget(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(Config{MaxAttempts: 10, ParseBudget: 2})
	attempts := 0
	err := e.Do(context.Background(), func(context.Context) error {
		attempts++
		return faults.Newf(faults.KindParseFailure, "no usable fields")
	})
	var cls *faults.Error
	require.ErrorAs(t, err, &cls)
	require.Equal(t, faults.KindParseFailure, cls.Kind)
	// Budget of 2 retries on top of the first parse failure.
	require.Equal(t, 3, attempts)
}

func TestDoExhaustionAnnotatesAttempts(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(Config{MaxAttempts: 3})
	err := e.Do(context.Background(), func(context.Context) error {
		return errors.New("timeout")
	})
	var cls *faults.Error
	require.ErrorAs(t, err, &cls)
	require.Equal(t, 3, cls.Attempts)
	require.Contains(t, cls.Error(), "after 3 attempts")
}

func TestDoStopsWhenContextCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	e := New(Config{MaxAttempts: 5, BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := e.Do(ctx, func(context.Context) error {
		attempts++
		return errors.New("timeout")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestDelayNonDecreasingAndCapped(t *testing.T) {
	t.Parallel()

	e := New(Config{
		MaxAttempts:    10,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		JitterFraction: 0.5,
	})
	cls := faults.New(faults.KindNetwork, errors.New("reset"))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := e.Delay(attempt, cls)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, 2*time.Second, "attempt %d", attempt)
		prev = d
	}
	require.Equal(t, 2*time.Second, e.Delay(10, cls))
}

func TestDelayHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	e := New(Config{BaseDelay: 10 * time.Millisecond})
	cls := faults.Newf(faults.KindRateLimited, "429").WithRetryAfter(42 * time.Second)
	require.Equal(t, 42*time.Second, e.Delay(1, cls))
}

func TestDelayAppliesKindMultiplier(t *testing.T) {
	t.Parallel()

	e := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour})
	network := e.Delay(1, faults.Newf(faults.KindNetwork, "reset"))
	blocked := e.Delay(1, faults.Newf(faults.KindBlocked, "captcha"))
	require.Equal(t, 3*network, blocked)
}
