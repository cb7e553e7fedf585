package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/qrmi-dev/qrmi/pkg/clock"
)

func fastPolicy() Policy {
	return Policy{
		BaseInterval: time.Millisecond,
		MaxInterval:  4 * time.Millisecond,
		MaxRetries:   5,
		Factor:       2.0,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), clock.New(), fastPolicy(), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	boom := errors.New("persistent")
	err := Do(context.Background(), clock.New(), fastPolicy(), nil, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	// First attempt plus MaxRetries re-attempts.
	require.Equal(t, 6, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	calls := 0
	fatal := errors.New("fatal")
	retryable := func(err error) bool { return err.Error() != "fatal" }
	err := Do(context.Background(), clock.New(), fastPolicy(), retryable, func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, clock.New(), fastPolicy(), nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoHonorsMaxElapsed(t *testing.T) {
	t.Parallel()

	p := Policy{
		BaseInterval: 50 * time.Millisecond,
		MaxInterval:  50 * time.Millisecond,
		MaxRetries:   100,
		Factor:       1.0,
	}.WithMaxElapsed(10 * time.Millisecond)

	calls := 0
	err := Do(context.Background(), clock.New(), p, nil, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	// The first re-attempt would already cross the ceiling.
	require.Equal(t, 1, calls)
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		d := jitter(10 * time.Millisecond)
		require.GreaterOrEqual(t, d, 5*time.Millisecond)
		require.LessOrEqual(t, d, 10*time.Millisecond)
	}
}
