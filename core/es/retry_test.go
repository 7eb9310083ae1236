package es

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFullJitterBackOff(t *testing.T) {
	p := RetryPolicy{StartingDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2, MaxAttempts: 10}
	b := p.NewBackOff()

	ceilings := []time.Duration{10, 20, 40, 40, 40}
	for i, ceil := range ceilings {
		d := b.NextBackOff()
		require.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", i)
		require.LessOrEqual(t, d, ceil*time.Millisecond, "attempt %d", i)
	}

	b.Reset()
	require.LessOrEqual(t, b.NextBackOff(), 10*time.Millisecond)
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := RetryPolicy{}.OrDefault(DefaultProcessRetryPolicy())
	require.Equal(t, DefaultProcessRetryPolicy(), p)

	p = RetryPolicy{MaxAttempts: 3}.OrDefault(DefaultStoreRetryPolicy())
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, p.StartingDelay)
}

func TestRetry(t *testing.T) {
	fast := RetryPolicy{StartingDelay: time.Microsecond, MaxDelay: time.Microsecond, MaxAttempts: 5}
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	t.Run("until success", func(t *testing.T) {
		var calls, notified int
		err := Retry(t.Context(), fast, RetryOn(transient), func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		}, func(attempt int, code string, err error, _ time.Duration) {
			notified++
			require.Equal(t, notified, attempt)
			require.Equal(t, "transient", code)
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
		require.Equal(t, 2, notified)
	})

	t.Run("stops on unclassified error", func(t *testing.T) {
		var calls int
		err := Retry(t.Context(), fast, RetryOn(transient), func(context.Context) error {
			calls++
			return fatal
		}, nil)
		require.ErrorIs(t, err, fatal)
		require.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls int
		err := Retry(t.Context(), fast, RetryOn(transient), func(context.Context) error {
			calls++
			return transient
		}, nil)
		require.ErrorIs(t, err, transient)
		require.Equal(t, 5, calls)
	})

	t.Run("wrapped errors are classified", func(t *testing.T) {
		code, ok := RetryOn(ErrAggregateVersionConflict)(NewVersionConflictError(AggregateID("x"), 2))
		require.True(t, ok)
		require.Equal(t, ErrAggregateVersionConflict.Error(), code)
	})
}
