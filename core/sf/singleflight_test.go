package sf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleflight_Do(t *testing.T) {
	s := New[int]()

	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Do("k", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.Equal(t, 42, v)
	}
}

func TestLazy_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	l := NewLazy(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	})

	require.Error(t, l.Do(t.Context()))
	require.False(t, l.Done())

	require.NoError(t, l.Do(t.Context()))
	require.True(t, l.Done())

	require.NoError(t, l.Do(t.Context()))
	require.Equal(t, int32(2), calls.Load())
}
