package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type evictions struct {
	mu   sync.Mutex
	keys []string
}

func (e *evictions) record(key string, _ any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, key)
}

func (e *evictions) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.keys...)
}

func newLRU(t *testing.T, opts LRUOpts) *LRU {
	l := NewLRU(opts)
	t.Cleanup(l.Close)
	return l
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	ev := &evictions{}
	l := newLRU(t, LRUOpts{Size: 3, OnEvict: ev.record})

	for _, k := range []string{"agg-1", "agg-2", "agg-3"} {
		l.Put(k, k)
	}
	// reading agg-1 makes agg-2 the oldest entry
	_, ok := l.Get("agg-1")
	require.True(t, ok)

	l.Put("agg-4", "agg-4")
	require.Equal(t, 3, l.Len())
	require.Equal(t, []string{"agg-2"}, ev.list())

	_, ok = l.Get("agg-2")
	require.False(t, ok)
	for _, k := range []string{"agg-1", "agg-3", "agg-4"} {
		v, ok := l.Get(k)
		require.True(t, ok, k)
		require.Equal(t, k, v)
	}
}

func TestLRU_UpdateKeepsSingleEntry(t *testing.T) {
	ev := &evictions{}
	l := newLRU(t, LRUOpts{Size: 2, OnEvict: ev.record})

	l.Put("a", 1)
	l.Put("b", 2)
	l.Put("a", 3)
	require.Equal(t, 2, l.Len())
	require.Empty(t, ev.list())

	// the update promoted a, so b goes first
	l.Put("c", 4)
	require.Equal(t, 2, l.Len())
	require.Equal(t, []string{"b"}, ev.list())

	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestLRU_TTL(t *testing.T) {
	t.Run("expired entries are evicted on read", func(t *testing.T) {
		ev := &evictions{}
		l := newLRU(t, LRUOpts{Size: 4, OnEvict: ev.record})

		l.Put("short", 1, WithTTL(10*time.Millisecond))
		l.Put("forever", 2)
		time.Sleep(25 * time.Millisecond)

		// still counted until someone touches it
		require.Equal(t, 2, l.Len())

		_, ok := l.Get("short")
		require.False(t, ok)
		require.Equal(t, []string{"short"}, ev.list())
		require.Equal(t, 1, l.Len())

		_, ok = l.Get("forever")
		require.True(t, ok)
	})

	t.Run("put resets the deadline", func(t *testing.T) {
		l := newLRU(t, LRUOpts{Size: 4})

		l.Put("k", 1, WithTTL(10*time.Millisecond))
		l.Put("k", 2)
		time.Sleep(25 * time.Millisecond)

		v, ok := l.Get("k")
		require.True(t, ok)
		require.Equal(t, 2, v)
	})

	t.Run("entry is live before the deadline", func(t *testing.T) {
		l := newLRU(t, LRUOpts{Size: 4})
		l.Put("k", 1, WithTTL(time.Minute))
		_, ok := l.Get("k")
		require.True(t, ok)
	})
}

func TestLRU_DeleteDoesNotReportEviction(t *testing.T) {
	ev := &evictions{}
	l := newLRU(t, LRUOpts{Size: 2, OnEvict: ev.record})

	l.Put("a", 1)
	l.Delete("a")
	l.Delete("missing")

	require.Equal(t, 0, l.Len())
	require.Empty(t, ev.list())
}

func TestLRU_DefaultSize(t *testing.T) {
	for _, size := range []int{0, -5} {
		l := newLRU(t, LRUOpts{Size: size})
		for i := range 200 {
			l.Put(fmt.Sprint(i), i)
		}
		require.Equal(t, 128, l.Len(), "size %d", size)
	}
}

func TestLRU_Close(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	l.Put("a", 1)
	l.Close()
	l.Close()

	l.Put("b", 2)
	l.Delete("a")
	_, ok := l.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, l.Len())
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	l := newLRU(t, LRUOpts{Size: 16})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := fmt.Sprintf("agg-%d", (w+i)%32)
				l.Put(key, i)
				l.Get(key)
				if i%10 == 0 {
					l.Delete(key)
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, l.Len(), 16)
}

func TestTyped(t *testing.T) {
	l := newLRU(t, LRUOpts{Size: 4})

	ints := NewTyped[int](l)
	ints.Put("a", 1)
	v, ok := ints.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	l.Put("b", "not an int")
	_, ok = ints.Get("b")
	require.False(t, ok, "values of another type read as misses")

	ints.Delete("a")
	_, ok = ints.Get("a")
	require.False(t, ok)
}
