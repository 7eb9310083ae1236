package sf

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Singleflight deduplicates concurrent function calls with the same key.
// Only the first caller executes the function; others wait and receive
// the same result.
type Singleflight[T any] struct {
	group singleflight.Group
}

// Do executes fn for the given key, deduplicating concurrent calls.
// If a call is already in-flight for this key, Do blocks until it completes
// and returns the same result.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (T, error) {
	v, err, _ := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// New creates a new Singleflight instance for type T.
func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}

// Lazy runs an initialization function until it succeeds once. Concurrent
// callers share one in-flight attempt; a failed attempt is forgotten so the
// next caller retries it.
type Lazy struct {
	group singleflight.Group
	mu    sync.Mutex
	done  bool
	fn    func(ctx context.Context) error
}

func NewLazy(fn func(ctx context.Context) error) *Lazy {
	return &Lazy{fn: fn}
}

// Do runs the initialization unless it already succeeded.
func (l *Lazy) Do(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := l.group.Do("init", func() (any, error) {
		l.mu.Lock()
		if l.done {
			l.mu.Unlock()
			return nil, nil
		}
		l.mu.Unlock()

		if err := l.fn(ctx); err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
		return nil, nil
	})
	return err
}

// Done reports whether the initialization succeeded.
func (l *Lazy) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}
