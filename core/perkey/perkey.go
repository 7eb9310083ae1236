// Package perkey provides a scheduler that serializes work per key
// while allowing work for different keys to execute concurrently.
//
// Each active key owns one worker goroutine fed over a channel, which makes
// the worker a single-writer actor for that key. Workers exit after being
// idle for a while and are recreated on demand, so a process can touch
// millions of aggregate ids without keeping a goroutine per id alive.
package perkey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
)

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize  int
	idleTimeout time.Duration
}

// WithBufferSize sets the task buffer size per worker (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithIdleTimeout sets how long a worker waits for new tasks before it
// exits (default: 1 minute). Zero or negative keeps workers alive until
// Close.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// Scheduler runs tasks (functions) such that for any given key K,
// tasks are executed sequentially, in submission order.
// Tasks for *different* keys can proceed in parallel.
type Scheduler[K comparable] struct {
	mu      sync.Mutex
	workers map[K]*worker
	closed  bool
	wg      sync.WaitGroup // tracks in-flight Do operations
	running sync.WaitGroup // tracks worker goroutines
	cfg     config
}

type worker struct {
	tasks chan *task
	// pending counts tasks handed to this worker that have not finished.
	// Guarded by Scheduler.mu.
	pending int
}

type task struct {
	fn   func() error
	done chan error
}

// New creates a new Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := config{bufferSize: 64, idleTimeout: time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler[K]{
		workers: make(map[K]*worker),
		cfg:     cfg,
	}
}

// Do schedules fn to run for the given key.
// It blocks until fn finishes and returns its error.
// All fn calls for the same key are executed sequentially.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation.
// If the context is cancelled while waiting to enqueue or waiting for
// completion, it returns the context error. A task that was already
// enqueued still executes.
//
// A panic inside fn is recovered and returned as an error wrapping
// ErrTaskPanicked.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	w := s.getOrCreateWorkerLocked(key)
	w.pending++
	s.mu.Unlock()
	defer s.wg.Done()

	t := &task{
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		s.mu.Lock()
		w.pending--
		s.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new tasks and shuts down all workers.
// It waits for in-flight Do operations to finish enqueueing, closes the
// worker channels and waits until queued tasks have run.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = nil
	s.mu.Unlock()

	s.running.Wait()
}

// ActiveKeys returns the number of keys that currently own a worker.
func (s *Scheduler[K]) ActiveKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Scheduler[K]) getOrCreateWorkerLocked(key K) *worker {
	w, ok := s.workers[key]
	if ok {
		return w
	}

	w = &worker{
		tasks: make(chan *task, s.cfg.bufferSize),
	}
	s.workers[key] = w
	s.running.Add(1)
	go s.runWorker(key, w)

	return w
}

// runWorker processes tasks sequentially for a single key.
func (s *Scheduler[K]) runWorker(key K, w *worker) {
	defer s.running.Done()

	var (
		idle  *time.Timer
		idleC <-chan time.Time
	)
	if s.cfg.idleTimeout > 0 {
		idle = time.NewTimer(s.cfg.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			t.done <- run(t.fn)
			s.mu.Lock()
			w.pending--
			s.mu.Unlock()
			if idle != nil {
				idle.Reset(s.cfg.idleTimeout)
			}
		case <-idleC:
			if s.retire(key, w) {
				return
			}
			idle.Reset(s.cfg.idleTimeout)
		}
	}
}

// retire removes an idle worker. It refuses while tasks are pending, since
// a sender may have picked the worker up before the timer fired.
func (s *Scheduler[K]) retire(key K, w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || w.pending > 0 {
		return false
	}
	if cur, ok := s.workers[key]; ok && cur == w {
		delete(s.workers, key)
	}
	return true
}

func run(fn func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("%w: %w", ErrTaskPanicked, r.AsError())
	}
	return err
}

// ----- Errors -----

var (
	// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
	ErrSchedulerClosed = &SchedulerError{"scheduler is closed"}
	ErrTaskPanicked    = &SchedulerError{"task panicked"}
)

// SchedulerError is a simple error implementation.
type SchedulerError struct {
	msg string
}

func (e *SchedulerError) Error() string { return e.msg }
