package es

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

const defaultSnapshotSaveTimeout = 10 * time.Second

// Snapshot is a serialized aggregate state at a version. Snapshots are
// never overwritten: saving a second snapshot for the same version is a
// no-op.
type Snapshot struct {
	Aggregate AggregateRef
	State     any
	Timestamp time.Time
}

func (s Snapshot) SlogAttr() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("aggregate_id", s.Aggregate.ID.String()),
		s.Aggregate.Version.SlogAttr(),
		slog.Time("timestamp", s.Timestamp),
	)
}

// SnapshotWriter persists a single snapshot.
type SnapshotWriter func(ctx context.Context, s Snapshot) error

type (
	snapshotQueueOpts struct {
		log     *slog.Logger
		metrics ESMetrics
		limit   int
		timeout time.Duration
	}
	SnapshotQueueOption  interface{ applyToSnapshotQueue(*snapshotQueueOpts) }
	SnapshotQueueLimit   valueOption[int]
	SnapshotWriteTimeout valueOption[time.Duration]
)

// WithSnapshotQueueLimit bounds the number of queued snapshots. Snapshots
// enqueued while the queue is full are dropped. Zero means unbounded.
func WithSnapshotQueueLimit(n int) SnapshotQueueLimit { return SnapshotQueueLimit{v: n} }

func WithSnapshotWriteTimeout(d time.Duration) SnapshotWriteTimeout {
	return SnapshotWriteTimeout{v: d}
}

func (o SnapshotQueueLimit) applyToSnapshotQueue(q *snapshotQueueOpts)   { q.limit = o.v }
func (o SnapshotWriteTimeout) applyToSnapshotQueue(q *snapshotQueueOpts) { q.timeout = o.v }
func (o LogOption) applyToSnapshotQueue(q *snapshotQueueOpts)            { q.log = o.v }
func (o ESMetricsOption) applyToSnapshotQueue(q *snapshotQueueOpts)      { q.metrics = o.v }

// SnapshotQueue writes snapshots in the background, one at a time, in
// enqueue order. Write failures are logged and dropped.
type SnapshotQueue struct {
	opts  snapshotQueueOpts
	write SnapshotWriter

	mu      sync.Mutex
	items   []Snapshot
	pending int
	idle    chan struct{}
	closed  bool

	wake chan struct{}
	wg   conc.WaitGroup
}

func NewSnapshotQueue(write SnapshotWriter, opts ...SnapshotQueueOption) *SnapshotQueue {
	options := snapshotQueueOpts{
		log:     slog.Default(),
		metrics: NopESMetrics(),
		timeout: defaultSnapshotSaveTimeout,
	}
	for _, opt := range opts {
		opt.applyToSnapshotQueue(&options)
	}

	idle := make(chan struct{})
	close(idle)

	q := &SnapshotQueue{
		opts:  options,
		write: write,
		idle:  idle,
		wake:  make(chan struct{}, 1),
	}
	q.wg.Go(q.run)
	return q
}

// Enqueue schedules s for writing and returns immediately.
func (q *SnapshotQueue) Enqueue(s Snapshot) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStoreClosed
	}
	if q.opts.limit > 0 && len(q.items) >= q.opts.limit {
		q.mu.Unlock()
		q.opts.metrics.SnapshotDropped()
		q.opts.log.Warn("snapshot queue full, dropping snapshot", s.SlogAttr(), slog.Int("limit", q.opts.limit))
		return ErrSnapshotQueueFull
	}
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	q.items = append(q.items, s)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of snapshots not yet written, including the one
// being written.
func (q *SnapshotQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Flush blocks until every snapshot enqueued so far was written or ctx is
// done.
func (q *SnapshotQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting snapshots and waits for the queue to drain, at
// most until ctx is done.
func (q *SnapshotQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.opts.log.Warn("snapshot queue not drained", slog.Int("pending", q.Len()))
		return ctx.Err()
	}
}

func (q *SnapshotQueue) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		s := q.items[0]
		q.items[0] = Snapshot{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.save(s)

		q.mu.Lock()
		q.pending--
		if q.pending == 0 {
			close(q.idle)
		}
		q.mu.Unlock()
	}
}

func (q *SnapshotQueue) save(s Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.timeout)
	defer cancel()

	timer := q.opts.metrics.SnapshotSaveDuration()
	err := q.write(ctx, s)
	timer.ObserveDuration()
	q.opts.metrics.SnapshotSaved(err == nil)

	if err != nil {
		q.opts.log.Warn("failed to save snapshot", s.SlogAttr(), slog.Any("error", err))
		return
	}
	q.opts.log.Debug("snapshot saved", s.SlogAttr())
}
