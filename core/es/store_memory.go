package es

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type (
	memoryStoreOpts struct {
		log     *slog.Logger
		metrics ESMetrics
		queue   []SnapshotQueueOption
	}
	InMemoryStoreOption interface{ applyToMemoryStore(*memoryStoreOpts) }
)

func (o LogOption) applyToMemoryStore(s *memoryStoreOpts)       { s.log = o.v }
func (o ESMetricsOption) applyToMemoryStore(s *memoryStoreOpts) { s.metrics = o.v }
func (o SnapshotQueueLimit) applyToMemoryStore(s *memoryStoreOpts) {
	s.queue = append(s.queue, o)
}

// InMemoryStore keeps everything in process memory. It honours the same
// concurrency and finalization rules as the database backends and is meant
// for tests and local development.
type InMemoryStore struct {
	log     *slog.Logger
	metrics ESMetrics
	queue   *SnapshotQueue
	closed  atomic.Bool

	mu          sync.RWMutex
	aggregates  map[string]*AggregateRecord
	events      map[string][]Event
	byType      map[EventType][]Event
	snapshots   map[string][]Snapshot
	checkpoints map[string]Version
}

func NewInMemoryStore(opts ...InMemoryStoreOption) *InMemoryStore {
	options := memoryStoreOpts{
		log:     slog.Default(),
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToMemoryStore(&options)
	}

	s := &InMemoryStore{
		log:         options.log.With(slog.String("store", "memory")),
		metrics:     options.metrics,
		aggregates:  map[string]*AggregateRecord{},
		events:      map[string][]Event{},
		byType:      map[EventType][]Event{},
		snapshots:   map[string][]Snapshot{},
		checkpoints: map[string]Version{},
	}
	s.queue = NewSnapshotQueue(
		s.writeSnapshot,
		append([]SnapshotQueueOption{WithLog(s.log), WithMetrics(s.metrics)}, options.queue...)...,
	)
	return s
}

func (s *InMemoryStore) Init(context.Context) error { return nil }

func (s *InMemoryStore) SaveEvents(_ context.Context, params SaveEventsParams) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := params.Validate(); err != nil {
		return err
	}
	defer s.metrics.StoreOpDuration("memory", "save_events").ObserveDuration()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := params.Aggregate.ID.key()
	rec, ok := s.aggregates[key]
	if ok && rec.Final {
		return NewIsFinalError(params.Aggregate.ID)
	}

	var current Version
	if ok {
		current = rec.Version
	}
	if params.Aggregate.Version != current+1 {
		return NewVersionConflictError(params.Aggregate.ID, params.Aggregate.Version)
	}

	for i := range params.Events {
		ev := params.Event(i)
		ev.Aggregate.ID = ev.Aggregate.ID.Clone()
		ev.Body = maps.Clone(ev.Body)
		s.events[key] = append(s.events[key], ev)
		s.byType[ev.Type] = append(s.byType[ev.Type], ev)
	}

	if !ok {
		rec = &AggregateRecord{ID: params.Aggregate.ID.Clone()}
		s.aggregates[key] = rec
	}
	rec.Version = params.LastVersion()
	rec.Timestamp = params.Timestamp

	s.metrics.EventsAppended("memory", len(params.Events))
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, params ListEventsParams) (EventCursor, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if params.Aggregate != nil {
		all := s.events[params.Aggregate.ID.key()]
		i, _ := slices.BinarySearchFunc(all, params.Aggregate.Version+1, func(e Event, v Version) int {
			return cmp.Compare(e.Aggregate.Version, v)
		})
		return NewSliceCursor(slices.Clone(all[i:])), nil
	}

	out := slices.Clone(s.byType[*params.Type])
	slices.SortStableFunc(out, func(a, b Event) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	return NewSliceCursor(out), nil
}

func (s *InMemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	if len(snap.Aggregate.ID) == 0 {
		return invalidArgument("aggregate id is empty")
	}
	return s.queue.Enqueue(snap)
}

func (s *InMemoryStore) writeSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snap.Aggregate.ID.key()
	list := s.snapshots[key]
	i, found := slices.BinarySearchFunc(list, snap.Aggregate.Version, func(e Snapshot, v Version) int {
		return cmp.Compare(e.Aggregate.Version, v)
	})
	if found {
		return nil
	}
	snap.Aggregate.ID = snap.Aggregate.ID.Clone()
	s.snapshots[key] = slices.Insert(list, i, snap)
	return nil
}

func (s *InMemoryStore) FindLatestSnapshot(_ context.Context, ref AggregateRef) (Snapshot, error) {
	if s.closed.Load() {
		return Snapshot{}, ErrStoreClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[ref.ID.key()]
	if len(list) == 0 || list[len(list)-1].Aggregate.Version <= ref.Version {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return list[len(list)-1], nil
}

func checkpointKey(projection string, id AggregateID) string {
	return projection + "\x00" + id.key()
}

func (s *InMemoryStore) SaveProjectionCheckpoint(_ context.Context, cp ProjectionCheckpoint) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := cp.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := checkpointKey(cp.Projection, cp.Aggregate.ID)
	s.checkpoints[key] = max(s.checkpoints[key], cp.Aggregate.Version)
	return nil
}

func (s *InMemoryStore) CheckProjectionCheckpoint(_ context.Context, cp ProjectionCheckpoint) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	if err := cp.Validate(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.checkpoints[checkpointKey(cp.Projection, cp.Aggregate.ID)]
	return !ok || v < cp.Aggregate.Version, nil
}

func (s *InMemoryStore) FinalizeAggregate(_ context.Context, id AggregateID) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if len(id) == 0 {
		return invalidArgument("aggregate id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.aggregates[id.key()]
	if !ok {
		rec = &AggregateRecord{ID: id.Clone(), Timestamp: time.Now()}
		s.aggregates[id.key()] = rec
	}
	rec.Final = true
	return nil
}

// Aggregate returns the bookkeeping record of id.
func (s *InMemoryStore) Aggregate(id AggregateID) (AggregateRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.aggregates[id.key()]
	if !ok {
		return AggregateRecord{}, false
	}
	return *rec, true
}

// FlushSnapshots waits until queued snapshots are written.
func (s *InMemoryStore) FlushSnapshots(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

func (s *InMemoryStore) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.queue.Close(ctx)
}

var _ StoreAdapter = (*InMemoryStore)(nil)
