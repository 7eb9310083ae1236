package es

import (
	"context"
	"sync"
)

// SpyStore wraps a StoreAdapter and records the calls made through it.
// Tests use it to observe what the aggregate runtime asks of a store.
type SpyStore struct {
	StoreAdapter

	mu        sync.Mutex
	calls     map[string]int
	saved     []SaveEventsParams
	snapshots []Snapshot
	// FailSaveEvents holds errors returned by the next SaveEvents calls
	// instead of delegating, one per call.
	FailSaveEvents []error
}

func NewSpyStore(inner StoreAdapter) *SpyStore {
	return &SpyStore{StoreAdapter: inner, calls: map[string]int{}}
}

func (s *SpyStore) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
}

// Calls returns how often op was called.
func (s *SpyStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *SpyStore) Saved() []SaveEventsParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SaveEventsParams(nil), s.saved...)
}

func (s *SpyStore) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.snapshots...)
}

func (s *SpyStore) SaveEvents(ctx context.Context, params SaveEventsParams) error {
	s.record("SaveEvents")

	s.mu.Lock()
	if len(s.FailSaveEvents) > 0 {
		err := s.FailSaveEvents[0]
		s.FailSaveEvents = s.FailSaveEvents[1:]
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.StoreAdapter.SaveEvents(ctx, params); err != nil {
		return err
	}
	s.mu.Lock()
	s.saved = append(s.saved, params)
	s.mu.Unlock()
	return nil
}

func (s *SpyStore) ListEvents(ctx context.Context, params ListEventsParams) (EventCursor, error) {
	s.record("ListEvents")
	return s.StoreAdapter.ListEvents(ctx, params)
}

func (s *SpyStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.record("SaveSnapshot")
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
	return s.StoreAdapter.SaveSnapshot(ctx, snap)
}

func (s *SpyStore) FindLatestSnapshot(ctx context.Context, ref AggregateRef) (Snapshot, error) {
	s.record("FindLatestSnapshot")
	return s.StoreAdapter.FindLatestSnapshot(ctx, ref)
}

func (s *SpyStore) FinalizeAggregate(ctx context.Context, id AggregateID) error {
	s.record("FinalizeAggregate")
	return s.StoreAdapter.FinalizeAggregate(ctx, id)
}

var _ StoreAdapter = (*SpyStore)(nil)
