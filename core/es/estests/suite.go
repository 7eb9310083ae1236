// Package estests holds behaviour suites every es.StoreAdapter must pass.
// Backend packages run them from their own tests against a real database.
package estests

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/es/estests/domain"
	"github.com/codewandler/arque-go/core/ids"
)

// Flusher is implemented by stores that can wait for queued snapshots.
type Flusher interface {
	FlushSnapshots(ctx context.Context) error
}

func flush(t *testing.T, store es.StoreAdapter) {
	t.Helper()
	f, ok := store.(Flusher)
	require.True(t, ok, "store %T cannot flush snapshots", store)
	require.NoError(t, f.FlushSnapshots(t.Context()))
}

func newID() es.AggregateID { return ids.NewObjectID().Bytes() }

// randomType returns an event type no other test uses, so listing by type
// is not disturbed by other tests sharing the store.
func randomType() es.EventType { return es.EventType(1000 + rand.Int32N(1<<30)) }

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

func pending(t es.EventType, body map[string]any) es.PendingEvent {
	return es.PendingEvent{ID: ids.NewEventID(), Type: t, Body: body, Meta: es.Meta{}}
}

func save(ctx context.Context, store es.StoreAdapter, id es.AggregateID, first es.Version, events ...es.PendingEvent) error {
	return store.SaveEvents(ctx, es.SaveEventsParams{
		Aggregate: es.AggregateRef{ID: id, Version: first},
		Timestamp: now(),
		Events:    events,
	})
}

// RunStoreSuite runs the store contract against store. The store is shared
// by all subtests; every subtest uses fresh aggregate ids.
func RunStoreSuite(t *testing.T, store es.StoreAdapter) {
	require.NoError(t, store.Init(t.Context()))

	t.Run("save and list by aggregate", func(t *testing.T) {
		var (
			ctx = t.Context()
			id  = newID()
			typ = randomType()
			ts  = now()
			ev1 = pending(typ, map[string]any{"name": "a"})
			ev2 = pending(typ, map[string]any{"name": "b"})
			ev3 = pending(typ, map[string]any{"name": "c"})
		)
		ev1.Meta = es.Meta{"origin": "test"}

		require.NoError(t, store.SaveEvents(ctx, es.SaveEventsParams{
			Aggregate: es.AggregateRef{ID: id, Version: 1},
			Timestamp: ts,
			Events:    []es.PendingEvent{ev1, ev2},
			Meta:      es.Meta{"request": "r-1"},
		}))
		require.NoError(t, save(ctx, store, id, 3, ev3))

		events, err := es.ListAggregateEvents(ctx, store, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)

		for i, ev := range events {
			require.Equal(t, es.Version(i+1), ev.Aggregate.Version)
			require.True(t, id.Equal(ev.Aggregate.ID))
			require.Equal(t, typ, ev.Type)
		}
		require.Equal(t, ev1.ID, events[0].ID)
		require.Equal(t, "a", events[0].Body["name"])
		require.Equal(t, "c", events[2].Body["name"])
		require.Equal(t, "test", events[0].Meta["origin"])
		require.Equal(t, "r-1", events[0].Meta["request"])
		require.Equal(t, "r-1", events[1].Meta["request"])
		require.True(t, ts.Equal(events[0].Timestamp), "timestamp %s != %s", ts, events[0].Timestamp)

		after, err := es.ListAggregateEvents(ctx, store, id, 2)
		require.NoError(t, err)
		require.Len(t, after, 1)
		require.Equal(t, ev3.ID, after[0].ID)

		none, err := es.ListAggregateEvents(ctx, store, id, 3)
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("binary meta survives a round trip", func(t *testing.T) {
		ctx := t.Context()
		id := newID()
		require.NoError(t, store.SaveEvents(ctx, es.SaveEventsParams{
			Aggregate: es.AggregateRef{ID: id, Version: 1},
			Timestamp: now(),
			Events:    []es.PendingEvent{pending(randomType(), map[string]any{})},
			Meta:      es.Meta{es.MetaContextKey: []byte{1, 2, 3}},
		}))

		events, err := es.ListAggregateEvents(ctx, store, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, []byte{1, 2, 3}, events[0].Meta.Context())
	})

	t.Run("version conflict", func(t *testing.T) {
		ctx := t.Context()
		id := newID()
		typ := randomType()

		require.NoError(t, save(ctx, store, id, 1, pending(typ, nil)))

		err := save(ctx, store, id, 1, pending(typ, nil))
		require.ErrorIs(t, err, es.ErrAggregateVersionConflict)
		var conflict *es.AggregateVersionConflictError
		require.ErrorAs(t, err, &conflict)
		require.True(t, id.Equal(conflict.ID))
		require.Equal(t, es.Version(1), conflict.Version)

		require.ErrorIs(t, save(ctx, store, id, 3, pending(typ, nil)), es.ErrAggregateVersionConflict)
		require.ErrorIs(t, save(ctx, store, newID(), 2, pending(typ, nil)), es.ErrAggregateVersionConflict)

		events, err := es.ListAggregateEvents(ctx, store, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		ctx := t.Context()
		id := newID()
		typ := randomType()

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := save(ctx, store, id, 1, pending(typ, nil), pending(typ, nil))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case es.IsVersionConflict(err):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, ok)
		require.Equal(t, writers-1, conflicts)

		events, err := es.ListAggregateEvents(ctx, store, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
	})

	t.Run("finalize", func(t *testing.T) {
		ctx := t.Context()
		id := newID()
		typ := randomType()

		require.NoError(t, save(ctx, store, id, 1, pending(typ, nil)))
		require.NoError(t, store.FinalizeAggregate(ctx, id))
		require.NoError(t, store.FinalizeAggregate(ctx, id))

		err := save(ctx, store, id, 2, pending(typ, nil))
		require.ErrorIs(t, err, es.ErrAggregateIsFinal)
		var final *es.AggregateIsFinalError
		require.ErrorAs(t, err, &final)

		events, err := es.ListAggregateEvents(ctx, store, id, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
	})

	t.Run("finalize unknown aggregate", func(t *testing.T) {
		ctx := t.Context()
		id := newID()

		require.NoError(t, store.FinalizeAggregate(ctx, id))
		require.ErrorIs(t, save(ctx, store, id, 1, pending(randomType(), nil)), es.ErrAggregateIsFinal)
	})

	t.Run("snapshots", func(t *testing.T) {
		ctx := t.Context()
		id := newID()

		_, err := store.FindLatestSnapshot(ctx, es.AggregateRef{ID: id})
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)

		for _, v := range []es.Version{5, 10} {
			require.NoError(t, store.SaveSnapshot(ctx, es.Snapshot{
				Aggregate: es.AggregateRef{ID: id, Version: v},
				State:     map[string]any{"at": v.String()},
				Timestamp: now(),
			}))
		}
		require.NoError(t, store.SaveSnapshot(ctx, es.Snapshot{
			Aggregate: es.AggregateRef{ID: id, Version: 10},
			State:     map[string]any{"at": "overwritten"},
			Timestamp: now(),
		}))
		flush(t, store)

		latest, err := store.FindLatestSnapshot(ctx, es.AggregateRef{ID: id})
		require.NoError(t, err)
		require.Equal(t, es.Version(10), latest.Aggregate.Version)
		require.True(t, id.Equal(latest.Aggregate.ID))
		state, ok := latest.State.(map[string]any)
		require.True(t, ok, "state is %T", latest.State)
		require.Equal(t, "10", state["at"])

		latest, err = store.FindLatestSnapshot(ctx, es.AggregateRef{ID: id, Version: 7})
		require.NoError(t, err)
		require.Equal(t, es.Version(10), latest.Aggregate.Version)

		_, err = store.FindLatestSnapshot(ctx, es.AggregateRef{ID: id, Version: 10})
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
	})

	t.Run("projection checkpoints", func(t *testing.T) {
		ctx := t.Context()
		id := newID()
		cp := func(v es.Version) es.ProjectionCheckpoint {
			return es.ProjectionCheckpoint{
				Projection: "suite",
				Aggregate:  es.AggregateRef{ID: id, Version: v},
				Timestamp:  now(),
			}
		}
		check := func(v es.Version) bool {
			fresh, err := store.CheckProjectionCheckpoint(ctx, cp(v))
			require.NoError(t, err)
			return fresh
		}

		require.True(t, check(3))
		require.NoError(t, store.SaveProjectionCheckpoint(ctx, cp(3)))
		require.False(t, check(3))
		require.False(t, check(2))
		require.True(t, check(4))

		require.NoError(t, store.SaveProjectionCheckpoint(ctx, cp(2)))
		require.False(t, check(3))

		other := cp(3)
		other.Projection = "other"
		fresh, err := store.CheckProjectionCheckpoint(ctx, other)
		require.NoError(t, err)
		require.True(t, fresh)
	})

	t.Run("list by type in timestamp order", func(t *testing.T) {
		ctx := t.Context()
		typ := randomType()
		base := now()

		offsets := []time.Duration{3 * time.Second, time.Second, 2 * time.Second}
		for _, off := range offsets {
			ev := pending(typ, map[string]any{"offset": off.String()})
			ev.Timestamp = base.Add(off)
			require.NoError(t, save(ctx, store, newID(), 1, ev))
		}
		require.NoError(t, save(ctx, store, newID(), 1, pending(randomType(), nil)))

		cur, err := store.ListEvents(ctx, es.ByType(typ))
		require.NoError(t, err)
		events, err := es.Collect(ctx, cur)
		require.NoError(t, err)
		require.Len(t, events, 3)
		require.Equal(t, "1s", events[0].Body["offset"])
		require.Equal(t, "2s", events[1].Body["offset"])
		require.Equal(t, "3s", events[2].Body["offset"])
	})

	t.Run("invalid arguments", func(t *testing.T) {
		ctx := t.Context()

		_, err := store.ListEvents(ctx, es.ListEventsParams{})
		require.ErrorIs(t, err, es.ErrInvalidArgument)

		err = store.SaveEvents(ctx, es.SaveEventsParams{
			Aggregate: es.AggregateRef{ID: newID(), Version: 1},
			Timestamp: now(),
		})
		require.ErrorIs(t, err, es.ErrInvalidArgument)

		err = store.SaveProjectionCheckpoint(ctx, es.ProjectionCheckpoint{Aggregate: es.AggregateRef{ID: newID()}})
		require.ErrorIs(t, err, es.ErrInvalidArgument)
	})
}

// RunAggregateSuite runs aggregates of the counter domain against store.
func RunAggregateSuite(t *testing.T, store es.StoreAdapter) {
	require.NoError(t, store.Init(t.Context()))

	newAgg := func(id es.AggregateID, opts ...es.AggregateOption) *es.Aggregate[domain.Counter] {
		a := es.NewAggregate(store, nil, domain.Handlers(), id, opts...)
		t.Cleanup(a.Close)
		return a
	}

	t.Run("process and reload", func(t *testing.T) {
		ctx := t.Context()
		id := newID()
		a := newAgg(id)

		require.NoError(t, a.Process(ctx, domain.Increment(3)))
		require.NoError(t, a.Process(ctx, domain.IncrementTwice()))
		require.Equal(t, es.Version(4), a.Version())
		require.Equal(t, 5, a.State().Count)
		require.Equal(t, 3, a.State().TotalEvents, "the audit event has no handler")

		b := newAgg(id)
		require.NoError(t, b.Reload(ctx))
		require.Equal(t, a.Version(), b.Version())
		require.Equal(t, a.State(), b.State())
	})

	t.Run("concurrent aggregates converge", func(t *testing.T) {
		ctx := t.Context()
		id := newID()

		const perWriter = 10
		writers := []*es.Aggregate[domain.Counter]{newAgg(id), newAgg(id)}

		var wg sync.WaitGroup
		for _, w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range perWriter {
					if err := w.Process(ctx, domain.Increment(1), es.WithMaxRetries(50)); err != nil {
						t.Errorf("process: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		check := newAgg(id)
		require.NoError(t, check.Reload(ctx))
		require.Equal(t, es.Version(2*perWriter), check.Version())
		require.Equal(t, 2*perWriter, check.State().Count)
	})

	t.Run("snapshot restores state", func(t *testing.T) {
		ctx := t.Context()
		id := newID()
		a := newAgg(id, es.WithSnapshotInterval(4))

		for range 5 {
			require.NoError(t, a.Process(ctx, domain.Increment(2)))
		}
		flush(t, store)

		snap, err := store.FindLatestSnapshot(ctx, es.AggregateRef{ID: id})
		require.NoError(t, err)
		require.Equal(t, es.Version(4), snap.Aggregate.Version)

		b := newAgg(id)
		require.NoError(t, b.Reload(ctx))
		require.Equal(t, es.Version(5), b.Version())
		require.Equal(t, 10, b.State().Count)
	})

	t.Run("finalized aggregate rejects commands", func(t *testing.T) {
		ctx := t.Context()
		a := newAgg(newID())

		require.NoError(t, a.Process(ctx, domain.Increment(1)))
		require.NoError(t, a.Finalize(ctx))
		require.ErrorIs(t, a.Process(ctx, domain.Increment(1)), es.ErrAggregateIsFinal)
		require.Equal(t, es.Version(1), a.Version())
	})
}
