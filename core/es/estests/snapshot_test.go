package estests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
)

func snapshotAt(v es.Version) es.Snapshot {
	return es.Snapshot{Aggregate: es.AggregateRef{ID: newID(), Version: v}, Timestamp: now()}
}

func TestSnapshotQueue_WritesInOrder(t *testing.T) {
	var (
		mu      sync.Mutex
		written []es.Version
	)
	q := es.NewSnapshotQueue(func(_ context.Context, s es.Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, s.Aggregate.Version)
		return nil
	})

	for v := range es.Version(5) {
		require.NoError(t, q.Enqueue(snapshotAt(v+1)))
	}
	require.NoError(t, q.Flush(t.Context()))
	require.Equal(t, 0, q.Len())

	mu.Lock()
	require.Equal(t, []es.Version{1, 2, 3, 4, 5}, written)
	mu.Unlock()

	require.NoError(t, q.Close(t.Context()))
	require.ErrorIs(t, q.Enqueue(snapshotAt(6)), es.ErrStoreClosed)
}

func TestSnapshotQueue_FailuresAreDropped(t *testing.T) {
	var calls int
	q := es.NewSnapshotQueue(func(context.Context, es.Snapshot) error {
		calls++
		return errors.New("write failed")
	})
	require.NoError(t, q.Enqueue(snapshotAt(1)))
	require.NoError(t, q.Enqueue(snapshotAt(2)))
	require.NoError(t, q.Close(t.Context()))
	require.Equal(t, 2, calls)
}

func TestSnapshotQueue_Limit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q := es.NewSnapshotQueue(func(context.Context, es.Snapshot) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, es.WithSnapshotQueueLimit(1))

	require.NoError(t, q.Enqueue(snapshotAt(1)))
	<-started
	// the first snapshot is being written, one more fits in the queue
	require.NoError(t, q.Enqueue(snapshotAt(2)))
	require.ErrorIs(t, q.Enqueue(snapshotAt(3)), es.ErrSnapshotQueueFull)

	close(release)
	require.NoError(t, q.Close(t.Context()))
}

func TestSnapshotQueue_FlushHonoursContext(t *testing.T) {
	release := make(chan struct{})
	q := es.NewSnapshotQueue(func(context.Context, es.Snapshot) error {
		<-release
		return nil
	})
	require.NoError(t, q.Enqueue(snapshotAt(1)))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Flush(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, q.Flush(t.Context()))
	require.NoError(t, q.Close(t.Context()))
}
