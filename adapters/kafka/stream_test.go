package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
)

type received struct {
	mu     sync.Mutex
	events []es.Event
}

func (r *received) handle(_ context.Context, ev es.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *received) all() []es.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]es.Event(nil), r.events...)
}

func event(id es.AggregateID, v es.Version) es.Event {
	return es.Event{
		ID:        ids.NewEventID(),
		Type:      3,
		Aggregate: es.AggregateRef{ID: id, Version: v},
		Body:      map[string]any{"v": int64(v)},
		Meta:      es.Meta{},
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestKafka_Stream(t *testing.T) {
	cfg := NewTestContainer(t)

	t.Run("deliver all keeps aggregate order", func(t *testing.T) {
		s := NewTestStream(t, cfg, "order.")
		id := es.AggregateID(ids.NewObjectID().Bytes())
		events := make([]es.Event, 20)
		for i := range events {
			events[i] = event(id, es.Version(i+1))
		}
		require.NoError(t, s.SendEvents(t.Context(), []es.StreamBatch{{Stream: "s1", Events: events}}))

		var r received
		sub, err := s.Subscribe(t.Context(), "s1", r.handle, es.WithDeliverPolicy(es.DeliverAllPolicy))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return r.len() == 20 }, 30*time.Second, 50*time.Millisecond)

		for i, ev := range r.all() {
			require.Equal(t, events[i].ID, ev.ID)
			require.Equal(t, es.Version(i+1), ev.Aggregate.Version)
			require.Equal(t, id, ev.Aggregate.ID)
		}
		require.NoError(t, sub.Stop(t.Context()))
	})

	t.Run("group resumes from committed offset", func(t *testing.T) {
		s := NewTestStream(t, cfg, "resume.")
		id := es.AggregateID(ids.NewObjectID().Bytes())
		require.NoError(t, s.SendEvents(t.Context(), []es.StreamBatch{{Stream: "s1", Events: []es.Event{event(id, 1), event(id, 2)}}}))

		var first received
		sub, err := s.Subscribe(t.Context(), "s1", first.handle,
			es.WithConsumerGroup("projector"), es.WithDeliverPolicy(es.DeliverAllPolicy))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return first.len() == 2 }, 30*time.Second, 50*time.Millisecond)
		require.NoError(t, sub.Stop(t.Context()))

		require.NoError(t, s.SendEvents(t.Context(), []es.StreamBatch{{Stream: "s1", Events: []es.Event{event(id, 3)}}}))

		var second received
		_, err = s.Subscribe(t.Context(), "s1", second.handle,
			es.WithConsumerGroup("projector"), es.WithDeliverPolicy(es.DeliverAllPolicy))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return second.len() == 1 }, 30*time.Second, 50*time.Millisecond)
		require.Equal(t, es.Version(3), second.all()[0].Aggregate.Version)
	})

	t.Run("invalid stream name", func(t *testing.T) {
		s := NewTestStream(t, cfg, "invalid.")
		err := s.SendEvents(t.Context(), []es.StreamBatch{{Stream: "a/b"}})
		require.ErrorIs(t, err, es.ErrInvalidArgument)
	})

	t.Run("closed", func(t *testing.T) {
		s := NewTestStream(t, cfg, "closed.")
		require.NoError(t, s.Close(t.Context()))
		require.ErrorIs(t, s.SendEvents(t.Context(), nil), es.ErrStreamClosed)
		_, err := s.Subscribe(t.Context(), "s1", (&received{}).handle)
		require.ErrorIs(t, err, es.ErrStreamClosed)
	})
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewStream(Config{})
	require.Error(t, err)

	cfg := Config{Brokers: []string{"localhost:9092"}}
	cfg.applyDefaults()
	require.Equal(t, "arque.", cfg.TopicPrefix)
	require.Equal(t, 1, cfg.Partitions)
	require.NoError(t, cfg.Validate())
}

func TestValidStreamName(t *testing.T) {
	require.NoError(t, validStreamName("billing.v2-eu_1"))
	for _, name := range []string{"", "a b", "a/b", "ü"} {
		require.ErrorIs(t, validStreamName(name), es.ErrInvalidArgument, name)
	}
}
