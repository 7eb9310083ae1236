package estests

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
	"github.com/codewandler/arque-go/ports/kv"
)

type collector struct {
	mu     sync.Mutex
	events []es.Event
}

func (c *collector) handle(_ context.Context, ev es.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) all() []es.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]es.Event(nil), c.events...)
}

func testEvent(t es.EventType, v es.Version) es.Event {
	return es.Event{
		ID:        ids.NewEventID(),
		Type:      t,
		Aggregate: es.AggregateRef{ID: newID(), Version: v},
		Body:      map[string]any{},
		Meta:      es.Meta{},
		Timestamp: now(),
	}
}

func newMemoryStream(t *testing.T) *es.InMemoryStream {
	s := es.NewInMemoryStream()
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestInMemoryStream_Deliver(t *testing.T) {
	stream := newMemoryStream(t)
	var c collector

	sub, err := stream.Subscribe(t.Context(), "s1", c.handle)
	require.NoError(t, err)

	require.NoError(t, stream.SendEvents(t.Context(), []es.StreamBatch{
		{Stream: "s1", Events: []es.Event{testEvent(1, 1), testEvent(1, 2)}},
		{Stream: "s2", Events: []es.Event{testEvent(1, 1)}},
	}))

	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Stop(t.Context()))

	require.NoError(t, stream.SendEvents(t.Context(), []es.StreamBatch{{Stream: "s1", Events: []es.Event{testEvent(1, 3)}}}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, c.len())
}

func TestInMemoryStream_DeliverAll(t *testing.T) {
	stream := newMemoryStream(t)
	require.NoError(t, stream.SendEvents(t.Context(), []es.StreamBatch{{Stream: "s1", Events: []es.Event{testEvent(1, 1)}}}))

	var c collector
	_, err := stream.Subscribe(t.Context(), "s1", c.handle, es.WithDeliverPolicy(es.DeliverAllPolicy))
	require.NoError(t, err)
	require.NoError(t, stream.SendEvents(t.Context(), []es.StreamBatch{{Stream: "s1", Events: []es.Event{testEvent(1, 2)}}}))

	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)
	events := c.all()
	require.Equal(t, es.Version(1), events[0].Aggregate.Version)
	require.Equal(t, es.Version(2), events[1].Aggregate.Version)
}

func TestInMemoryStream_ConsumerGroup(t *testing.T) {
	stream := newMemoryStream(t)
	var a, b collector

	_, err := stream.Subscribe(t.Context(), "s1", a.handle, es.WithConsumerGroup("g"))
	require.NoError(t, err)
	_, err = stream.Subscribe(t.Context(), "s1", b.handle, es.WithConsumerGroup("g"))
	require.NoError(t, err)

	events := make([]es.Event, 10)
	for i := range events {
		events[i] = testEvent(1, es.Version(i+1))
	}
	require.NoError(t, stream.SendEvents(t.Context(), []es.StreamBatch{{Stream: "s1", Events: events}}))

	require.Eventually(t, func() bool { return a.len()+b.len() == 10 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 5, a.len())
	require.Equal(t, 5, b.len())
}

func TestInMemoryStream_HandlerRetry(t *testing.T) {
	stream := newMemoryStream(t)
	var calls atomic.Int32
	done := make(chan struct{})

	_, err := stream.Subscribe(t.Context(), "s1", func(context.Context, es.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	}, es.WithHandlerRetry(es.RetryPolicy{StartingDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 5}))
	require.NoError(t, err)

	require.NoError(t, stream.SendEvents(t.Context(), []es.StreamBatch{{Stream: "s1", Events: []es.Event{testEvent(1, 1)}}}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not succeed")
	}
	require.Equal(t, int32(3), calls.Load())
}

func TestInMemoryStream_Closed(t *testing.T) {
	stream := es.NewInMemoryStream()
	require.NoError(t, stream.Close(t.Context()))
	require.ErrorIs(t, stream.SendEvents(t.Context(), nil), es.ErrStreamClosed)
	_, err := stream.Subscribe(t.Context(), "s1", (&collector{}).handle)
	require.ErrorIs(t, err, es.ErrStreamClosed)
}

func TestKVConfig(t *testing.T) {
	ctx := t.Context()
	cfg := es.NewKVConfig(kv.NewMemStore(), "")

	streams, err := cfg.FindStreams(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, streams)

	require.NoError(t, cfg.SaveStream(ctx, es.StreamConfig{ID: "b", Events: []es.EventType{1, 2}}))
	require.NoError(t, cfg.SaveStream(ctx, es.StreamConfig{ID: "a", Events: []es.EventType{1}}))

	streams, err = cfg.FindStreams(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, streams)

	// b no longer wants type 1
	require.NoError(t, cfg.SaveStream(ctx, es.StreamConfig{ID: "b", Events: []es.EventType{2, 3}}))

	streams, err = cfg.FindStreams(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, streams)

	streams, err = cfg.FindStreams(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, streams)

	require.ErrorIs(t, cfg.SaveStream(ctx, es.StreamConfig{}), es.ErrInvalidArgument)
}

func TestBroker_RoutesByEventType(t *testing.T) {
	ctx := t.Context()
	stream := newMemoryStream(t)
	cfg := es.NewKVConfig(kv.NewMemStore(), "")
	require.NoError(t, cfg.SaveStream(ctx, es.StreamConfig{ID: "deposits", Events: []es.EventType{1}}))
	require.NoError(t, cfg.SaveStream(ctx, es.StreamConfig{ID: "audit", Events: []es.EventType{1, 2}}))

	var deposits, audit collector
	_, err := stream.Subscribe(ctx, "deposits", deposits.handle)
	require.NoError(t, err)
	_, err = stream.Subscribe(ctx, "audit", audit.handle)
	require.NoError(t, err)

	broker := es.NewBroker(cfg, stream)
	require.NoError(t, broker.Start(ctx))
	require.ErrorIs(t, broker.Start(ctx), es.ErrBrokerRunning)
	t.Cleanup(func() { _ = broker.Stop(context.Background()) })

	require.NoError(t, stream.SendEvents(ctx, []es.StreamBatch{{
		Stream: es.MainStream,
		Events: []es.Event{testEvent(1, 1), testEvent(2, 1), testEvent(3, 1)},
	}}))

	require.Eventually(t, func() bool { return deposits.len() == 1 && audit.len() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, deposits.len())
	require.Equal(t, 2, audit.len())
}
