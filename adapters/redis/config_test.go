package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/core/ids"
)

func newTestStore(t *testing.T) (*ConfigStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewConfigStore(Config{Client: client})
	require.NoError(t, s.Init(t.Context()))
	return s, mr
}

func TestConfigStore(t *testing.T) {
	ctx := t.Context()
	s, mr := newTestStore(t)

	streams, err := s.FindStreams(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, streams)

	require.NoError(t, s.SaveStream(ctx, es.StreamConfig{ID: "b", Events: []es.EventType{1, 2}}))
	require.NoError(t, s.SaveStream(ctx, es.StreamConfig{ID: "a", Events: []es.EventType{1}}))

	streams, err = s.FindStreams(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, streams)

	require.NoError(t, s.SaveStream(ctx, es.StreamConfig{ID: "b", Events: []es.EventType{2, 3}}))

	streams, err = s.FindStreams(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, streams)

	streams, err = s.FindStreams(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, streams)

	members, err := mr.Members("arque:streams:b")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"2", "3"}, members)

	require.ErrorIs(t, s.SaveStream(ctx, es.StreamConfig{}), es.ErrInvalidArgument)
}

func TestConfigStore_ClearStream(t *testing.T) {
	ctx := t.Context()
	s, mr := newTestStore(t)

	require.NoError(t, s.SaveStream(ctx, es.StreamConfig{ID: "a", Events: []es.EventType{5}}))
	require.NoError(t, s.SaveStream(ctx, es.StreamConfig{ID: "a"}))

	streams, err := s.FindStreams(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, streams)
	require.False(t, mr.Exists("arque:streams:a"))
}

func TestConfigStore_ConcurrentSaves(t *testing.T) {
	ctx := t.Context()
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SaveStream(ctx, es.StreamConfig{ID: "shared", Events: []es.EventType{es.EventType(i%2 + 1)}}))
		}()
	}
	wg.Wait()

	one, err := s.FindStreams(ctx, 1)
	require.NoError(t, err)
	two, err := s.FindStreams(ctx, 2)
	require.NoError(t, err)
	require.Len(t, append(one, two...), 1, "stream is indexed under exactly its last saved type")
}

func TestConfigStore_Broker(t *testing.T) {
	ctx := t.Context()
	cfg, _ := newTestStore(t)
	require.NoError(t, cfg.SaveStream(ctx, es.StreamConfig{ID: "deposits", Events: []es.EventType{1}}))

	stream := es.NewInMemoryStream()
	t.Cleanup(func() { _ = stream.Close(context.Background()) })

	got := make(chan es.Event, 1)
	_, err := stream.Subscribe(ctx, "deposits", func(_ context.Context, ev es.Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)

	broker := es.NewBroker(cfg, stream)
	require.NoError(t, broker.Start(ctx))
	t.Cleanup(func() { _ = broker.Stop(context.Background()) })

	ev := es.Event{
		ID:        ids.NewEventID(),
		Type:      1,
		Aggregate: es.AggregateRef{ID: ids.NewObjectID().Bytes(), Version: 1},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, stream.SendEvents(ctx, []es.StreamBatch{{Stream: es.MainStream, Events: []es.Event{ev}}}))

	select {
	case delivered := <-got:
		require.Equal(t, ev.ID, delivered.ID)
	case <-time.After(time.Second):
		t.Fatal("event was not routed")
	}
}

func TestNewConfigStore_Defaults(t *testing.T) {
	s := NewConfigStore(Config{Addr: "localhost:0"})
	require.Equal(t, "arque", s.prefix)
	require.Equal(t, defaultMaxTxRetries, s.maxRetries)
	require.NoError(t, s.Close(t.Context()))
}
