package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/internal/wire"
)

// downReader fails every fetch as if no broker were reachable.
type downReader struct {
	fetches atomic.Int32
	closed  atomic.Bool
}

func (r *downReader) FetchMessage(context.Context) (kafka.Message, error) {
	r.fetches.Add(1)
	return kafka.Message{}, errors.New("dial tcp: connection refused")
}

func (r *downReader) CommitMessages(context.Context, ...kafka.Message) error { return nil }
func (r *downReader) Close() error                                           { r.closed.Store(true); return nil }

func newTestSubscriber(t *testing.T, r messageReader, retry es.RetryPolicy) *subscriber {
	events, err := wire.NewEventCodec()
	require.NoError(t, err)

	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	fetchCtx, cancelFetch := context.WithCancel(handlerCtx)
	sub := &subscriber{
		parent:         &Stream{events: events, subs: map[*subscriber]struct{}{}},
		reader:         r,
		backoff:        retry.NewBackOff(),
		cancelFetch:    cancelFetch,
		cancelHandlers: cancelHandlers,
		done:           make(chan struct{}),
		log:            slog.Default(),
	}
	handler := func(context.Context, es.Event) error { return nil }
	go sub.run(fetchCtx, handlerCtx, "orders", handler, es.NewSubscribeOpts())
	return sub
}

func TestSubscriber_FetchErrorsBackOff(t *testing.T) {
	r := &downReader{}
	sub := newTestSubscriber(t, r, es.RetryPolicy{
		StartingDelay: 20 * time.Millisecond,
		MaxDelay:      40 * time.Millisecond,
		Multiplier:    2,
	})

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, sub.Stop(t.Context()))

	n := r.fetches.Load()
	require.Positive(t, n)
	// jittered waits average at least 10ms here, a busy loop would fetch
	// thousands of times
	require.Less(t, n, int32(60), "fetched %d times in 200ms", n)
	require.True(t, r.closed.Load())
}

func TestSubscriber_StopDuringBackOff(t *testing.T) {
	r := &downReader{}
	sub := newTestSubscriber(t, r, es.RetryPolicy{
		StartingDelay: time.Minute,
		MaxDelay:      time.Minute,
		Multiplier:    1,
	})
	require.Eventually(t, func() bool { return r.fetches.Load() > 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, sub.Stop(ctx))
}

func TestConfig_FetchRetryDefaults(t *testing.T) {
	cfg := Config{Brokers: []string{"localhost:9092"}}
	cfg.applyDefaults()
	require.Equal(t, defaultFetchRetry.StartingDelay, cfg.FetchRetry.StartingDelay)
	require.Equal(t, defaultFetchRetry.MaxDelay, cfg.FetchRetry.MaxDelay)

	cfg = Config{FetchRetry: es.RetryPolicy{StartingDelay: time.Second}}
	cfg.applyDefaults()
	require.Equal(t, time.Second, cfg.FetchRetry.StartingDelay)
	require.Equal(t, defaultFetchRetry.MaxDelay, cfg.FetchRetry.MaxDelay)
}
