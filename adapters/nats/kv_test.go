package nats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/arque-go/core/es"
	"github.com/codewandler/arque-go/ports/kv"
)

func newTestKV(t *testing.T, connect Connector, bucket string) *KV {
	store := NewKV(KVConfig{Connect: connect, Bucket: bucket})
	require.NoError(t, store.Init(t.Context()))
	t.Cleanup(store.Close)
	return store
}

func TestKV(t *testing.T) {
	type fooBar struct {
		Fruit string
		Count int
	}
	connect := ReuseConnection(NewTestContainer(t))

	t.Run("put get delete", func(t *testing.T) {
		store := newTestKV(t, connect, "fruits")

		_, err := kv.Get[fooBar](t.Context(), store, "apple")
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, kv.Put(t.Context(), store, "apple", fooBar{Fruit: "apple", Count: 10}, kv.PutOptions{}))
		v, err := kv.Get[fooBar](t.Context(), store, "apple")
		require.NoError(t, err)
		require.Equal(t, fooBar{Fruit: "apple", Count: 10}, v)

		require.NoError(t, store.Delete(t.Context(), "apple"))
		_, err = store.Get(t.Context(), "apple")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("meta round trip", func(t *testing.T) {
		store := newTestKV(t, connect, "meta")
		require.NoError(t, store.Put(t.Context(), "k", kv.Entry{Data: []byte(`1`), Meta: map[string]any{"owner": "me"}}, kv.PutOptions{}))
		e, err := store.Get(t.Context(), "k")
		require.NoError(t, err)
		require.Equal(t, "me", e.Meta["owner"])
	})

	t.Run("ttl is rejected", func(t *testing.T) {
		store := newTestKV(t, connect, "ttl")
		err := store.Put(t.Context(), "k", kv.Entry{}, kv.PutOptions{TTL: 1})
		require.ErrorIs(t, err, ErrTTLUnsupported)
	})

	t.Run("concurrent updates", func(t *testing.T) {
		store := newTestKV(t, connect, "counter")

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 5 {
					assert.NoError(t, kv.Update(t.Context(), store, "n", func(cur int, _ bool) (int, error) {
						return cur + 1, nil
					}))
				}
			}()
		}
		wg.Wait()

		n, err := kv.Get[int](t.Context(), store, "n")
		require.NoError(t, err)
		require.Equal(t, 40, n)
	})

	t.Run("update after delete", func(t *testing.T) {
		store := newTestKV(t, connect, "recreate")
		require.NoError(t, kv.Put(t.Context(), store, "k", 1, kv.PutOptions{}))
		require.NoError(t, store.Delete(t.Context(), "k"))
		require.NoError(t, kv.Update(t.Context(), store, "k", func(cur int, exists bool) (int, error) {
			require.False(t, exists)
			return 7, nil
		}))
		n, err := kv.Get[int](t.Context(), store, "k")
		require.NoError(t, err)
		require.Equal(t, 7, n)
	})

	t.Run("stream routing", func(t *testing.T) {
		cfg := es.NewKVConfig(newTestKV(t, connect, "routing"), "arque")
		require.NoError(t, cfg.SaveStream(t.Context(), es.StreamConfig{ID: "billing", Events: []es.EventType{1, 2}}))
		require.NoError(t, cfg.SaveStream(t.Context(), es.StreamConfig{ID: "audit", Events: []es.EventType{2}}))

		ids, err := cfg.FindStreams(t.Context(), 2)
		require.NoError(t, err)
		require.Equal(t, []string{"audit", "billing"}, ids)

		require.NoError(t, cfg.SaveStream(t.Context(), es.StreamConfig{ID: "billing", Events: []es.EventType{1}}))
		ids, err = cfg.FindStreams(t.Context(), 2)
		require.NoError(t, err)
		require.Equal(t, []string{"audit"}, ids)
	})
}
