package es

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codewandler/arque-go/core/cache"
	"github.com/codewandler/arque-go/core/perkey"
)

// Repository hands out aggregates of one type. Loaded aggregates are kept
// in an LRU cache and all of them share one per key scheduler, so work on
// an id stays serialized even across cache evictions.
type Repository[S any] struct {
	store    StoreAdapter
	stream   StreamAdapter
	handlers *Handlers[S]
	opts     repoOpts
	log      *slog.Logger

	exec  *perkey.Scheduler[string]
	lru   *cache.LRU
	cache cache.TypedCache[*Aggregate[S]]

	mu sync.Mutex
}

func NewRepository[S any](
	store StoreAdapter,
	stream StreamAdapter,
	handlers *Handlers[S],
	opts ...RepositoryOption,
) *Repository[S] {
	options := repoOpts{
		log:       slog.Default(),
		metrics:   NopESMetrics(),
		cacheSize: 1024,
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}

	lru := cache.NewLRU(cache.LRUOpts{Size: options.cacheSize})
	return &Repository[S]{
		store:    store,
		stream:   stream,
		handlers: handlers,
		opts:     options,
		log:      options.log.With(slog.String("component", "repository")),
		exec:     perkey.New[string](options.schedulerOptions()...),
		lru:      lru,
		cache:    cache.NewTyped[*Aggregate[S]](lru),
	}
}

// Get returns the aggregate for id, creating it if it is not cached. A
// new aggregate is not loaded; Process reloads it.
func (r *Repository[S]) Get(id AggregateID) *Aggregate[S] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.cache.Get(id.key()); ok {
		r.opts.metrics.CacheHit()
		return a
	}
	r.opts.metrics.CacheMiss()

	aggOpts := append([]AggregateOption{
		WithLog(r.opts.log),
		WithMetrics(r.opts.metrics),
	}, r.opts.aggOpts...)
	aggOpts = append(aggOpts, WithScheduler(r.exec))

	a := NewAggregate(r.store, r.stream, r.handlers, id, aggOpts...)
	r.cache.Put(id.key(), a, r.opts.putOptions()...)
	return a
}

// Load returns the aggregate for id brought up to date with the store.
func (r *Repository[S]) Load(ctx context.Context, id AggregateID) (*Aggregate[S], error) {
	a := r.Get(id)
	if err := a.Reload(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Repository[S]) Process(ctx context.Context, id AggregateID, cmd Command, opts ...ProcessOption) error {
	return r.Get(id).Process(ctx, cmd, opts...)
}

// Finalize marks id final and drops it from the cache.
func (r *Repository[S]) Finalize(ctx context.Context, id AggregateID) error {
	if err := r.Get(id).Finalize(ctx); err != nil {
		return err
	}
	r.cache.Delete(id.key())
	return nil
}

// Evict drops id from the cache.
func (r *Repository[S]) Evict(id AggregateID) { r.cache.Delete(id.key()) }

// Cached returns the number of cached aggregates.
func (r *Repository[S]) Cached() int { return r.lru.Len() }

// Close waits for running work and releases the cache.
func (r *Repository[S]) Close() {
	r.exec.Close()
	r.lru.Close()
}
