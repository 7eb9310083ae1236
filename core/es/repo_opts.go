package es

import (
	"log/slog"
	"time"

	"github.com/codewandler/arque-go/core/cache"
	"github.com/codewandler/arque-go/core/perkey"
)

type (
	repoOpts struct {
		log         *slog.Logger
		metrics     ESMetrics
		cacheSize   int
		cacheTTL    time.Duration
		idleTimeout time.Duration
		aggOpts     []AggregateOption
	}

	RepositoryOption interface{ applyToRepository(*repoOpts) }

	RepoCacheSizeOption   valueOption[int]
	RepoCacheTTLOption    valueOption[time.Duration]
	RepoIdleTimeoutOption valueOption[time.Duration]
	AggregateOptsOption   struct{ opts []AggregateOption }
)

// WithRepoCacheSize bounds the number of loaded aggregates kept in memory.
func WithRepoCacheSize(n int) RepoCacheSizeOption { return RepoCacheSizeOption{v: n} }

// WithRepoCacheTTL evicts aggregates not used for d.
func WithRepoCacheTTL(d time.Duration) RepoCacheTTLOption { return RepoCacheTTLOption{v: d} }

// WithRepoIdleTimeout sets how long a per aggregate worker lingers.
func WithRepoIdleTimeout(d time.Duration) RepoIdleTimeoutOption {
	return RepoIdleTimeoutOption{v: d}
}

// WithAggregateOpts applies opts to every aggregate the repository creates.
func WithAggregateOpts(opts ...AggregateOption) AggregateOptsOption {
	return AggregateOptsOption{opts: opts}
}

func (o RepoCacheSizeOption) applyToRepository(r *repoOpts)   { r.cacheSize = o.v }
func (o RepoCacheTTLOption) applyToRepository(r *repoOpts)    { r.cacheTTL = o.v }
func (o RepoIdleTimeoutOption) applyToRepository(r *repoOpts) { r.idleTimeout = o.v }
func (o AggregateOptsOption) applyToRepository(r *repoOpts)   { r.aggOpts = append(r.aggOpts, o.opts...) }
func (o LogOption) applyToRepository(r *repoOpts)             { r.log = o.v }
func (o ESMetricsOption) applyToRepository(r *repoOpts)       { r.metrics = o.v }

func (r repoOpts) putOptions() []cache.PutOption {
	if r.cacheTTL <= 0 {
		return nil
	}
	return []cache.PutOption{cache.WithTTL(r.cacheTTL)}
}

func (r repoOpts) schedulerOptions() []perkey.Option {
	if r.idleTimeout == 0 {
		return nil
	}
	return []perkey.Option{perkey.WithIdleTimeout(r.idleTimeout)}
}
