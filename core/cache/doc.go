// Package cache holds the aggregate cache used by repositories: a bounded
// LRU with optional per entry TTL and a typed view over it.
//
//	lru := cache.NewLRU(cache.LRUOpts{Size: 1024})
//	defer lru.Close()
//
//	aggregates := cache.NewTyped[*es.Aggregate[Account]](lru)
//	aggregates.Put(key, agg, cache.WithTTL(10*time.Minute))
//
// Expired entries are dropped lazily when they are read.
package cache
