package cache

import "time"

type PutOptions struct {
	// TTL expires the entry after the given duration; zero keeps it until
	// it is evicted.
	TTL time.Duration
}

type PutOption func(*PutOptions)

func WithTTL(ttl time.Duration) PutOption { return func(o *PutOptions) { o.TTL = ttl } }

func putOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Cache stores values by string key.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
}

// TypedCache is a Cache restricted to values of one type.
type TypedCache[T any] interface {
	Get(key string) (T, bool)
	Put(key string, val T, opts ...PutOption)
	Delete(key string)
}

type typed[T any] struct{ c Cache }

// NewTyped wraps c. Values of another type stored in c read as misses.
func NewTyped[T any](c Cache) TypedCache[T] { return typed[T]{c: c} }

func (t typed[T]) Get(key string) (T, bool) {
	v, ok := t.c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	out, ok := v.(T)
	return out, ok
}

func (t typed[T]) Put(key string, val T, opts ...PutOption) { t.c.Put(key, val, opts...) }
func (t typed[T]) Delete(key string)                         { t.c.Delete(key) }
