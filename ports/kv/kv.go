// Package kv is the small key-value port used for configuration records.
// Implementations live in this package (memory) and in adapters (NATS KV).
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by Update implementations when the entry
	// changed concurrently more often than they are willing to retry.
	ErrConflict = errors.New("concurrent update")
)

type Entry struct {
	Data []byte
	Meta map[string]any
}

type PutOptions struct {
	TTL time.Duration
}

// UpdateFunc computes the new entry from the current one. exists is false
// when the key is not set.
type UpdateFunc func(cur Entry, exists bool) (Entry, error)

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
	// Update atomically replaces the entry at key with the result of fn.
	// fn may be called more than once.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = json.Unmarshal(entry.Data, &out)
	return
}

// Update is the typed form of Store.Update. A missing key is passed to fn
// as the zero value of T.
func Update[T any](ctx context.Context, store Store, key string, fn func(cur T, exists bool) (T, error)) error {
	return store.Update(ctx, key, func(cur Entry, exists bool) (Entry, error) {
		var v T
		if exists {
			if err := json.Unmarshal(cur.Data, &v); err != nil {
				return Entry{}, err
			}
		}
		next, err := fn(v, exists)
		if err != nil {
			return Entry{}, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Data: data, Meta: cur.Meta}, nil
	})
}
