package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	Entry
	expiresAt time.Time
}

type MemStore struct {
	mu   sync.RWMutex
	data map[string]memEntry
	now  func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memEntry{}, now: time.Now}
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(key, entry, opts.TTL)
	return nil
}

func (m *MemStore) putLocked(key string, entry Entry, ttl time.Duration) {
	e := memEntry{Entry: entry}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
}

func (m *MemStore) getLocked(key string) (Entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return Entry{}, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		return Entry{}, false
	}
	return e.Entry, true
}

func (m *MemStore) Get(_ context.Context, key string) (entry Entry, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.getLocked(key)
	if !ok {
		return entry, ErrNotFound
	}
	return entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.getLocked(key)
	next, err := fn(cur, exists)
	if err != nil {
		return err
	}
	m.putLocked(key, next, 0)
	return nil
}

var _ Store = (*MemStore)(nil)
