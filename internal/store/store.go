// Package store holds the small key/value layer the session service keeps
// its token bookkeeping in. The in-memory variant backs tests and single
// node deploys, the Redis variant is for anything shared.
package store

import (
	"context"
	"sync"
	"time"
)

type Store interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns "" with a nil error when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type entry struct {
	value    string
	expireAt time.Time
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
	}
}

func (m *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expireAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expireAt) {
		return "", nil
	}
	return e.value, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return time.Now().Before(e.expireAt), nil
}
