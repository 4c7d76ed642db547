package synckit

import (
	"context"
	"sync"
)

// MemoryStateStore is an in-memory StateStore intended for tests and dev.
type MemoryStateStore struct {
	mutex   sync.Mutex
	entries map[string]string
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]string)}
}

// Get returns the stored value for key.
func (store *MemoryStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, found := store.entries[key]
	return value, found, nil
}

// Set overwrites the value for key.
func (store *MemoryStateStore) Set(ctx context.Context, key string, value string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[key] = value
	return nil
}

// Delete removes the given keys; missing keys are not an error.
func (store *MemoryStateStore) Delete(ctx context.Context, keys ...string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, key := range keys {
		delete(store.entries, key)
	}
	return nil
}
