package storage

import (
	"context"
	"sync"

	"github.com/ruteri/steward-backup/interfaces"
)

// MemoryStore is an in-memory Store used in tests and as the default backend
// for ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get retrieves the value for key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put stores value under key.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Available always reports true.
func (s *MemoryStore) Available(ctx context.Context) bool { return true }

// Name returns the backend identifier.
func (s *MemoryStore) Name() string { return "memory" }

// LocationURI returns the URI of this backend.
func (s *MemoryStore) LocationURI() string { return "mem://" }
