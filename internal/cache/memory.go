package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]memoryEntry // identity -> key -> entry
	nowFunc func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]memoryEntry),
		nowFunc: time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, identity, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[identity][key]
	if !ok || !s.nowFunc().Before(e.expiresAt) {
		return nil, false, nil
	}

	out := make([]byte, len(e.data))
	copy(out, e.data)

	return out, true, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, identity, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.entries[identity]
	if !ok {
		byKey = make(map[string]memoryEntry)
		s.entries[identity] = byKey
	}

	byKey[key] = memoryEntry{data: stored, expiresAt: s.nowFunc().Add(ttl)}

	return nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]map[string]memoryEntry)

	return nil
}

// Len returns the number of live and expired entries across identities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, byKey := range s.entries {
		n += len(byKey)
	}

	return n
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
