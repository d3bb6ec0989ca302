package persist

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store implementation used by tests and
// by a zone server run without a configured database.
type MemoryStore struct {
	mu   sync.Mutex
	blob map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blob: make(map[string][]byte)}
}

func memoryKey(key, interval string, scope Scope, arena string) string {
	return key + "\x00" + interval + "\x00" + string(scope) + "\x00" + arena
}

func (s *MemoryStore) Get(_ context.Context, key, interval string, scope Scope, arena string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blob[memoryKey(key, interval, scope, arena)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key, interval string, scope Scope, arena string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blob[memoryKey(key, interval, scope, arena)] = cp
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
