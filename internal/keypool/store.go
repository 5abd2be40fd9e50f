// Package keypool manages the upstream API key pool: the allow-list and
// backup-pool substitution, the shared revocation set, and the time-window
// round-robin selector.
package keypool

import (
	"context"
	"sync"
)

// Store records keys the upstream has reported as revoked or leaked.
// Marking is idempotent; entries are only removed by process restart
// (memory backend) or external expiry (redis backend).
type Store interface {
	MarkRevoked(ctx context.Context, key, reason string) error
	IsRevoked(ctx context.Context, key string) (bool, error)
}

// MemoryStore is the default in-process revocation set.
type MemoryStore struct {
	mu      sync.RWMutex
	revoked map[string]string // key -> reason
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{revoked: make(map[string]string)}
}

func (s *MemoryStore) MarkRevoked(_ context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[key]; ok {
		return nil
	}
	s.revoked[key] = reason
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[key]
	return ok, nil
}

// Len returns the number of revoked keys. Useful for tests and stats.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revoked)
}
