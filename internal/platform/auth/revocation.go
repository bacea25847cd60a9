package auth

import (
	"context"
	"sync"
	"time"
)

// RevocationStore records revoked token ids until their natural expiry.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevocationStore keeps revoked JTIs in process memory with periodic
// cleanup of expired entries. Safe for concurrent use.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // JTI -> token expiry
	done    chan struct{}
	once    sync.Once
}

// NewMemoryRevocationStore creates a store and starts a background goroutine
// that drops expired entries every interval.
func NewMemoryRevocationStore(interval time.Duration) *MemoryRevocationStore {
	s := &MemoryRevocationStore{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop(interval)
	return s
}

func (s *MemoryRevocationStore) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	if !expiresAt.After(time.Now()) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jti] = expiresAt
	return nil
}

func (s *MemoryRevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.entries[jti]
	return ok && time.Now().Before(exp), nil
}

// Count returns the number of tracked revocations.
func (s *MemoryRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *MemoryRevocationStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryRevocationStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryRevocationStore) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, jti)
		}
	}
}
