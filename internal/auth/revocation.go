package auth

import (
	"context"
	"sync"
	"time"
)

// RevocationStore records token and family IDs that must never verify again.
//
// Entries carry the expiry of the token they cover; once that has passed the
// signature check already rejects the token and the entry may be pruned.
// Refresh-token IDs and family IDs share one keyspace (both are UUIDs).
type RevocationStore interface {
	// IsRevoked reports whether id has been revoked.
	IsRevoked(ctx context.Context, id string) (bool, error)

	// Revoke marks id revoked. Revoking an already revoked id is not an error.
	Revoke(ctx context.Context, id string, expiresAt time.Time) error

	// RevokeIfActive atomically marks id revoked and reports whether this
	// call made the transition. Exactly one of any number of concurrent
	// callers for the same id observes true.
	RevokeIfActive(ctx context.Context, id string, expiresAt time.Time) (bool, error)

	// Prune drops entries whose expiry is at or before now and returns how
	// many were removed.
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// MemoryRevocationStore is a process-local RevocationStore. It is suitable
// for tests and single-instance deployments that accept losing revocations
// on restart.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryRevocationStore returns an empty in-memory store.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{entries: make(map[string]time.Time)}
}

// IsRevoked implements RevocationStore.
func (s *MemoryRevocationStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok, nil
}

// Revoke implements RevocationStore. A later expiry extends an existing entry.
func (s *MemoryRevocationStore) Revoke(ctx context.Context, id string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[id]; !ok || expiresAt.After(cur) {
		s.entries[id] = expiresAt
	}
	return nil
}

// RevokeIfActive implements RevocationStore.
func (s *MemoryRevocationStore) RevokeIfActive(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return false, nil
	}
	s.entries[id] = expiresAt
	return true, nil
}

// Prune implements RevocationStore.
func (s *MemoryRevocationStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, exp := range s.entries {
		if !exp.After(now) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live entries.
func (s *MemoryRevocationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
