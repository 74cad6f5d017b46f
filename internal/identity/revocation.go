package identity

import (
	"context"
	"sync"
	"time"
)

// RevocationRegistry is a blacklist of access-token JTIs that must be
// rejected before natural expiry. Purging is maintenance, not correctness:
// an expired JTI is already rejected by the expiry check.
type RevocationRegistry interface {
	Blacklist(ctx context.Context, jti string, naturalExpiry time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// MemoryRegistry is a process-local registry used by tests and storeless
// wiring. Production deployments use the Redis or Postgres registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRegistry constructs an empty in-memory registry.
func NewMemoryRegistry(now func() time.Time) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{entries: make(map[string]time.Time), now: now}
}

func (r *MemoryRegistry) Blacklist(_ context.Context, jti string, naturalExpiry time.Time) error {
	if jti == "" {
		return ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[jti] = naturalExpiry
	return nil
}

func (r *MemoryRegistry) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expiry, ok := r.entries[jti]
	if !ok {
		return false, nil
	}
	// Entries past natural expiry no longer matter; the expiry check
	// already rejects the token.
	return r.now().Before(expiry), nil
}

func (r *MemoryRegistry) PurgeExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var purged int64
	for jti, expiry := range r.entries {
		if !now.Before(expiry) {
			delete(r.entries, jti)
			purged++
		}
	}
	return purged, nil
}
