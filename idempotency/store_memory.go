package idempotency

import (
	"context"
	"sync"
	"time"

	x402 "github.com/x402-foundation/paygate"
)

type memoryEntry struct {
	entry   x402.ReplayEntry
	expires time.Time
}

// InMemoryStore provides an in-memory implementation of x402.ReplayStore.
//
// This implementation is suitable for single-instance deployments. For
// several provider processes behind a load balancer, use SQLStore.
//
// Features:
//   - Thread-safe with mutex protection
//   - Per-entry TTL with lazy cleanup of expired entries
//   - Compare-and-swap on entry state
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	writes  int
}

// StoreOption configures a store
type StoreOption func(*storeConfig)

type storeConfig struct {
	now func() time.Time
}

// WithStoreClock overrides the time source used for expiry
func WithStoreClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.now = now
	}
}

func buildStoreConfig(opts []StoreOption) storeConfig {
	cfg := storeConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewInMemoryStore creates an empty in-memory replay store
func NewInMemoryStore(opts ...StoreOption) *InMemoryStore {
	cfg := buildStoreConfig(opts)
	return &InMemoryStore{
		entries: make(map[string]memoryEntry),
		now:     cfg.now,
	}
}

// Get returns the live entry for nonce or x402.ErrEntryNotFound
func (s *InMemoryStore) Get(_ context.Context, nonce string) (x402.ReplayEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.liveLocked(nonce)
	if !ok {
		return x402.ReplayEntry{}, x402.ErrEntryNotFound
	}
	return item.entry, nil
}

// Put stores entry unconditionally. A non-positive ttl stores an entry that
// is already expired.
func (s *InMemoryStore) Put(_ context.Context, entry x402.ReplayEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.Nonce] = memoryEntry{entry: entry, expires: s.now().Add(ttl)}
	s.afterWriteLocked()
	return nil
}

// CompareAndSwap replaces the entry only if it is live and in state expected
func (s *InMemoryStore) CompareAndSwap(_ context.Context, nonce string, expected x402.EntryState, next x402.ReplayEntry, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.liveLocked(nonce)
	if !ok || item.entry.State != expected {
		return false, nil
	}
	next.Nonce = nonce
	s.entries[nonce] = memoryEntry{entry: next, expires: s.now().Add(ttl)}
	s.afterWriteLocked()
	return true, nil
}

// Len returns the number of stored entries, expired or not
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes expired entries and returns how many were removed
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupExpiredLocked()
}

// liveLocked returns the entry if present and not expired. Must be called with lock held.
func (s *InMemoryStore) liveLocked(nonce string) (memoryEntry, bool) {
	item, ok := s.entries[nonce]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(item.expires) {
		delete(s.entries, nonce)
		return memoryEntry{}, false
	}
	return item, true
}

// afterWriteLocked runs a lazy cleanup every 256 writes
func (s *InMemoryStore) afterWriteLocked() {
	s.writes++
	if s.writes%256 == 0 {
		s.cleanupExpiredLocked()
	}
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (s *InMemoryStore) cleanupExpiredLocked() int {
	now := s.now()
	removed := 0
	for nonce, item := range s.entries {
		if !now.Before(item.expires) {
			delete(s.entries, nonce)
			removed++
		}
	}
	return removed
}

// Ensure InMemoryStore implements ReplayStore
var _ x402.ReplayStore = (*InMemoryStore)(nil)
