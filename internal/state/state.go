package state

import (
	"context"
	"sync"
	"time"
)

// DedupeStore remembers delivery request ids so a retried batch is only
// accepted once.
type DedupeStore interface {
	// SeenBefore records key and reports whether it was already present
	SeenBefore(ctx context.Context, key string) (bool, error)
	// Forget removes key so a later request with it is accepted again
	Forget(ctx context.Context, key string) error
	Close() error
}

type noopStore struct{}

// NewNoopStore returns a store that never reports duplicates
func NewNoopStore() DedupeStore { return noopStore{} }

func (noopStore) SeenBefore(context.Context, string) (bool, error) { return false, nil }
func (noopStore) Forget(context.Context, string) error             { return nil }
func (noopStore) Close() error                                     { return nil }

// MemoryStore keeps keys in process for ttl
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
	sweeps  int
}

// NewMemoryStore creates an in-memory store. A non-positive ttl keeps keys
// forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

func (m *MemoryStore) SeenBefore(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	if expires, ok := m.entries[key]; ok && (m.ttl <= 0 || now.Before(expires)) {
		return true, nil
	}
	m.entries[key] = now.Add(m.ttl)
	return false, nil
}

func (m *MemoryStore) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of remembered keys
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error { return nil }

// sweep drops expired keys every 1024 calls. Caller holds mu.
func (m *MemoryStore) sweep(now time.Time) {
	if m.ttl <= 0 {
		return
	}
	m.sweeps++
	if m.sweeps < 1024 {
		return
	}
	m.sweeps = 0
	for k, expires := range m.entries {
		if !now.Before(expires) {
			delete(m.entries, k)
		}
	}
}
