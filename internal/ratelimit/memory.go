package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process sliding-window counter store. It is correct
// for a single gateway instance only; multi-instance deployments need the
// Redis store so all instances share counters.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewMemory creates an in-process counter store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Incr implements CounterStore with an exact sliding window: stale hits are
// pruned on every call.
func (m *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-window)

	hits := m.windows[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.windows[key] = kept

	return int64(len(kept)), kept[0].Add(window), nil
}
