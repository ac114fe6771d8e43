package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is a per-process Inflight: a mutex-guarded map with timestamp
// eviction. Good enough for a single instance; multiple instances
// share state through the redis implementation instead.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)
	m.evictLocked(now)
	return true, nil
}

func (m *Memory) evictLocked(now time.Time) {
	for k, exp := range m.entries {
		if now.After(exp) {
			delete(m.entries, k)
		}
	}
}
