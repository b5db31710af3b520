package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = time.Minute

type memoryEntry struct {
	state  Window
	window time.Duration
}

// MemoryStore keeps windows in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	lastSweep time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:        sync.Mutex{},
		entries:   make(map[string]memoryEntry),
		lastSweep: time.Time{},
	}
}

// Increment counts one request for key.
func (m *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)

	entry, ok := m.entries[key]
	if !ok || expired(entry.state, now, window) {
		entry = memoryEntry{state: Window{Count: 0, Start: now}, window: window}
	}

	entry.state.Count++
	m.entries[key] = entry

	return entry.state, nil
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

// sweep drops expired windows at most once per sweepInterval. Callers hold mu.
func (m *MemoryStore) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < sweepInterval {
		return
	}

	for key, entry := range m.entries {
		if expired(entry.state, now, entry.window) {
			delete(m.entries, key)
		}
	}

	m.lastSweep = now
}
