package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store.
//
// Retention > 0 enables Reclaim; entries are then dropped once they have been
// stale for longer than Retention. Zero keeps everything.
type Memory struct {
	Retention time.Duration

	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemory(retention time.Duration) *Memory {
	return &Memory{Retention: retention, entries: map[string]Entry{}}
}

func (m *Memory) Get(ctx context.Context, key string) (Entry, bool, error) {
	_ = ctx
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	return e.clone(), true, nil
}

func (m *Memory) Put(ctx context.Context, e Entry) error {
	_ = ctx
	e = e.clone()
	m.mu.Lock()
	if m.entries == nil {
		m.entries = map[string]Entry{}
	}
	m.entries[e.Key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Reclaim drops entries whose FetchedAt + TTL + Retention is before now and
// returns how many were removed. It is a no-op when Retention <= 0.
func (m *Memory) Reclaim(now time.Time) int {
	if m.Retention <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if e.Expiry().Add(m.Retention).Before(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}
