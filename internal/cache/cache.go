// Package cache stores raw upstream payloads keyed by query.
//
// Entries are never discarded because they are stale; the fetcher relies on
// stale entries to keep serving during upstream outages.
package cache

import (
	"context"
	"time"
)

// Entry is one cached remote response.
type Entry struct {
	Key       string
	Payload   []byte
	FetchedAt time.Time
	TTL       time.Duration
}

// Stale reports whether now - FetchedAt > TTL.
func (e Entry) Stale(now time.Time) bool {
	return now.Sub(e.FetchedAt) > e.TTL
}

// Expiry returns the instant after which the entry is stale.
func (e Entry) Expiry() time.Time { return e.FetchedAt.Add(e.TTL) }

func (e Entry) clone() Entry {
	cp := e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	return cp
}

// Store is the cache persistence API.
//
// Put replaces the whole entry; concurrent readers observe either the old or
// the new entry, never a mix.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
}

// IsStale reports whether key is absent or stale at now.
func IsStale(ctx context.Context, s Store, key string, now time.Time) (bool, error) {
	e, ok, err := s.Get(ctx, key)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, nil
	}
	return e.Stale(now), nil
}
