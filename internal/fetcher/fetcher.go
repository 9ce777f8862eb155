// Package fetcher wraps remote calls with a cache.
//
// A fresh cached payload is returned without calling the remote. Otherwise the
// remote is called; on success the payload is stored, on failure a stale
// payload is served when one exists. Invalid-identifier failures are never
// masked by the cache.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"classbell/internal/cache"
	"classbell/internal/eventbus"
	logx "classbell/pkg/logx"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrUpstreamUnavailable means the remote failed and nothing was cached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidIdentifier means the remote rejected the queried identifier (HTTP 422).
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// InvalidIdentifier wraps cause so that errors.Is(err, ErrInvalidIdentifier) holds.
func InvalidIdentifier(cause error) error {
	if cause == nil {
		return ErrInvalidIdentifier
	}
	return fmt.Errorf("%w: %w", ErrInvalidIdentifier, cause)
}

// Call performs one remote request and returns the raw payload.
type Call func(ctx context.Context) ([]byte, error)

type Config struct {
	// CallTimeout bounds each remote call. Zero means 10s.
	CallTimeout time.Duration
	// Coalesce shares one remote call between concurrent fetches of the same key.
	Coalesce bool
}

const defaultCallTimeout = 10 * time.Second

type Fetcher struct {
	store cache.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config

	group singleflight.Group
}

func New(store cache.Store, cfg Config, log logx.Logger, bus eventbus.Bus) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	f := &Fetcher{
		store: store,
		log:   log.With(logx.String("comp", "fetcher")),
		bus:   bus,
		now:   time.Now,
	}
	f.Apply(cfg)
	return f
}

// SetClock replaces the time source. Tests only.
func (f *Fetcher) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	f.now = now
}

// Apply swaps the runtime config.
func (f *Fetcher) Apply(cfg Config) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

func (f *Fetcher) config() Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg
}

// Fetch returns the payload for key, calling the remote when the cached
// entry is absent or older than ttl.
func (f *Fetcher) Fetch(ctx context.Context, key string, ttl time.Duration, call Call) ([]byte, error) {
	cfg := f.config()
	if !cfg.Coalesce {
		return f.fetch(ctx, key, ttl, call, cfg)
	}
	// The shared flight must not die with the first caller's context.
	fctx := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (any, error) {
		return f.fetch(fctx, key, ttl, call, cfg)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		payload, _ := res.Val.([]byte)
		return append([]byte(nil), payload...), nil
	}
}

func (f *Fetcher) fetch(ctx context.Context, key string, ttl time.Duration, call Call, cfg Config) ([]byte, error) {
	// An unreadable cache degrades to a live call; the read error is kept
	// and returned if the call fails too.
	entry, cached, readErr := f.store.Get(ctx, key)
	if readErr != nil {
		f.log.Error("cache read failed", logx.String("key", key), logx.Err(readErr))
		f.bus.Publish(eventbus.Event{Type: eventbus.CacheError, Data: eventbus.CacheEvent{Key: key, Error: readErr.Error()}})
		cached = false
	}
	now := f.now()
	if cached && !entry.Stale(now) {
		f.bus.Publish(eventbus.Event{Type: eventbus.CacheHit, Data: eventbus.CacheEvent{Key: key, Age: now.Sub(entry.FetchedAt)}})
		return entry.Payload, nil
	}
	f.bus.Publish(eventbus.Event{Type: eventbus.CacheMiss, Data: eventbus.CacheEvent{Key: key}})

	cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	started := time.Now()
	payload, callErr := call(cctx)
	cancel()
	took := time.Since(started)

	if callErr == nil {
		e := cache.Entry{Key: key, Payload: payload, FetchedAt: f.now(), TTL: ttl}
		if err := f.store.Put(ctx, e); err != nil {
			f.log.Error("cache write failed", logx.String("key", key), logx.Err(err))
			f.bus.Publish(eventbus.Event{Type: eventbus.CacheError, Data: eventbus.CacheEvent{Key: key, Error: err.Error()}})
		}
		f.log.Debug("fetched", logx.String("key", key), logx.Int("bytes", len(payload)), logx.Duration("took", took))
		return payload, nil
	}

	if errors.Is(callErr, ErrInvalidIdentifier) {
		return nil, callErr
	}
	if cached {
		age := now.Sub(entry.FetchedAt)
		f.log.Warn("upstream failed, serving stale entry",
			logx.String("key", key),
			logx.Duration("age", age),
			logx.Err(callErr),
		)
		f.bus.Publish(eventbus.Event{Type: eventbus.CacheStaleServed, Data: eventbus.CacheEvent{Key: key, Age: age, Duration: took, Error: callErr.Error()}})
		return entry.Payload, nil
	}
	f.bus.Publish(eventbus.Event{Type: eventbus.CacheError, Data: eventbus.CacheEvent{Key: key, Duration: took, Error: callErr.Error()}})
	err := callErr
	if !errors.Is(err, ErrUpstreamUnavailable) {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, callErr)
	}
	if readErr != nil {
		err = fmt.Errorf("%w (cache read: %w)", err, readErr)
	}
	return nil, err
}
