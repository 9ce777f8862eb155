package fetcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"classbell/internal/cache"
	"classbell/internal/eventbus"
	logx "classbell/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type remote struct {
	calls   atomic.Int32
	payload string
	err     error
	delay   time.Duration
}

func (r *remote) call(ctx context.Context) ([]byte, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.payload), nil
}

var t0 = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

func newFetcher(t *testing.T, cfg Config) (*Fetcher, *cache.Memory, *clock) {
	t.Helper()
	store := cache.NewMemory(0)
	f := New(store, cfg, logx.Nop(), eventbus.New())
	c := &clock{now: t0}
	f.SetClock(c.Now)
	return f, store, c
}

func TestFreshnessAroundTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ttl := time.Hour
	f, _, c := newFetcher(t, Config{})
	r := &remote{payload: "v1"}

	if _, err := f.Fetch(ctx, "k", ttl, r.call); err != nil {
		t.Fatal(err)
	}
	if r.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", r.calls.Load())
	}

	c.Set(t0.Add(ttl - time.Second))
	r.payload = "v2"
	got, err := f.Fetch(ctx, "k", ttl, r.call)
	if err != nil || string(got) != "v1" {
		t.Fatalf("fresh fetch = %q, %v", got, err)
	}
	if r.calls.Load() != 1 {
		t.Fatal("fresh entry must not call the remote")
	}

	c.Set(t0.Add(ttl + time.Second))
	got, err = f.Fetch(ctx, "k", ttl, r.call)
	if err != nil || string(got) != "v2" {
		t.Fatalf("stale fetch = %q, %v", got, err)
	}
	if r.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", r.calls.Load())
	}
}

func TestStaleIfError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, store, c := newFetcher(t, Config{})
	_ = store.Put(ctx, cache.Entry{Key: "k", Payload: []byte("old"), FetchedAt: t0.Add(-48 * time.Hour), TTL: time.Hour})

	r := &remote{err: errors.New("connection refused")}
	c.Set(t0)
	got, err := f.Fetch(ctx, "k", time.Hour, r.call)
	if err != nil {
		t.Fatalf("expected stale payload, got error %v", err)
	}
	if string(got) != "old" {
		t.Fatalf("payload = %q, want old", got)
	}
	e, _, _ := store.Get(ctx, "k")
	if !e.FetchedAt.Equal(t0.Add(-48 * time.Hour)) {
		t.Fatal("stale serve must not touch fetched_at")
	}
}

func TestNoCacheFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	f, store, _ := newFetcher(t, Config{})
	r := &remote{err: errors.New("503")}

	_, err := f.Fetch(context.Background(), "k", time.Hour, r.call)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if store.Len() != 0 {
		t.Fatal("failure must not create an entry")
	}
}

type brokenStore struct{ err error }

func (b brokenStore) Get(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, b.err
}

func (b brokenStore) Put(context.Context, cache.Entry) error { return b.err }

func TestCacheReadErrorSurfaces(t *testing.T) {
	t.Parallel()
	errDisk := errors.New("disk I/O error")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, eventbus.CacheError)
	defer unsub()
	f := New(brokenStore{err: errDisk}, Config{}, logx.Nop(), bus)
	f.SetClock(func() time.Time { return t0 })

	got, err := f.Fetch(context.Background(), "k", time.Hour, (&remote{payload: "live"}).call)
	if err != nil || string(got) != "live" {
		t.Fatalf("live fallback = %q, %v", got, err)
	}

	_, err = f.Fetch(context.Background(), "k2", time.Hour, (&remote{err: errors.New("503")}).call)
	if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, errDisk) {
		t.Fatalf("err = %v, want upstream and cache errors", err)
	}
	if len(ch) == 0 {
		t.Fatal("cache error not published")
	}
}

func TestInvalidIdentifierBypassesCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, store, _ := newFetcher(t, Config{})
	_ = store.Put(ctx, cache.Entry{Key: "k", Payload: []byte("old"), FetchedAt: t0.Add(-48 * time.Hour), TTL: time.Hour})

	r := &remote{err: InvalidIdentifier(errors.New("status 422"))}
	_, err := f.Fetch(ctx, "k", time.Hour, r.call)
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("err = %v, want ErrInvalidIdentifier", err)
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatal("422 must not be reported as unavailable")
	}

	_, err = f.Fetch(ctx, "other", time.Hour, r.call)
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("uncached key: err = %v, want ErrInvalidIdentifier", err)
	}
	if _, ok, _ := store.Get(ctx, "other"); ok {
		t.Fatal("422 must not be cached")
	}
}

func TestCallTimeoutServesStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, store, _ := newFetcher(t, Config{CallTimeout: 20 * time.Millisecond})
	_ = store.Put(ctx, cache.Entry{Key: "k", Payload: []byte("old"), FetchedAt: t0.Add(-2 * time.Hour), TTL: time.Hour})

	r := &remote{payload: "new", delay: time.Second}
	start := time.Now()
	got, err := f.Fetch(ctx, "k", time.Hour, r.call)
	if err != nil || string(got) != "old" {
		t.Fatalf("got %q, %v", got, err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("call timeout was not applied")
	}
}

func TestCoalesceSharesOneCall(t *testing.T) {
	t.Parallel()
	f, _, _ := newFetcher(t, Config{Coalesce: true})
	r := &remote{payload: "v", delay: 50 * time.Millisecond}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.Fetch(context.Background(), "k", time.Hour, r.call)
			if err != nil || string(got) != "v" {
				t.Errorf("got %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
	if n := r.calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "cache.")
	defer unsub()

	store := cache.NewMemory(0)
	f := New(store, Config{}, logx.Nop(), bus)
	c := &clock{now: t0}
	f.SetClock(c.Now)

	r := &remote{payload: "v"}
	_, _ = f.Fetch(ctx, "k", time.Hour, r.call)
	_, _ = f.Fetch(ctx, "k", time.Hour, r.call)
	c.Set(t0.Add(2 * time.Hour))
	r.err = errors.New("down")
	_, _ = f.Fetch(ctx, "k", time.Hour, r.call)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{eventbus.CacheMiss, eventbus.CacheHit, eventbus.CacheMiss, eventbus.CacheStaleServed}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestApplySwapsConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, store, _ := newFetcher(t, Config{CallTimeout: time.Minute})
	_ = store.Put(ctx, cache.Entry{Key: "k", Payload: []byte("old"), FetchedAt: t0.Add(-2 * time.Hour), TTL: time.Hour})

	f.Apply(Config{CallTimeout: 20 * time.Millisecond})
	r := &remote{payload: "new", delay: time.Second}
	start := time.Now()
	if got, err := f.Fetch(ctx, "k", time.Hour, r.call); err != nil || string(got) != "old" {
		t.Fatalf("got %q, %v", got, err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("applied call timeout ignored")
	}

	f.Apply(Config{})
	if got := f.config().CallTimeout; got != defaultCallTimeout {
		t.Fatalf("call timeout = %v, want default", got)
	}
}
