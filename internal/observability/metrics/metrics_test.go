package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"classbell/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	t.Parallel()

	m := New(nil)
	m.Observe(eventbus.Event{Type: eventbus.CacheHit, Data: eventbus.CacheEvent{Key: "group:42:2024-03-04:2024-03-24"}})
	m.Observe(eventbus.Event{Type: eventbus.CacheHit, Data: eventbus.CacheEvent{Key: "group:7:2024-03-04:2024-03-24"}})
	m.Observe(eventbus.Event{Type: eventbus.CacheStaleServed, Data: eventbus.CacheEvent{Key: "call-schedule", Duration: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.NotifySent, Data: eventbus.NotifyEvent{Threshold: "15m"}})
	m.Observe(eventbus.Event{Type: eventbus.NotifyFailed, Data: eventbus.NotifyEvent{Threshold: "1m", Permanent: true}})
	m.Observe(eventbus.Event{Type: eventbus.NotifyTick, Data: eventbus.TickEvent{Chats: 3, Errors: 1, Duration: 40 * time.Millisecond}})
	m.Observe(eventbus.Event{Type: eventbus.ConfigReloaded})

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("group", "hit")); got != 2 {
		t.Fatalf("group hits = %v", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("call-schedule", "stale_served")); got != 1 {
		t.Fatalf("stale served = %v", got)
	}
	if got := testutil.ToFloat64(m.Reminders.WithLabelValues("15m", "sent")); got != 1 {
		t.Fatalf("sent = %v", got)
	}
	if got := testutil.ToFloat64(m.Reminders.WithLabelValues("1m", "dropped")); got != 1 {
		t.Fatalf("dropped = %v", got)
	}
	if got := testutil.ToFloat64(m.TickChats); got != 3 {
		t.Fatalf("tick chats = %v", got)
	}
	if got := testutil.ToFloat64(m.TickErrors); got != 1 {
		t.Fatalf("tick errors = %v", got)
	}
	if got := testutil.ToFloat64(m.ConfigReloads); got != 1 {
		t.Fatalf("reloads = %v", got)
	}
}

func TestRunAndHandler(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	m := New(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.Ticks) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tick event never observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.NotifyTick, Data: eventbus.TickEvent{Chats: 1}})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"classbell_ticks_total", "classbell_eventbus_dropped_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output misses %s", want)
		}
	}
}
