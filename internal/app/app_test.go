package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"classbell/internal/config"
	"classbell/internal/eventbus"
	"classbell/internal/subscription"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Timezone: "UTC",
		Telegram: config.TelegramConfig{Token: "123:abc", APIURL: "http://127.0.0.1:1"},
		Upstream: config.UpstreamConfig{BaseURL: "http://127.0.0.1:1/api"},
		Notifier: config.NotifierConfig{Enabled: true, Schedule: "0 * * * * *"},
		Storage:  config.StorageConfig{Driver: "none"},
	}
}

func mustBuild(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := build(context.Background(), config.NewConfigManager(filepath.Join(t.TempDir(), "config.yaml")), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return a
}

func TestBuildRejectsBadTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timezone = "Mars/Olympus"
	if _, err := build(context.Background(), config.NewConfigManager("x.yaml"), cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSubscriptionsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}
	ctx := context.Background()

	a := mustBuild(t, cfg)
	if err := a.Subscriptions().Put(ctx, subscription.Subscription{ChatID: 7, GroupID: 42, Notify1m: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := a.Subscriptions().MarkNotified(ctx, 7, subscription.Threshold1m, "2026-10-19T08:00:00Z"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := a.Stop(ctx, StopUnknown); err != nil {
		t.Fatalf("stop: %v", err)
	}

	b := mustBuild(t, cfg)
	defer b.Stop(ctx, StopUnknown)
	s, ok, err := b.Subscriptions().Get(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if s.GroupID != 42 || !s.Notified(subscription.Threshold1m, "2026-10-19T08:00:00Z") {
		t.Fatalf("unexpected subscription %+v", s)
	}
}

func TestHealthCountsChats(t *testing.T) {
	ctx := context.Background()
	a := mustBuild(t, testConfig(t))
	defer a.Stop(ctx, StopUnknown)

	_ = a.Subscriptions().Put(ctx, subscription.Subscription{ChatID: 1, GroupID: 5, Notify15m: true})
	_ = a.Subscriptions().Put(ctx, subscription.Subscription{ChatID: 2})

	out, err := a.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if out["chats"] != 1 {
		t.Fatalf("chats=%v", out["chats"])
	}
	if _, ok := out["telegram_sent"]; !ok {
		t.Fatalf("missing telegram stats: %v", out)
	}
}

func TestValidateRejectsBadSchedule(t *testing.T) {
	a := mustBuild(t, testConfig(t))
	defer a.Stop(context.Background(), StopUnknown)

	cfg := testConfig(t)
	cfg.Notifier.Schedule = "every minute"
	if err := a.validate(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "every minute") {
		t.Fatalf("err=%v", err)
	}
	if err := a.validate(context.Background(), testConfig(t)); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestApplyPublishesReload(t *testing.T) {
	a := mustBuild(t, testConfig(t))
	defer a.Stop(context.Background(), StopUnknown)

	events, unsub := a.bus.Subscribe(4, "config.")
	defer unsub()

	prev := testConfig(t)
	next := testConfig(t)
	next.Notifier.Workers = 3
	next.Cache.Coalesce = true
	a.apply(context.Background(), prev, next)

	select {
	case e := <-events:
		if e.Type != eventbus.ConfigReloaded {
			t.Fatalf("event=%s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no reload event")
	}

	// Nothing changed: nothing published.
	a.apply(context.Background(), next, next)
	select {
	case e := <-events:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestMapStorageDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		cfg := &config.Config{Storage: config.StorageConfig{Driver: d}}
		if _, enabled, err := mapStorage(cfg); enabled || err != nil {
			t.Fatalf("driver %q: enabled=%v err=%v", d, enabled, err)
		}
	}
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "SQLite", Path: " ./x.db "}}
	sc, enabled, err := mapStorage(cfg)
	if !enabled || err != nil || sc.Driver != "sqlite" || sc.Path != "./x.db" || sc.BusyTimeout != time.Second {
		t.Fatalf("sc=%+v enabled=%v err=%v", sc, enabled, err)
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	tg, err := mapTelegram(cfg)
	if err != nil || tg.Timeout != 10*time.Second {
		t.Fatalf("telegram=%+v err=%v", tg, err)
	}
	sc, err := mapSchedule(cfg, time.UTC)
	if err != nil || sc.ScheduleTTL != time.Hour || sc.CallScheduleTTL != 24*time.Hour {
		t.Fatalf("schedule=%+v err=%v", sc, err)
	}
	hc, err := mapHTTP(cfg)
	if err != nil || hc.ReadTimeout != 10*time.Second || hc.WriteTimeout != 0 {
		t.Fatalf("http=%+v err=%v", hc, err)
	}
}
