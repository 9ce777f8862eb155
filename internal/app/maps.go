package app

import (
	"strings"
	"time"

	"classbell/internal/config"
	"classbell/internal/fetcher"
	"classbell/internal/notifier"
	"classbell/internal/observability/httpd"
	"classbell/internal/schedule"
	"classbell/internal/storage"
	telegram "classbell/internal/transport/telegram/adapter"
	"classbell/internal/upstream"
	logx "classbell/pkg/logx"
)

// Mappers turn the on-disk config into component configs. Durations were
// already checked by Config.Validate, so parse errors are still returned
// but not expected.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:      cfg.Telegram.Token,
		APIURL:     cfg.Telegram.APIURL,
		Timeout:    timeout,
		RatePerSec: cfg.Telegram.RatePerSec,
		Silent:     cfg.Telegram.Silent,
	}, nil
}

func mapUpstream(cfg *config.Config) (upstream.Config, error) {
	timeout, err := config.ParseDurationOrDefault("upstream.timeout", cfg.Upstream.Timeout, 15*time.Second)
	if err != nil {
		return upstream.Config{}, err
	}
	return upstream.Config{
		BaseURL:    strings.TrimSpace(cfg.Upstream.BaseURL),
		Language:   cfg.Upstream.Language,
		Timeout:    timeout,
		RatePerSec: cfg.Upstream.RatePerSec,
		Burst:      cfg.Upstream.Burst,
		MaxBody:    cfg.Upstream.MaxBodyBytes,
	}, nil
}

func mapFetcher(cfg *config.Config) (fetcher.Config, error) {
	timeout, err := config.ParseDurationOrDefault("cache.call_timeout", cfg.Cache.CallTimeout, 10*time.Second)
	if err != nil {
		return fetcher.Config{}, err
	}
	return fetcher.Config{CallTimeout: timeout, Coalesce: cfg.Cache.Coalesce}, nil
}

func mapSchedule(cfg *config.Config, loc *time.Location) (schedule.Config, error) {
	ttl, err := config.ParseDurationOrDefault("cache.schedule_ttl", cfg.Cache.ScheduleTTL, time.Hour)
	if err != nil {
		return schedule.Config{}, err
	}
	callTTL, err := config.ParseDurationOrDefault("cache.call_schedule_ttl", cfg.Cache.CallScheduleTTL, 24*time.Hour)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{ScheduleTTL: ttl, CallScheduleTTL: callTTL, Location: loc}, nil
}

func mapNotifier(cfg *config.Config, loc *time.Location) (notifier.Config, error) {
	nc := cfg.Notifier
	fetch, err := config.ParseDurationField("notifier.fetch_timeout", nc.FetchTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	dispatch, err := config.ParseDurationField("notifier.dispatch_timeout", nc.DispatchTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	store, err := config.ParseDurationField("notifier.store_timeout", nc.StoreTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	// Zero values fall back to notifier defaults.
	return notifier.Config{
		Enabled:         nc.Enabled,
		Schedule:        strings.TrimSpace(nc.Schedule),
		Location:        loc,
		Workers:         nc.Workers,
		FetchTimeout:    fetch,
		DispatchTimeout: dispatch,
		StoreTimeout:    store,
	}, nil
}

// mapStorage reports enabled=false for driver "" or "none".
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxConns:     sc.MaxConns,
		CompactEvery: sc.CompactEvery,
	}, true, nil
}

func mapHTTP(cfg *config.Config) (httpd.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpd.Config{}, err
	}
	// /debug/pprof/profile runs for 30s by default; keep writes unbounded
	// unless configured.
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpd.Config{}, err
	}
	return httpd.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("cache.memory_retention", cfg.Cache.MemoryRetention)
}
