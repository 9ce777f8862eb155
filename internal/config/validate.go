package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks everything that can be checked without building
// components: required fields, duration strings, URLs, the time zone and the
// storage driver. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := c.LoadLocation(); err != nil {
		add(err)
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", EnvBotToken))
	}
	if c.Telegram.APIURL != "" {
		add(checkURL("telegram.api_url", c.Telegram.APIURL))
	}
	add(durations(
		"telegram.timeout", c.Telegram.Timeout,
		"upstream.timeout", c.Upstream.Timeout,
		"cache.schedule_ttl", c.Cache.ScheduleTTL,
		"cache.call_schedule_ttl", c.Cache.CallScheduleTTL,
		"cache.call_timeout", c.Cache.CallTimeout,
		"cache.memory_retention", c.Cache.MemoryRetention,
		"notifier.fetch_timeout", c.Notifier.FetchTimeout,
		"notifier.dispatch_timeout", c.Notifier.DispatchTimeout,
		"notifier.store_timeout", c.Notifier.StoreTimeout,
		"storage.busy_timeout", c.Storage.BusyTimeout,
		"http.read_timeout", c.HTTP.ReadTimeout,
		"http.write_timeout", c.HTTP.WriteTimeout,
	))

	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		add(fmt.Errorf("upstream.base_url is required (or set %s)", EnvAPIURL))
	} else {
		add(checkURL("upstream.base_url", c.Upstream.BaseURL))
	}
	if c.Upstream.RatePerSec < 0 || c.Upstream.Burst < 0 || c.Upstream.MaxBodyBytes < 0 {
		add(errors.New("upstream: rate_per_sec, burst and max_body_bytes must be >= 0"))
	}

	if c.Notifier.Workers < 0 {
		add(errors.New("notifier.workers must be >= 0"))
	}
	if c.Logging.Telegram.Enabled && c.Logging.Telegram.ChatID == 0 {
		add(errors.New("logging.telegram.chat_id is required when logging.telegram.enabled"))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", d))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(fmt.Errorf("storage.dsn is required when storage.driver=%s (or set %s)", d, EnvStorageDSN))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

// durations parses (path, raw) pairs.
func durations(pairs ...string) error {
	var errs []error
	for i := 0; i+1 < len(pairs); i += 2 {
		if _, err := ParseDurationField(pairs[i], pairs[i+1]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkURL(path, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: want an http(s) URL, got %q", path, raw)
	}
	return nil
}
