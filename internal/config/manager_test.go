package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
timezone: UTC
telegram:
  token: "123:abc"
logging:
  level: info
  console: true
upstream:
  base_url: "https://api.example.edu/api"
  timeout: 15s
cache:
  schedule_ttl: 1h
  coalesce: true
notifier:
  enabled: true
  schedule: "0 * * * * *"
  workers: 4
storage:
  driver: sqlite
  path: ./classbell.db
http:
  enabled: true
  addr: 127.0.0.1:9090
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", validYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Notifier.Workers != 4 || !cfg.Cache.Coalesce || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("config not committed")
	}
}

func TestDecodeJSONStrict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", `{"telegram":{"token":"x","poll_timeout":"10s"}}`, "unknown field"},
		{"trailing data", `{"timezone":"UTC"}{"timezone":"UTC"}`, "trailing data"},
		{"trailing garbage", `{"timezone":"UTC"} x`, "trailing data"},
		{"not json", `timezone: UTC`, "invalid character"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode("config.json", []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestDecodeYAMLUnknownField(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.yml", []byte("cache:\n  ttl: 1h\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Timezone: "UTC",
			Telegram: TelegramConfig{Token: "123:abc"},
			Upstream: UpstreamConfig{BaseURL: "https://api.example.edu"},
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"no base url", func(c *Config) { c.Upstream.BaseURL = "" }, "upstream.base_url is required"},
		{"bad base url", func(c *Config) { c.Upstream.BaseURL = "ftp://x" }, "upstream.base_url: want"},
		{"bad duration", func(c *Config) { c.Cache.ScheduleTTL = "soon" }, "cache.schedule_ttl: invalid duration"},
		{"negative duration", func(c *Config) { c.Notifier.FetchTimeout = "-1s" }, "notifier.fetch_timeout: duration must be >= 0"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path is required"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn is required"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, "unknown storage.driver"},
		{"log chat without id", func(c *Config) { c.Logging.Telegram.Enabled = true }, "logging.telegram.chat_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tc.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()
	c := &Config{Timezone: "UTC"}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"telegram.token", "upstream.base_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvBotToken, "999:env")
	t.Setenv(EnvAPIURL, "https://env.example.edu")
	t.Setenv(EnvStorageDSN, "")
	t.Setenv(EnvLogLevel, " debug ")

	cfg, err := Decode("config.json", []byte(`{"telegram":{"token":"file"},"storage":{"driver":"postgres","dsn":"postgres://file"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.Token != "999:env" || cfg.Upstream.BaseURL != "https://env.example.edu" || cfg.Logging.Level != "debug" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Storage.DSN != "postgres://file" {
		t.Fatalf("empty env var must not override: %q", cfg.Storage.DSN)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "CLASSBELL_TEST_DOTENV=from-file\n")
	t.Setenv("CLASSBELL_TEST_DOTENV", "")
	os.Unsetenv("CLASSBELL_TEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), p); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("CLASSBELL_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("got %q", got)
	}
}

func TestReloadSkipsUnchangedAndInvalid(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", validYAML)
	m := NewConfigManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged reload: ok=%v err=%v", ok, err)
	}

	writeFile(t, dir, "config.yaml", strings.Replace(validYAML, "workers: 4", "workers: -1", 1))
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("invalid reload: ok=%v err=%v", ok, err)
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Notifier.Workers > 10 {
			return errors.New("too many workers")
		}
		return nil
	})
	writeFile(t, dir, "config.yaml", strings.Replace(validYAML, "workers: 4", "workers: 11", 1))
	if _, err := m.Reload(context.Background()); err == nil || !strings.Contains(err.Error(), "too many workers") {
		t.Fatalf("validator not applied: %v", err)
	}

	writeFile(t, dir, "config.yaml", strings.Replace(validYAML, "workers: 4", "workers: 6", 1))
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("valid reload: ok=%v err=%v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Notifier.Workers != 6 {
			t.Fatalf("published workers=%d", cfg.Notifier.Workers)
		}
	default:
		t.Fatalf("nothing published")
	}
}

func TestWatchPublishesChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", validYAML)
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher (which starts asynchronously) sees it.
		writeFile(t, dir, "config.yaml", strings.Replace(validYAML, "workers: 4", "workers: 7", 1))
		select {
		case cfg := <-ch:
			if cfg.Notifier.Workers != 7 {
				t.Fatalf("workers=%d", cfg.Notifier.Workers)
			}
			return
		case <-deadline:
			t.Fatalf("no config published")
		case <-tick.C:
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Telegram: TelegramConfig{Token: "a"}, Storage: StorageConfig{Driver: "file", Path: "x"}}
	b := *a
	b.Telegram.Token = "b"
	b.Notifier.Workers = 3

	changed, attrs := SummarizeConfigChange(a, &b)
	if strings.Join(changed, ",") != "telegram,notifier" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RequiresRestart(a, &b); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("restart=%v", got)
	}
}
