package config

// Config is the on-disk configuration. JSON or YAML; unknown keys are
// rejected. All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Timezone of the timetable (IANA name). Default "Europe/Kyiv".
	Timezone string `json:"timezone,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Upstream UpstreamConfig `json:"upstream"`
	Cache    CacheConfig    `json:"cache"`
	Notifier NotifierConfig `json:"notifier"`
	Storage  StorageConfig  `json:"storage"`
	HTTP     HTTPConfig     `json:"http"`
}

type TelegramConfig struct {
	Token string `json:"token"` // also CLASSBELL_BOT_TOKEN (do not log)
	// APIURL overrides the Bot API endpoint (local bot API server).
	APIURL     string `json:"api_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// Silent sends reminders without sound.
	Silent bool `json:"silent,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// UpstreamConfig points at the timetable API.
type UpstreamConfig struct {
	BaseURL  string `json:"base_url"` // also CLASSBELL_API_URL
	Language string `json:"language,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	// RatePerSec limits outgoing requests. Zero disables the limit.
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	MaxBodyBytes int64   `json:"max_body_bytes,omitempty"`
}

// CacheConfig controls the cached fetcher.
//
// Defaults:
//   - schedule_ttl: "1h"
//   - call_schedule_ttl: "24h"
//   - call_timeout: "10s"
//   - memory_retention: "0s" (entries are kept until overwritten)
type CacheConfig struct {
	ScheduleTTL     string `json:"schedule_ttl,omitempty"`
	CallScheduleTTL string `json:"call_schedule_ttl,omitempty"`
	CallTimeout     string `json:"call_timeout,omitempty"`
	// Coalesce shares one upstream call between concurrent lookups of a key.
	Coalesce bool `json:"coalesce,omitempty"`
	// MemoryRetention drops in-memory entries this long after they expire.
	MemoryRetention string `json:"memory_retention,omitempty"`
}

// NotifierConfig controls the reminder scheduler.
//
// Defaults:
//   - schedule: "0 * * * * *" (every minute, seconds field optional)
//   - workers: 8
//   - fetch_timeout: "20s", dispatch_timeout: "15s", store_timeout: "5s"
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Schedule        string `json:"schedule,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	FetchTimeout    string `json:"fetch_timeout,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	StoreTimeout    string `json:"store_timeout,omitempty"`
}

// StorageConfig selects the durable backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./classbell.db" }
type StorageConfig struct {
	Driver       string `json:"driver"` // none | file | sqlite | postgres
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // also CLASSBELL_STORAGE_DSN (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxConns     int32  `json:"max_conns,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// HTTPConfig controls the /metrics, /healthz and pprof server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

const DefaultTimezone = "Europe/Kyiv"
