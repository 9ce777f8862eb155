package eventbus

import "time"

// Event types.
const (
	CacheHit         = "cache.hit"
	CacheMiss        = "cache.miss"
	CacheStaleServed = "cache.stale_served"
	CacheError       = "cache.error"

	NotifyTick         = "notify.tick"
	NotifySent         = "notify.sent"
	NotifySuppressed   = "notify.suppressed"
	NotifyFailed       = "notify.failed"
	NotifyInvalidGroup = "notify.invalid_group"
	NotifyChatSkipped  = "notify.chat_skipped"

	ConfigReloaded = "config.reloaded"
)

// CacheEvent is the payload of cache.* events.
type CacheEvent struct {
	Key      string        `json:"key"`
	Age      time.Duration `json:"age,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// NotifyEvent is the payload of per-chat notify.* events.
type NotifyEvent struct {
	TickID    string `json:"tick_id"`
	ChatID    int64  `json:"chat_id"`
	GroupID   int64  `json:"group_id,omitempty"`
	Threshold string `json:"threshold,omitempty"`
	Boundary  string `json:"boundary,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TickEvent is the payload of notify.tick.
type TickEvent struct {
	TickID     string        `json:"tick_id"`
	Chats      int           `json:"chats"`
	Sent       int           `json:"sent"`
	Suppressed int           `json:"suppressed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
}
