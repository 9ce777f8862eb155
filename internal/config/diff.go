package config

import (
	"strings"

	logx "classbell/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (tokens, DSNs) are never included; only whether
// they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.api_url_set", nt.APIURL != ""),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Upstream != newCfg.Upstream {
		changed = append(changed, "upstream")
		attrs = append(attrs,
			logx.String("upstream.base_url", newCfg.Upstream.BaseURL),
			logx.String("upstream.timeout", newCfg.Upstream.Timeout),
		)
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.schedule_ttl", newCfg.Cache.ScheduleTTL),
			logx.String("cache.call_timeout", newCfg.Cache.CallTimeout),
			logx.Bool("cache.coalesce", newCfg.Cache.Coalesce),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.String("notifier.schedule", newCfg.Notifier.Schedule),
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
		)
	}

	ostor, nstor := oldCfg.Storage, newCfg.Storage
	if ostor != nstor {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nstor.Driver),
			logx.String("storage.path", nstor.Path),
			logx.Bool("storage.dsn_set", nstor.DSN != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	return changed, attrs
}

// RequiresRestart lists changed sections that only take effect after a
// restart. Everything else is applied live.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		out = append(out, "timezone")
	}
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.APIURL != nt.APIURL || ot.Timeout != nt.Timeout || ot.RatePerSec != nt.RatePerSec || ot.Silent != nt.Silent {
		out = append(out, "telegram")
	}
	if oldCfg.Upstream != newCfg.Upstream {
		out = append(out, "upstream")
	}
	oc, nc := oldCfg.Cache, newCfg.Cache
	if oc.ScheduleTTL != nc.ScheduleTTL || oc.CallScheduleTTL != nc.CallScheduleTTL || oc.MemoryRetention != nc.MemoryRetention {
		out = append(out, "cache")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	return out
}
