package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over the file so secrets can stay out of it.
const (
	EnvBotToken   = "CLASSBELL_BOT_TOKEN"
	EnvAPIURL     = "CLASSBELL_API_URL"
	EnvStorageDSN = "CLASSBELL_STORAGE_DSN"
	EnvLogLevel   = "CLASSBELL_LOG_LEVEL"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays the CLASSBELL_* variables onto cfg.
func ApplyEnv(cfg *Config) {
	if v, ok := lookup(EnvBotToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := lookup(EnvAPIURL); ok {
		cfg.Upstream.BaseURL = v
	}
	if v, ok := lookup(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
