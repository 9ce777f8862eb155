package storage

import (
	"errors"
	"time"

	"classbell/internal/cache"
	"classbell/internal/subscription"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "file", "sqlite", "postgres". Empty or "none" disables
// durable storage; the app then keeps everything in memory.
type Config struct {
	Driver string
	// Path is the file prefix (file) or database file (sqlite).
	Path string
	// DSN is the postgres connection string.
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
	// CompactEvery is the number of journal writes between file compactions.
	CompactEvery int
}

// Store is a durable backend. The cache and subscription views share one
// underlying connection or file set.
type Store interface {
	Cache() cache.Store
	Subscriptions() subscription.Store
	Close() error
}

const (
	last15m = "last_notified_15m"
	last1m  = "last_notified_1m"
)

func markColumn(th subscription.Threshold) (string, error) {
	switch th {
	case subscription.Threshold15m:
		return last15m, nil
	case subscription.Threshold1m:
		return last1m, nil
	default:
		return "", errors.New("unknown threshold: " + string(th))
	}
}

func lastNotified(l15, l1 string) map[subscription.Threshold]string {
	m := map[subscription.Threshold]string{}
	if l15 != "" {
		m[subscription.Threshold15m] = l15
	}
	if l1 != "" {
		m[subscription.Threshold1m] = l1
	}
	return m
}
