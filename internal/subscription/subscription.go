// Package subscription holds per-chat reminder settings and the dedup state
// the notification scheduler persists through them.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("subscription not found")

// Threshold is a reminder offset before a lesson start.
type Threshold string

const (
	Threshold15m Threshold = "15m"
	Threshold1m  Threshold = "1m"
)

// Thresholds lists every threshold from the largest offset to the smallest.
var Thresholds = []Threshold{Threshold15m, Threshold1m}

func (t Threshold) Duration() time.Duration {
	switch t {
	case Threshold15m:
		return 15 * time.Minute
	case Threshold1m:
		return time.Minute
	default:
		return 0
	}
}

func ParseThreshold(s string) (Threshold, error) {
	t := Threshold(strings.TrimSpace(s))
	if t.Duration() == 0 {
		return "", fmt.Errorf("unknown threshold %q", s)
	}
	return t, nil
}

// BoundaryID identifies one lesson start: its instant in RFC 3339 UTC.
func BoundaryID(start time.Time) string {
	return start.UTC().Format(time.RFC3339)
}

type Subscription struct {
	ChatID int64
	// GroupID is 0 when the chat has not selected a group.
	GroupID   int64
	Lang      string
	Notify15m bool
	Notify1m  bool
	// LastNotified maps a threshold to the boundary it last fired (or was
	// marked) for.
	LastNotified map[Threshold]string
}

// Wants reports whether the chat has th enabled.
func (s Subscription) Wants(th Threshold) bool {
	switch th {
	case Threshold15m:
		return s.Notify15m
	case Threshold1m:
		return s.Notify1m
	default:
		return false
	}
}

// Subscribed reports whether the chat should be evaluated by the scheduler.
func (s Subscription) Subscribed() bool {
	return s.GroupID != 0 && (s.Notify15m || s.Notify1m)
}

func (s Subscription) Notified(th Threshold, boundary string) bool {
	return boundary != "" && s.LastNotified[th] == boundary
}

func (s Subscription) Clone() Subscription {
	cp := s
	if s.LastNotified != nil {
		cp.LastNotified = make(map[Threshold]string, len(s.LastNotified))
		for k, v := range s.LastNotified {
			cp.LastNotified[k] = v
		}
	}
	return cp
}

// Store persists subscriptions.
//
// Every write to LastNotified must be durable before it returns. A
// successful ClaimNotified means "this reminder is sent by the caller and by
// nobody else", even when several processes share the store.
type Store interface {
	// ListSubscribed returns chats with a group and at least one threshold enabled.
	ListSubscribed(ctx context.Context) ([]Subscription, error)
	Get(ctx context.Context, chatID int64) (Subscription, bool, error)
	Put(ctx context.Context, s Subscription) error
	// MarkNotified records boundary for th unconditionally.
	MarkNotified(ctx context.Context, chatID int64, th Threshold, boundary string) error
	// ClaimNotified atomically records boundary for th unless it is already
	// recorded, and reports whether this call made the change.
	ClaimNotified(ctx context.Context, chatID int64, th Threshold, boundary string) (bool, error)
	// ReleaseNotified clears th if it still holds boundary.
	ReleaseNotified(ctx context.Context, chatID int64, th Threshold, boundary string) error
}
