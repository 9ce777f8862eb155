// Package notifier runs the reminder scheduler.
//
// Every tick it evaluates all subscribed chats: it loads today's schedule
// through the cached fetcher, computes the time left until the next lesson
// and, when a configured threshold is crossed for the first time for that
// lesson start, dispatches one reminder. The last notified boundary per
// threshold is persisted through the subscription store, so a reminder is
// sent at most once per lesson even across restarts.
//
// # Crossing
//
// A threshold T fires on a tick when left <= T, the previous tick for the same
// boundary saw left > T (or there was no previous tick), and the stored
// boundary for T differs from the current one. When several thresholds fire
// on the same tick only the smallest is sent; the others are recorded as
// handled.
package notifier

import (
	"context"
	"time"

	"classbell/internal/schedule"
	"classbell/internal/subscription"
	"classbell/internal/timetable"
)

type Config struct {
	Enabled bool
	// Schedule is the tick cron spec (seconds optional). Default "0 * * * * *".
	Schedule string
	// Location is the timetable time zone; ticks and clock times use it.
	Location *time.Location
	// Workers bounds concurrent chat evaluations. Default 8.
	Workers int
	// FetchTimeout bounds one chat's schedule lookup. Default 20s.
	FetchTimeout time.Duration
	// DispatchTimeout bounds one reminder delivery. Default 15s.
	DispatchTimeout time.Duration
	// StoreTimeout bounds subscription store calls. Default 5s.
	StoreTimeout time.Duration
}

const defaultSchedule = "0 * * * * *"

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 15 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Notification is one reminder ready for delivery.
type Notification struct {
	ID        string
	ChatID    int64
	GroupID   int64
	Lang      string
	Threshold subscription.Threshold
	// Boundary is the lesson start the reminder counts down to.
	Boundary time.Time
	Left     time.Duration
	Lesson   int
	Day      timetable.Day
	Text     string
}

// Dispatcher delivers reminders. Failures should be wrapped with Transient or
// Permanent; unwrapped errors count as transient.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Renderer produces the reminder text.
type Renderer interface {
	Render(n Notification) (string, error)
}

// Schedules is the schedule read side used by the scheduler.
type Schedules interface {
	Remaining(ctx context.Context, group int64, now time.Time) (timetable.Remaining, schedule.View, error)
}

// TickReport summarises one tick.
type TickReport struct {
	ID    string
	At    time.Time
	Chats int
	Sent  int
	// Suppressed counts thresholds recorded without a message because a
	// smaller one fired on the same tick.
	Suppressed    int
	Failed        int
	Skipped       int
	Errors        int
	InvalidGroups int
	Duration      time.Duration
}

type outcome struct {
	sent, suppressed, failed, errors, invalid, skipped int
}
