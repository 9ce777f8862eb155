// Package schedule is the read side used by presentation and the notifier:
// cached group schedules, day lookup, gap navigation and remaining time.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"classbell/internal/fetcher"
	"classbell/internal/timetable"
	"classbell/internal/upstream"
)

// API is the upstream timetable API.
type API interface {
	GroupSchedule(ctx context.Context, group int64, rng timetable.Range) ([]byte, error)
	CallSchedule(ctx context.Context) ([]byte, error)
}

// Fetcher is the cached fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, key string, ttl time.Duration, call fetcher.Call) ([]byte, error)
}

type Config struct {
	// ScheduleTTL is the freshness window of group schedules. Zero means 1h.
	ScheduleTTL time.Duration
	// CallScheduleTTL is the freshness window of the bell schedule. Zero means 24h.
	CallScheduleTTL time.Duration
	// Location is the timetable's time zone. Nil means UTC.
	Location *time.Location
}

type Service struct {
	api   API
	fetch Fetcher
	cfg   Config
}

func New(api API, fetch Fetcher, cfg Config) *Service {
	if cfg.ScheduleTTL <= 0 {
		cfg.ScheduleTTL = time.Hour
	}
	if cfg.CallScheduleTTL <= 0 {
		cfg.CallScheduleTTL = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{api: api, fetch: fetch, cfg: cfg}
}

func (s *Service) Location() *time.Location { return s.cfg.Location }

// GroupKey is the cache key of one group schedule query.
func GroupKey(group int64, rng timetable.Range) string {
	return "group:" + strconv.FormatInt(group, 10) + ":" + rng.Start.String() + ":" + rng.End.String()
}

const callScheduleKey = "call-schedule"

// GetSchedule returns the days of group within rng. Errors wrap
// fetcher.ErrUpstreamUnavailable or fetcher.ErrInvalidIdentifier.
func (s *Service) GetSchedule(ctx context.Context, group int64, rng timetable.Range) ([]timetable.Day, error) {
	payload, err := s.fetch.Fetch(ctx, GroupKey(group, rng), s.cfg.ScheduleTTL, func(ctx context.Context) ([]byte, error) {
		b, err := s.api.GroupSchedule(ctx, group, rng)
		if err != nil {
			return nil, err
		}
		// Undecodable payloads are failures; they must not replace a good entry.
		if _, err := upstream.DecodeDays(b); err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	days, err := upstream.DecodeDays(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fetcher.ErrUpstreamUnavailable, err)
	}
	return days, nil
}

// View is one day together with the window it was fetched in.
type View struct {
	Day    timetable.Day
	Days   []timetable.Day
	Window timetable.Range
}

// Day returns date's schedule for group, fetched through the standard window
// around date. A date absent from the feed is returned as a day without lessons.
func (s *Service) Day(ctx context.Context, group int64, date timetable.Date) (View, error) {
	rng := timetable.WindowAround(date)
	days, err := s.GetSchedule(ctx, group, rng)
	if err != nil {
		return View{}, err
	}
	v := View{Day: timetable.Day{Date: date}, Days: days, Window: rng}
	if d := timetable.FindDay(days, date); d != nil {
		v.Day = *d
	}
	return v, nil
}

// ResolveGap returns the offset in days to the nearest day with lessons.
func (s *Service) ResolveGap(days []timetable.Day, date timetable.Date, dir timetable.Direction) (int, bool) {
	return timetable.FindNearest(days, date, dir)
}

// Navigate loads date and computes where prev/next buttons lead.
func (s *Service) Navigate(ctx context.Context, group int64, date timetable.Date) (View, timetable.Navigation, error) {
	v, err := s.Day(ctx, group, date)
	if err != nil {
		return View{}, timetable.Navigation{}, err
	}
	return v, timetable.Navigate(v.Days, date, v.Window), nil
}

// Remaining computes the state of today for group at now.
func (s *Service) Remaining(ctx context.Context, group int64, now time.Time) (timetable.Remaining, View, error) {
	now = now.In(s.cfg.Location)
	v, err := s.Day(ctx, group, timetable.DateOf(now))
	if err != nil {
		return timetable.Remaining{}, View{}, err
	}
	return timetable.Compute(now, &v.Day), v, nil
}

// CallSchedule returns the bell schedule.
func (s *Service) CallSchedule(ctx context.Context) ([]timetable.CallSlot, error) {
	payload, err := s.fetch.Fetch(ctx, callScheduleKey, s.cfg.CallScheduleTTL, func(ctx context.Context) ([]byte, error) {
		b, err := s.api.CallSchedule(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := upstream.DecodeCallSchedule(b); err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	slots, err := upstream.DecodeCallSchedule(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fetcher.ErrUpstreamUnavailable, err)
	}
	return slots, nil
}
