package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"classbell/internal/cache"
	"classbell/internal/eventbus"
	"classbell/internal/fetcher"
	"classbell/internal/timetable"
	logx "classbell/pkg/logx"
)

type fakeAPI struct {
	calls   atomic.Int32
	payload string
	err     error
	lastRng timetable.Range
}

func (f *fakeAPI) GroupSchedule(_ context.Context, group int64, rng timetable.Range) ([]byte, error) {
	f.calls.Add(1)
	f.lastRng = rng
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.payload), nil
}

func (f *fakeAPI) CallSchedule(context.Context) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(`[{"number":1,"timeStart":"08:20","timeEnd":"09:40"},{"number":2,"timeStart":"10:00","timeEnd":"11:20"}]`), nil
}

const week = `[
 {"date":"2024-03-10","lessons":[{"number":1,"periods":[{"timeStart":"08:20","timeEnd":"09:40","disciplineShortName":"Math","typeStr":"Lec"}]}]},
 {"date":"2024-03-13","lessons":[]},
 {"date":"2024-03-15","lessons":[{"number":2,"periods":[{"timeStart":"10:00","timeEnd":"11:20","disciplineShortName":"Phys","typeStr":"Lab"}]}]},
 {"date":"2024-03-18","lessons":[{"number":1,"periods":[{"timeStart":"08:20","timeEnd":"09:40","disciplineShortName":"Chem","typeStr":"Lec"}]}]}
]`

func newService(api *fakeAPI) *Service {
	f := fetcher.New(cache.NewMemory(0), fetcher.Config{}, logx.Nop(), eventbus.Nop{})
	return New(api, f, Config{})
}

func TestDayUsesWindowAndCache(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{payload: week}
	svc := newService(api)
	date := timetable.Date{Year: 2024, Month: 3, Day: 15}

	v, err := svc.Day(context.Background(), 7, date)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Day.HasLessons() || v.Day.Lessons[0].Periods[0].DisciplineName != "Phys" {
		t.Fatalf("day = %+v", v.Day)
	}
	if api.lastRng != timetable.WindowAround(date) {
		t.Fatalf("window = %s", api.lastRng)
	}

	// Same window, different date: served from cache.
	if _, err := svc.Day(context.Background(), 7, timetable.Date{Year: 2024, Month: 3, Day: 14}); err != nil {
		t.Fatal(err)
	}
	if api.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", api.calls.Load())
	}

	missing, err := svc.Day(context.Background(), 7, timetable.Date{Year: 2024, Month: 3, Day: 16})
	if err != nil || missing.Day.HasLessons() || missing.Day.Date != (timetable.Date{Year: 2024, Month: 3, Day: 16}) {
		t.Fatalf("absent date = %+v, %v", missing.Day, err)
	}
}

func TestNavigateAndResolveGap(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeAPI{payload: week})
	date := timetable.Date{Year: 2024, Month: 3, Day: 13}

	v, nav, err := svc.Navigate(context.Background(), 7, date)
	if err != nil {
		t.Fatal(err)
	}
	if nav.Prev != 3 || nav.Next != 2 || !nav.Collapsed {
		t.Fatalf("navigation = %+v", nav)
	}
	if off, ok := svc.ResolveGap(v.Days, date, timetable.Forward); !ok || off != 2 {
		t.Fatalf("forward gap = %d %v", off, ok)
	}
}

func TestInvalidGroupAndUnavailable(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeAPI{err: fetcher.InvalidIdentifier(errors.New("422"))})
	_, err := svc.GetSchedule(context.Background(), 1, timetable.WindowAround(timetable.Date{Year: 2024, Month: 3, Day: 13}))
	if !errors.Is(err, fetcher.ErrInvalidIdentifier) {
		t.Fatalf("err = %v", err)
	}

	svc = newService(&fakeAPI{err: errors.New("timeout")})
	_, err = svc.GetSchedule(context.Background(), 1, timetable.WindowAround(timetable.Date{Year: 2024, Month: 3, Day: 13}))
	if !errors.Is(err, fetcher.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestMalformedPayloadIsNotCached(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{payload: `{"oops":`}
	svc := newService(api)
	rng := timetable.WindowAround(timetable.Date{Year: 2024, Month: 3, Day: 13})
	if _, err := svc.GetSchedule(context.Background(), 1, rng); !errors.Is(err, fetcher.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v", err)
	}
	api.payload = week
	days, err := svc.GetSchedule(context.Background(), 1, rng)
	if err != nil || len(days) != 4 {
		t.Fatalf("days = %d, err = %v", len(days), err)
	}
}

func TestRemaining(t *testing.T) {
	t.Parallel()
	svc := newService(&fakeAPI{payload: week})
	now := time.Date(2024, 3, 15, 9, 45, 0, 0, time.UTC)
	r, _, err := svc.Remaining(context.Background(), 7, now)
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != timetable.BeforeFirstLesson || r.Left != 15*time.Minute {
		t.Fatalf("remaining = %s %v", r.Kind, r.Left)
	}
}

func TestCallSchedule(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	svc := newService(api)
	slots, err := svc.CallSchedule(context.Background())
	if err != nil || len(slots) != 2 {
		t.Fatalf("slots = %+v, err = %v", slots, err)
	}
	_, _ = svc.CallSchedule(context.Background())
	if api.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", api.calls.Load())
	}
}
