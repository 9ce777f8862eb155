package timetable

import "time"

type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Range is an inclusive span of dates.
type Range struct {
	Start Date
	End   Date
}

func (r Range) Contains(d Date) bool { return !d.Before(r.Start) && !d.After(r.End) }

func (r Range) String() string { return r.Start.String() + ".." + r.End.String() }

// WindowAround returns the fetch window for date: Monday of the previous week
// through the Sunday two weeks after it (21 days).
func WindowAround(date Date) Range {
	// Monday = 0 .. Sunday = 6
	offset := (int(date.Weekday()) + 6) % 7
	start := date.AddDays(-offset - 7)
	return Range{Start: start, End: start.AddDays(20)}
}

// FindNearest scans days strictly past date in the given direction and returns
// the distance in days to the first day with at least one lesson.
// ok is false when no such day exists in days.
func FindNearest(days []Day, date Date, dir Direction) (offset int, ok bool) {
	best := 0
	for _, d := range days {
		if !d.HasLessons() {
			continue
		}
		diff := d.Date.DaysSince(date)
		if dir == Backward {
			diff = -diff
		}
		if diff < 1 {
			continue
		}
		if !ok || diff < best {
			best, ok = diff, true
		}
	}
	return best, ok
}

// Navigation describes how a day view moves to neighbouring days.
//
// Prev and Next are day offsets (>= 1). When the date has no lessons they skip
// the whole run of empty days; EmptyFrom..EmptyTo is that run.
type Navigation struct {
	Prev      int
	Next      int
	EmptyFrom Date
	EmptyTo   Date
	// Collapsed is true when more than one empty day was merged into a single span.
	Collapsed bool
}

// Navigate computes navigation targets for date within a fetched range.
// When no lesson day exists in a direction, the distance to the range edge plus
// one day is used instead.
func Navigate(days []Day, date Date, rng Range) Navigation {
	if day := FindDay(days, date); day != nil && day.HasLessons() {
		return Navigation{Prev: 1, Next: 1, EmptyFrom: date, EmptyTo: date}
	}
	prev, ok := FindNearest(days, date, Backward)
	if !ok {
		prev = date.DaysSince(rng.Start) + 1
	}
	next, ok := FindNearest(days, date, Forward)
	if !ok {
		next = rng.End.DaysSince(date) + 1
	}
	return Navigation{
		Prev:      prev,
		Next:      next,
		EmptyFrom: date.AddDays(-prev + 1),
		EmptyTo:   date.AddDays(next - 1),
		Collapsed: prev > 1 || next > 1,
	}
}

// Today returns the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) Date {
	if loc != nil {
		now = now.In(loc)
	}
	return DateOf(now)
}
