package timetable

import (
	"sort"
	"time"
)

type RemainingKind int

const (
	// NoSchedule means there is no data or no lessons for the day.
	NoSchedule RemainingKind = iota
	BeforeFirstLesson
	DuringLesson
	BetweenLessons
	AfterLastLesson
)

func (k RemainingKind) String() string {
	switch k {
	case BeforeFirstLesson:
		return "before_first_lesson"
	case DuringLesson:
		return "during_lesson"
	case BetweenLessons:
		return "between_lessons"
	case AfterLastLesson:
		return "after_last_lesson"
	default:
		return "no_schedule"
	}
}

// Remaining is the state of a day relative to an instant.
//
// Left counts down to Boundary: the next lesson start for BeforeFirstLesson and
// BetweenLessons, the current period's end for DuringLesson. Both are zero for
// NoSchedule and AfterLastLesson.
//
// NextStart is the next lesson start after the instant, also during a lesson
// when a later one follows the same day; zero when there is none. NextLeft and
// NextLesson describe it.
type Remaining struct {
	Kind     RemainingKind
	Left     time.Duration
	Boundary time.Time
	Lesson   int

	NextStart  time.Time
	NextLeft   time.Duration
	NextLesson int
}

// UntilNextStart returns the time left until the next lesson starts.
func (r Remaining) UntilNextStart() (time.Duration, time.Time, bool) {
	if r.NextStart.IsZero() {
		return 0, time.Time{}, false
	}
	return r.NextLeft, r.NextStart, true
}

type interval struct {
	start  time.Time
	end    time.Time
	lesson int
}

// Compute classifies now against the day's periods using half-open [start, end)
// intervals. Clock times are taken in now's location. Periods need not be sorted.
func Compute(now time.Time, day *Day) Remaining {
	if day == nil {
		return Remaining{Kind: NoSchedule}
	}
	loc := now.Location()
	var ivs []interval
	for _, l := range day.Lessons {
		for _, p := range l.Periods {
			ivs = append(ivs, interval{
				start:  p.TimeStart.On(day.Date, loc),
				end:    p.TimeEnd.On(day.Date, loc),
				lesson: l.Number,
			})
		}
	}
	if len(ivs) == 0 {
		return Remaining{Kind: NoSchedule}
	}
	sort.SliceStable(ivs, func(i, j int) bool {
		if !ivs[i].start.Equal(ivs[j].start) {
			return ivs[i].start.Before(ivs[j].start)
		}
		return ivs[i].end.Before(ivs[j].end)
	})

	// Inside a period: report the earliest end among the periods containing now.
	var during *interval
	for i := range ivs {
		iv := &ivs[i]
		if now.Before(iv.start) || !now.Before(iv.end) {
			continue
		}
		if during == nil || iv.end.Before(during.end) {
			during = iv
		}
	}
	next := -1
	for i, iv := range ivs {
		if now.Before(iv.start) {
			next = i
			break
		}
	}

	var r Remaining
	switch {
	case during != nil:
		r = Remaining{Kind: DuringLesson, Left: during.end.Sub(now), Boundary: during.end, Lesson: during.lesson}
	case next == 0:
		r = Remaining{Kind: BeforeFirstLesson, Left: ivs[0].start.Sub(now), Boundary: ivs[0].start, Lesson: ivs[0].lesson}
	case next > 0:
		r = Remaining{Kind: BetweenLessons, Left: ivs[next].start.Sub(now), Boundary: ivs[next].start, Lesson: ivs[next].lesson}
	default:
		return Remaining{Kind: AfterLastLesson}
	}
	if next >= 0 {
		r.NextStart, r.NextLeft, r.NextLesson = ivs[next].start, ivs[next].start.Sub(now), ivs[next].lesson
	}
	return r
}
