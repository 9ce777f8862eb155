package timetable

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Date is a civil calendar date without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d == Date{} }

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

// DaysSince returns d - other in whole days.
func (d Date) DaysSince(other Date) int {
	return int(d.In(time.UTC).Sub(other.In(time.UTC)).Hours() / 24)
}

func (d Date) Before(other Date) bool { return d.DaysSince(other) < 0 }
func (d Date) After(other Date) bool  { return d.DaysSince(other) > 0 }

// Weekday uses time.Weekday numbering (Sunday = 0).
func (d Date) Weekday() time.Weekday { return d.In(time.UTC).Weekday() }

func (d Date) String() string { return d.In(time.UTC).Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Clock is a local wall-clock time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On returns the instant of c on date d in loc.
func (c Clock) On(d Date, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, 0, 0, loc)
}

func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c Clock) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Day is one calendar date of classes for a group, as returned by the upstream feed.
// Values are never mutated after decoding; presentation code works on copies.
type Day struct {
	Date    Date     `json:"date"`
	Lessons []Lesson `json:"lessons"`
}

// Lesson is one numbered slot of a day. Periods are concurrent variants
// (for example different subgroups).
type Lesson struct {
	Number  int      `json:"number"`
	Periods []Period `json:"periods"`
}

type Period struct {
	TimeStart          Clock  `json:"timeStart"`
	TimeEnd            Clock  `json:"timeEnd"`
	DisciplineName     string `json:"disciplineShortName"`
	DisciplineFullName string `json:"disciplineFullName,omitempty"`
	Type               string `json:"typeStr"`
	Classroom          string `json:"classroom"`
	Teachers           string `json:"teachersNameFull"`
	TeachersShort      string `json:"teachersName,omitempty"`
}

// HasLessons reports whether the day has at least one lesson.
func (d Day) HasLessons() bool { return len(d.Lessons) > 0 }

// CallSlot is one entry of the bell schedule.
type CallSlot struct {
	Number    int   `json:"number"`
	TimeStart Clock `json:"timeStart"`
	TimeEnd   Clock `json:"timeEnd"`
}

// FindDay returns the day with the given date, or nil.
func FindDay(days []Day, date Date) *Day {
	for i := range days {
		if days[i].Date == date {
			return &days[i]
		}
	}
	return nil
}
