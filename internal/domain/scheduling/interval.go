package scheduling

import (
	"encoding/json"
	"fmt"
	"time"
)

// MinutesPerDay bounds every ClockTime; intervals never cross midnight.
const MinutesPerDay = 24 * 60

// ClockTime is a wall-clock time of day at minute precision, stored as
// minutes since midnight.
type ClockTime int

// ParseClock parses a strict "HH:MM" string. Hours run 00-23, minutes 00-59.
func ParseClock(s string) (ClockTime, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("time %q must be formatted as HH:MM", s)
	}
	h, okH := twoDigits(s[0], s[1])
	m, okM := twoDigits(s[3], s[4])
	if !okH || !okM {
		return 0, fmt.Errorf("time %q must be formatted as HH:MM", s)
	}
	if h > 23 {
		return 0, fmt.Errorf("time %q: hour must be between 0 and 23", s)
	}
	if m > 59 {
		return 0, fmt.Errorf("time %q: minute must be between 0 and 59", s)
	}
	return ClockTime(h*60 + m), nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}

func (t ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time must be a HH:MM string")
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Interval is a half-open range [Start, End) within one calendar day.
type Interval struct {
	Start ClockTime
	End   ClockTime
}

// NewInterval returns [start, end) or an error when start is not before end.
func NewInterval(start, end ClockTime) (Interval, error) {
	if start < 0 || end > MinutesPerDay || start >= end {
		return Interval{}, fmt.Errorf("start %s must be before end %s", start, end)
	}
	return Interval{Start: start, End: end}, nil
}

// Minutes returns the length of the interval.
func (i Interval) Minutes() int {
	return int(i.End - i.Start)
}

// Overlaps reports whether the two half-open intervals share any minute.
// Back-to-back intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return Overlaps(i, o)
}

func Overlaps(a, b Interval) bool {
	return a.Start < b.End && b.Start < a.End
}

func (i Interval) String() string {
	return i.Start.String() + "-" + i.End.String()
}

// Date is a calendar day without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// ParseDate parses a strict YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("date %q must be formatted as YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Weekday() time.Weekday {
	return d.Time().Weekday()
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool {
	return d.Time().Before(o.Time())
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a YYYY-MM-DD string")
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
