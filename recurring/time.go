package recurring

import (
	"time"
)

// =============================================================================
// DATE - Calendar day, the only time granularity this engine uses
// =============================================================================

// DateLayout is the wire and storage format for dates.
const DateLayout = "2006-01-02"

// Date is a calendar day at UTC midnight.
type Date struct {
	Time time.Time
}

// Constructors
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day (in t's own location).
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Arithmetic
func (d Date) AddDays(n int) Date { return DateOf(d.Time.AddDate(0, 0, n)) }

// AddMonthsClamped moves n months and sets the day to day, clamped to the
// last day of the target month. time.AddDate would overflow into the next
// month instead (Jan 31 + 1 month = Mar 3).
func (d Date) AddMonthsClamped(n, day int) Date {
	first := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	last := DaysInMonth(first.Year(), first.Month())
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return NewDate(first.Year(), first.Month(), day)
}

// Properties
func (d Date) Year() int         { return d.Time.Year() }
func (d Date) Month() time.Month { return d.Time.Month() }
func (d Date) Day() int          { return d.Time.Day() }
func (d Date) IsZero() bool      { return d.Time.IsZero() }

func (d Date) String() string { return d.Time.Format(DateLayout) }

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// =============================================================================
// CLOCK - Injected source of "today"
// =============================================================================

// Clock supplies the current date. Recurrence and due-date rules never read
// the wall clock directly.
type Clock interface {
	Today() Date
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Today() Date { return DateOf(time.Now().UTC()) }

// FixedClock always returns the same day.
type FixedClock Date

func (c FixedClock) Today() Date { return Date(c) }
