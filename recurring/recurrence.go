/*
recurrence.go - Period keys and cycle boundaries

PURPOSE:
  Pure functions that map a recurrence pattern and an anchor date to period
  boundaries. Nothing here reads the clock or the store.

PERIOD KEYS:
  A period key names the calendar period containing a date:
    monthly      2025-02
    quarterly    2025-Q1
    half-yearly  2025-H1
    yearly       2025
  Keys of the same pattern sort chronologically as plain strings, so the
  ledger can order by key and repeated writes for one cycle hit one row.

BOUNDARIES:
  A boundary is the day a cycle's work falls due. Boundaries advance by the
  pattern length in months and keep the day-of-month of the task's start
  date, clamped to the end of shorter months:
    start 2025-01-31, monthly: 01-31, 02-28, 03-31, 04-30, ...

RANGES:
  PeriodsBetween is half-open: boundaries b with start <= b < end. A yearly
  task over [2025-01-01, 2028-01-01) has exactly 3 periods. A task's own
  end date is inclusive (see Task.DuePeriods).

SEE ALSO:
  - ledger.go: Uses period keys as part of the ledger key
  - cycle.go: Advances NextOccurrence with NextBoundary
*/
package recurring

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PeriodDescriptor describes one cycle.
type PeriodDescriptor struct {
	Key      string
	Label    string
	Boundary Date
}

// =============================================================================
// PERIOD KEYS
// =============================================================================

// PeriodKey returns the canonical key of the calendar period containing d.
// Unknown patterns fall back to the month key.
func PeriodKey(d Date, p Pattern) string {
	switch p {
	case PatternQuarterly:
		return fmt.Sprintf("%04d-Q%d", d.Year(), (int(d.Month())-1)/3+1)
	case PatternHalfYearly:
		return fmt.Sprintf("%04d-H%d", d.Year(), (int(d.Month())-1)/6+1)
	case PatternYearly:
		return fmt.Sprintf("%04d", d.Year())
	default:
		return MonthKey(d)
	}
}

// MonthKey returns YYYY-MM regardless of pattern. Reports bucket visits by it.
func MonthKey(d Date) string {
	return fmt.Sprintf("%04d-%02d", d.Year(), int(d.Month()))
}

// PeriodLabel is the human-readable name of the period containing d.
func PeriodLabel(d Date, p Pattern) string {
	switch p {
	case PatternQuarterly:
		return fmt.Sprintf("Q%d %d", (int(d.Month())-1)/3+1, d.Year())
	case PatternHalfYearly:
		return fmt.Sprintf("H%d %d", (int(d.Month())-1)/6+1, d.Year())
	case PatternYearly:
		return strconv.Itoa(d.Year())
	default:
		return fmt.Sprintf("%s %d", d.Month(), d.Year())
	}
}

// ParsePeriodKey validates key against the pattern and returns the first day
// of the calendar period it names.
func ParsePeriodKey(key string, p Pattern) (Date, error) {
	invalid := &ValidationError{Field: "periodKey", Message: fmt.Sprintf("%q is not a valid %s period key", key, p)}

	if len(key) < 4 {
		return Date{}, invalid
	}
	year, err := strconv.Atoi(key[:4])
	if err != nil || year < 1 {
		return Date{}, invalid
	}
	rest := key[4:]

	switch p {
	case PatternYearly:
		if rest != "" {
			return Date{}, invalid
		}
		return NewDate(year, time.January, 1), nil

	case PatternQuarterly, PatternHalfYearly:
		prefix, span, count := "-Q", 3, 4
		if p == PatternHalfYearly {
			prefix, span, count = "-H", 6, 2
		}
		if !strings.HasPrefix(rest, prefix) || len(rest) != 3 {
			return Date{}, invalid
		}
		n, err := strconv.Atoi(rest[2:])
		if err != nil || n < 1 || n > count {
			return Date{}, invalid
		}
		return NewDate(year, time.Month((n-1)*span+1), 1), nil

	case PatternMonthly:
		if !strings.HasPrefix(rest, "-") || len(rest) != 3 {
			return Date{}, invalid
		}
		m, err := strconv.Atoi(rest[1:])
		if err != nil || m < 1 || m > 12 {
			return Date{}, invalid
		}
		return NewDate(year, time.Month(m), 1), nil

	default:
		return Date{}, &ValidationError{Field: "recurrencePattern", Message: fmt.Sprintf("unknown pattern %q", p)}
	}
}

// =============================================================================
// BOUNDARIES
// =============================================================================

// NextBoundary returns the first cycle start strictly after d. The result
// lands on anchorDay (normally StartDate.Day()), clamped to the month end.
func NextBoundary(d Date, p Pattern, anchorDay int) Date {
	months := p.Months()
	if months == 0 {
		months = 1
	}
	return d.AddMonthsClamped(months, anchorDay)
}

// FirstBoundaryAfter returns the first boundary of the schedule anchored at
// start that is strictly after d. It is start itself when start is after d.
func FirstBoundaryAfter(start Date, p Pattern, d Date) Date {
	anchor := start.Day()
	b := start
	for !b.After(d) {
		b = NextBoundary(b, p, anchor)
	}
	return b
}

// PeriodsBetween returns the cycles whose boundary b satisfies start <= b < end.
// The sequence is a pure function of its inputs.
func PeriodsBetween(start, end Date, p Pattern) []PeriodDescriptor {
	if !p.IsValid() {
		return nil
	}
	var out []PeriodDescriptor
	anchor := start.Day()
	for b := start; b.Before(end); b = NextBoundary(b, p, anchor) {
		out = append(out, describe(b, p))
	}
	return out
}

// DuePeriods returns the task's cycles whose boundary is on or before asOf
// and on or before the task's end date.
func (t Task) DuePeriods(asOf Date) []PeriodDescriptor {
	if !t.Pattern.IsValid() || t.StartDate.IsZero() {
		return nil
	}
	limit := asOf
	if t.EndDate != nil && t.EndDate.Before(limit) {
		limit = *t.EndDate
	}
	var out []PeriodDescriptor
	anchor := t.StartDate.Day()
	for b := t.StartDate; b.BeforeOrEqual(limit); b = NextBoundary(b, t.Pattern, anchor) {
		out = append(out, describe(b, t.Pattern))
	}
	return out
}

// CurrentPeriodKey is the key of the cycle the task is waiting on.
func (t Task) CurrentPeriodKey() string {
	return PeriodKey(t.NextOccurrence, t.Pattern)
}

// IsCycleOpen reports whether the current cycle's boundary has been reached.
// Boundaries keep the start day, so a cycle anchored on the 15th opens on
// the 15th, not when its calendar period begins.
func (t Task) IsCycleOpen(today Date) bool {
	return !t.NextOccurrence.After(today)
}

func describe(b Date, p Pattern) PeriodDescriptor {
	return PeriodDescriptor{Key: PeriodKey(b, p), Label: PeriodLabel(b, p), Boundary: b}
}
