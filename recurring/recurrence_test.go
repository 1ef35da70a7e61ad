package recurring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/staffdesk/recurring"
)

func date(y int, m time.Month, d int) recurring.Date {
	return recurring.NewDate(y, m, d)
}

var allPatterns = []recurring.Pattern{
	recurring.PatternMonthly,
	recurring.PatternQuarterly,
	recurring.PatternHalfYearly,
	recurring.PatternYearly,
}

// =============================================================================
// PERIOD KEYS
// =============================================================================

func TestPeriodKey_Formats(t *testing.T) {
	d := date(2025, time.August, 14)

	assert.Equal(t, "2025-08", recurring.PeriodKey(d, recurring.PatternMonthly))
	assert.Equal(t, "2025-Q3", recurring.PeriodKey(d, recurring.PatternQuarterly))
	assert.Equal(t, "2025-H2", recurring.PeriodKey(d, recurring.PatternHalfYearly))
	assert.Equal(t, "2025", recurring.PeriodKey(d, recurring.PatternYearly))
}

func TestPeriodKey_SortsChronologically(t *testing.T) {
	// GIVEN: Boundaries crossing a year end
	// WHEN: Comparing their keys as strings
	// THEN: String order matches date order for every pattern

	for _, p := range allPatterns {
		prev := recurring.PeriodKey(date(2024, time.November, 1), p)
		next := recurring.PeriodKey(date(2025, time.February, 1), p)
		assert.Less(t, prev, next, "pattern %s", p)
	}
}

func TestParsePeriodKey_RoundTripsToPeriodStart(t *testing.T) {
	got, err := recurring.ParsePeriodKey("2025-Q2", recurring.PatternQuarterly)
	require.NoError(t, err)
	assert.Equal(t, "2025-04-01", got.String())

	got, err = recurring.ParsePeriodKey("2025-H2", recurring.PatternHalfYearly)
	require.NoError(t, err)
	assert.Equal(t, "2025-07-01", got.String())
}

func TestParsePeriodKey_RejectsKeyOfAnotherPattern(t *testing.T) {
	cases := []struct {
		key     string
		pattern recurring.Pattern
	}{
		{"2025-Q1", recurring.PatternMonthly},
		{"2025-03", recurring.PatternQuarterly},
		{"2025-Q5", recurring.PatternQuarterly},
		{"2025-13", recurring.PatternMonthly},
		{"2025-H3", recurring.PatternHalfYearly},
		{"2025-01", recurring.PatternYearly},
		{"soon", recurring.PatternYearly},
	}
	for _, tc := range cases {
		_, err := recurring.ParsePeriodKey(tc.key, tc.pattern)
		assert.ErrorIs(t, err, recurring.ErrValidation, "%s as %s", tc.key, tc.pattern)
	}
}

// =============================================================================
// BOUNDARIES
// =============================================================================

func TestNextBoundary_StrictlyAfter(t *testing.T) {
	// GIVEN: Any date and any pattern
	// WHEN: Computing the next boundary
	// THEN: It is strictly later

	start := date(2024, time.January, 1)
	for i := 0; i < 800; i += 7 {
		d := start.AddDays(i)
		for _, p := range allPatterns {
			next := recurring.NextBoundary(d, p, d.Day())
			assert.True(t, next.After(d), "%s %s -> %s", p, d, next)
		}
	}
}

func TestNextBoundary_ClampsToMonthEnd(t *testing.T) {
	// GIVEN: A monthly task anchored on the 31st
	// WHEN: Walking the boundaries
	// THEN: Short months clamp, long months return to the 31st

	start := date(2025, time.January, 31)
	b := start
	var got []string
	for i := 0; i < 4; i++ {
		b = recurring.NextBoundary(b, recurring.PatternMonthly, start.Day())
		got = append(got, b.String())
	}

	assert.Equal(t, []string{"2025-02-28", "2025-03-31", "2025-04-30", "2025-05-31"}, got)
}

func TestNextBoundary_LeapYear(t *testing.T) {
	b := recurring.NextBoundary(date(2024, time.January, 31), recurring.PatternMonthly, 31)
	assert.Equal(t, "2024-02-29", b.String())
}

func TestNextBoundary_PatternLengths(t *testing.T) {
	d := date(2025, time.January, 15)

	assert.Equal(t, "2025-02-15", recurring.NextBoundary(d, recurring.PatternMonthly, 15).String())
	assert.Equal(t, "2025-04-15", recurring.NextBoundary(d, recurring.PatternQuarterly, 15).String())
	assert.Equal(t, "2025-07-15", recurring.NextBoundary(d, recurring.PatternHalfYearly, 15).String())
	assert.Equal(t, "2026-01-15", recurring.NextBoundary(d, recurring.PatternYearly, 15).String())
}

// =============================================================================
// RANGES
// =============================================================================

func TestFirstBoundaryAfter(t *testing.T) {
	start := date(2025, time.January, 1)

	assert.Equal(t, "2025-04-01", recurring.FirstBoundaryAfter(start, recurring.PatternQuarterly, date(2025, time.February, 1)).String())
	assert.Equal(t, "2025-07-01", recurring.FirstBoundaryAfter(start, recurring.PatternQuarterly, date(2025, time.April, 1)).String())
	assert.Equal(t, "2025-01-01", recurring.FirstBoundaryAfter(start, recurring.PatternQuarterly, date(2024, time.December, 1)).String())
	assert.Equal(t, "2025-03-31",
		recurring.FirstBoundaryAfter(date(2025, time.January, 31), recurring.PatternMonthly, date(2025, time.February, 28)).String())
}

func TestPeriodsBetween_YearlyOverThreeYears(t *testing.T) {
	periods := recurring.PeriodsBetween(date(2025, time.January, 1), date(2028, time.January, 1), recurring.PatternYearly)

	require.Len(t, periods, 3)
	assert.Equal(t, "2025", periods[0].Key)
	assert.Equal(t, "2027", periods[2].Key)
}

func TestPeriodsBetween_QuarterlyOverOneYear(t *testing.T) {
	periods := recurring.PeriodsBetween(date(2025, time.January, 1), date(2026, time.January, 1), recurring.PatternQuarterly)

	require.Len(t, periods, 4)
	keys := make([]string, len(periods))
	for i, p := range periods {
		keys[i] = p.Key
	}
	assert.Equal(t, []string{"2025-Q1", "2025-Q2", "2025-Q3", "2025-Q4"}, keys)
	assert.Equal(t, "Q2 2025", periods[1].Label)
}

func TestPeriodsBetween_Deterministic(t *testing.T) {
	a := recurring.PeriodsBetween(date(2025, time.March, 31), date(2026, time.March, 31), recurring.PatternMonthly)
	b := recurring.PeriodsBetween(date(2025, time.March, 31), date(2026, time.March, 31), recurring.PatternMonthly)
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
}

func TestPeriodsBetween_EmptyRange(t *testing.T) {
	d := date(2025, time.June, 1)
	assert.Empty(t, recurring.PeriodsBetween(d, d, recurring.PatternMonthly))
	assert.Empty(t, recurring.PeriodsBetween(d, d.AddDays(-1), recurring.PatternMonthly))
}

func TestDuePeriods_EndDateInclusive(t *testing.T) {
	// GIVEN: A quarterly task ending exactly on a boundary
	// WHEN: Listing due periods long after the end
	// THEN: The boundary on the end date counts, nothing after it does

	end := date(2025, time.July, 1)
	task := recurring.Task{
		Pattern:   recurring.PatternQuarterly,
		StartDate: date(2025, time.January, 1),
		EndDate:   &end,
	}

	due := task.DuePeriods(date(2027, time.January, 1))

	require.Len(t, due, 3)
	assert.Equal(t, "2025-Q3", due[2].Key)
}

func TestIsCycleOpen(t *testing.T) {
	task := recurring.Task{
		Pattern:        recurring.PatternMonthly,
		StartDate:      date(2025, time.January, 20),
		NextOccurrence: date(2025, time.March, 20),
	}

	// The March cycle opens on its boundary, the 20th.
	assert.False(t, task.IsCycleOpen(date(2025, time.February, 28)))
	assert.False(t, task.IsCycleOpen(date(2025, time.March, 1)))
	assert.False(t, task.IsCycleOpen(date(2025, time.March, 19)))
	assert.True(t, task.IsCycleOpen(date(2025, time.March, 20)))
	assert.True(t, task.IsCycleOpen(date(2025, time.May, 1)))
}
