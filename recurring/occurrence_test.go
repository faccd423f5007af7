package recurring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/recurring"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var d = recurring.MustParseDate

func ptr[T any](v T) *T { return &v }

func daily(interval int) recurring.Schedule {
	return recurring.Schedule{Frequency: recurring.Daily, Interval: interval}
}

func weekly(interval int, dow time.Weekday) recurring.Schedule {
	return recurring.Schedule{Frequency: recurring.Weekly, Interval: interval, DayOfWeek: &dow}
}

func monthly(interval, dom int) recurring.Schedule {
	return recurring.Schedule{Frequency: recurring.Monthly, Interval: interval, DayOfMonth: &dom}
}

func yearly(interval int, moy time.Month, dom int) recurring.Schedule {
	return recurring.Schedule{Frequency: recurring.Yearly, Interval: interval, MonthOfYear: &moy, DayOfMonth: &dom}
}

// =============================================================================
// OCCURRENCE CALCULATOR
// =============================================================================

func TestNextOccurrence_Table(t *testing.T) {
	tests := []struct {
		name     string
		schedule recurring.Schedule
		base     string
		now      string
		want     string
	}{
		{"future base unchanged", monthly(1, 15), "2024-06-15", "2024-06-01", "2024-06-15"},
		{"daily one step", daily(1), "2024-01-01", "2024-01-01", "2024-01-02"},
		{"daily interval 3", daily(3), "2024-01-01", "2024-01-01", "2024-01-04"},
		{"daily interval 7 lands exactly on now", daily(7), "2024-01-01", "2024-01-08", "2024-01-15"},
		{"weekly snaps forward to anchor", weekly(1, time.Monday), "2024-01-03", "2024-01-03", "2024-01-08"},
		{"weekly already on anchor", weekly(1, time.Monday), "2024-01-08", "2024-01-08", "2024-01-15"},
		{"weekly interval 2", weekly(2, time.Monday), "2024-01-08", "2024-01-08", "2024-01-22"},
		{"monthly day 15", monthly(1, 15), "2024-01-15", "2024-01-15", "2024-02-15"},
		{"monthly interval 3", monthly(3, 15), "2024-01-15", "2024-01-15", "2024-04-15"},
		{"monthly day 31 clamps to Feb 29 in leap year", monthly(1, 31), "2024-01-31", "2024-01-31", "2024-02-29"},
		{"monthly day 31 clamps to Feb 28", monthly(1, 31), "2025-01-31", "2025-01-31", "2025-02-28"},
		{"monthly day 31 recovers after clamp", monthly(1, 31), "2024-02-29", "2024-02-29", "2024-03-31"},
		{"monthly day 31 into 30-day month", monthly(1, 31), "2024-03-31", "2024-03-31", "2024-04-30"},
		{"monthly crosses year end", monthly(1, 31), "2024-12-31", "2024-12-31", "2025-01-31"},
		{"monthly without anchor uses base day", recurring.Schedule{Frequency: recurring.Monthly, Interval: 1}, "2024-01-10", "2024-01-10", "2024-02-10"},
		{"yearly simple", yearly(1, time.June, 1), "2024-06-01", "2024-06-01", "2025-06-01"},
		{"yearly interval 2", yearly(2, time.June, 1), "2024-06-01", "2024-06-01", "2026-06-01"},
		{"yearly Feb 29 clamps in common year", yearly(1, time.February, 29), "2024-02-29", "2024-02-29", "2025-02-28"},
		{"yearly Feb 29 returns in leap year", yearly(1, time.February, 29), "2027-02-28", "2027-02-28", "2028-02-29"},
		{"interval zero treated as one", daily(0), "2024-01-01", "2024-01-01", "2024-01-02"},
		{"unknown frequency yields day after now", recurring.Schedule{Frequency: "hourly"}, "2024-01-01", "2024-01-05", "2024-01-06"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recurring.NextOccurrence(tt.schedule, d(tt.base), d(tt.now))
			assert.Equal(t, d(tt.want), got)
		})
	}
}

func TestNextOccurrence_Idempotent(t *testing.T) {
	// GIVEN: Fixed inputs
	// WHEN: Calling the calculator twice, and again on its own future output
	// THEN: Same result every time, inputs untouched

	s := monthly(1, 31)
	base, now := d("2024-01-31"), d("2024-03-05")

	first := recurring.NextOccurrence(s, base, now)
	second := recurring.NextOccurrence(s, base, now)
	assert.Equal(t, first, second)
	assert.Equal(t, first, recurring.NextOccurrence(s, first, now), "future date is a no-op")

	assert.Equal(t, d("2024-01-31"), base)
	assert.Equal(t, 31, *s.DayOfMonth)
}

func TestNextOccurrence_CatchUp_SkipsAllMissedDays(t *testing.T) {
	// GIVEN: Daily rule started 10 days ago
	// WHEN: Computing once as of today
	// THEN: Tomorrow, in a single call

	today := d("2024-05-20")
	got := recurring.NextOccurrence(daily(1), today.AddDays(-10), today)
	assert.Equal(t, today.AddDays(1), got)
}

func TestNextOccurrence_MonthEndRule_DoesNotDrift(t *testing.T) {
	// GIVEN: Day-31 monthly rule starting Jan 31
	// WHEN: Stepping one occurrence at a time for a year
	// THEN: Every occurrence is the last day of its month

	s := monthly(1, 31)
	cur := d("2024-01-31")
	for i := 0; i < 12; i++ {
		require.Equal(t, recurring.DaysIn(cur.Year(), cur.Month()), cur.Day(), "occurrence %s", cur)
		cur = recurring.NextOccurrence(s, cur, cur)
	}
	assert.Equal(t, d("2025-01-31"), cur)
}

func TestNextOccurrence_AlwaysStrictlyAfterNow(t *testing.T) {
	schedules := []recurring.Schedule{
		daily(1), daily(5), weekly(1, time.Friday), weekly(3, time.Sunday),
		monthly(1, 1), monthly(2, 30), yearly(1, time.February, 29), yearly(3, time.December, 31),
	}
	base := d("2023-11-30")
	for _, s := range schedules {
		for now := base; now.Before(d("2024-04-01")); now = now.AddDays(13) {
			got := recurring.NextOccurrence(s, base, now)
			assert.True(t, got.After(now), "%s from %s as of %s gave %s", s, base, now, got)
		}
	}
}

// =============================================================================
// SEEDING & PREVIEW
// =============================================================================

func TestSeed(t *testing.T) {
	today := d("2024-03-10") // Sunday

	tests := []struct {
		name     string
		schedule recurring.Schedule
		start    string
		want     string
	}{
		// Start today, anchor on today
		{"daily start today", daily(1), "2024-03-10", "2024-03-10"},
		{"weekly start today on anchor", weekly(1, time.Sunday), "2024-03-10", "2024-03-10"},
		{"monthly start today on anchor", monthly(1, 10), "2024-03-10", "2024-03-10"},
		{"yearly start today on anchor", yearly(1, time.March, 10), "2024-03-10", "2024-03-10"},

		// Start today, anchor elsewhere
		{"weekly start today off anchor", weekly(1, time.Friday), "2024-03-10", "2024-03-15"},
		{"biweekly start today off anchor", weekly(2, time.Monday), "2024-03-10", "2024-03-11"},
		{"monthly start today, anchor later this month", monthly(1, 31), "2024-03-10", "2024-03-31"},
		{"monthly start today, anchor passed this month", monthly(1, 5), "2024-03-10", "2024-04-05"},
		{"yearly start today, anchor later this year", yearly(1, time.July, 4), "2024-03-10", "2024-07-04"},
		{"yearly start today, anchor passed this year", yearly(1, time.January, 15), "2024-03-10", "2025-01-15"},

		// Start in the past
		{"monthly past start, anchor ahead", monthly(1, 15), "2024-01-15", "2024-03-15"},
		{"monthly past start, anchor today", monthly(1, 10), "2024-01-10", "2024-03-10"},
		{"monthly past start, clamped anchor", monthly(1, 31), "2024-01-31", "2024-03-31"},
		{"weekly past start off anchor", weekly(1, time.Friday), "2024-02-20", "2024-03-15"},
		{"yearly past start", yearly(1, time.February, 29), "2023-02-28", "2025-02-28"},

		// Start in the future is kept as given
		{"monthly future start", monthly(1, 1), "2024-04-01", "2024-04-01"},
		{"weekly future start off anchor", weekly(1, time.Friday), "2024-03-12", "2024-03-12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, d(tt.want), recurring.Seed(tt.schedule, d(tt.start), today))
		})
	}
}

func TestPreview_StopsAtEndDate(t *testing.T) {
	end := d("2024-04-30")
	rule := recurring.Rule{
		Schedule:       monthly(1, 31),
		StartDate:      d("2024-01-31"),
		EndDate:        &end,
		NextOccurrence: d("2024-01-31"),
		IsActive:       true,
	}

	got := recurring.Preview(rule, 10)
	assert.Equal(t, []recurring.Date{d("2024-01-31"), d("2024-02-29"), d("2024-03-31"), d("2024-04-30")}, got)

	assert.Len(t, recurring.Preview(rule, 2), 2)

	rule.IsActive = false
	assert.Empty(t, recurring.Preview(rule, 3))
}
