/*
occurrence.go - Occurrence Calculator

PURPOSE:
  Computes a rule's next occurrence strictly after a reference day. Pure:
  same inputs always give the same output, inputs are never mutated, and
  no clock is read.

STEPPING:
  Daily:   base + k*interval days
  Weekly:  snap forward to DayOfWeek (if set), then + k*7*interval days
  Monthly: day := DayOfMonth (or base day), month + k*interval
  Yearly:  month := MonthOfYear (or base month), day := DayOfMonth (or base
           day), year + k*interval

OVERFLOW POLICY: CLAMP
  A day-of-month beyond the month's length resolves to the month's last
  day (Jan 31 -> Feb 29 in 2024, Feb 28 in 2025). The anchor day is
  re-applied at every step, so a day-31 rule goes Jan 31 -> Feb 29 -> Mar 31
  and never drifts to the 29th. Yearly Feb 29 anchors land on Feb 28 in
  non-leap years.

CATCH-UP:
  A single call skips every missed period. A daily rule ten days behind
  returns tomorrow, not the eleventh-to-last day.
*/
package recurring

import "time"

// NextOccurrence returns the first occurrence of s strictly after now,
// stepping from base. If base is already after now it is returned unchanged.
// Absent anchors fall back to base's own weekday/day/month. An unrecognized
// frequency yields the day after now so callers always make progress.
func NextOccurrence(s Schedule, base, now Date) Date {
	if base.After(now) {
		return base
	}
	return step(s, base, now)
}

// step is NextOccurrence without the pass-through: the anchor is always
// applied to base, even when base already lies after now.
func step(s Schedule, base, now Date) Date {
	n := s.interval()

	switch s.Frequency {
	case Daily:
		return stepDays(base, n, now)

	case Weekly:
		d := base
		if s.DayOfWeek != nil {
			d = d.AddDays((int(*s.DayOfWeek) - int(d.Weekday()) + 7) % 7)
		}
		return stepDays(d, 7*n, now)

	case Monthly:
		day := base.Day()
		if s.DayOfMonth != nil {
			day = *s.DayOfMonth
		}
		y, m := base.Year(), base.Month()
		d := clampedDate(y, m, day)
		for k := 1; !d.After(now); k++ {
			d = clampedDate(y, m+time.Month(k*n), day)
		}
		return d

	case Yearly:
		month, day := base.Month(), base.Day()
		if s.MonthOfYear != nil {
			month = *s.MonthOfYear
		}
		if s.DayOfMonth != nil {
			day = *s.DayOfMonth
		}
		y := base.Year()
		d := clampedDate(y, month, day)
		for k := 1; !d.After(now); k++ {
			d = clampedDate(y+k*n, month, day)
		}
		return d
	}

	return now.AddDays(1)
}

// Seed computes the initial cursor for a rule created (or rescheduled) on
// today: the first on-anchor occurrence on or after today, or start itself
// when it lies in the future.
func Seed(s Schedule, start, today Date) Date {
	if start.After(today) {
		return start
	}
	return step(s, start, today.AddDays(-1))
}

// Preview lists up to count occurrences starting at the rule's cursor,
// stopping at EndDate. Inactive rules have no upcoming occurrences.
func Preview(rule Rule, count int) []Date {
	if !rule.IsActive || count <= 0 || rule.NextOccurrence.IsZero() {
		return nil
	}
	out := make([]Date, 0, count)
	d := rule.NextOccurrence
	for len(out) < count {
		if rule.EndDate != nil && d.After(*rule.EndDate) {
			break
		}
		out = append(out, d)
		d = NextOccurrence(rule.Schedule, d, d)
	}
	return out
}

// stepDays advances d by whole multiples of step until it is strictly after now.
func stepDays(d Date, step int, now Date) Date {
	if d.After(now) {
		return d
	}
	k := d.DaysUntil(now)/step + 1
	return d.AddDays(k * step)
}
