package recurring

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// =============================================================================
// RFC 5545 EXPORT
// =============================================================================

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// ToRRule builds the RFC 5545 equivalent of a rule, starting at its cursor
// and bounded by its end date.
//
// Clamping is expressed with BYSETPOS: a day-31 anchor becomes
// BYMONTHDAY=28,29,30,31;BYSETPOS=-1, the last of those days that exists
// in each month.
func ToRRule(r Rule) (*rrule.RRule, error) {
	opt := rrule.ROption{
		Interval: r.Schedule.interval(),
		Dtstart:  r.NextOccurrence.Time(),
	}
	if opt.Dtstart.IsZero() {
		opt.Dtstart = r.StartDate.Time()
	}
	if r.EndDate != nil {
		opt.Until = r.EndDate.Time()
	}

	switch r.Schedule.Frequency {
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly:
		opt.Freq = rrule.WEEKLY
		if r.Schedule.DayOfWeek != nil {
			opt.Byweekday = []rrule.Weekday{rruleWeekdays[*r.Schedule.DayOfWeek]}
		}
	case Monthly:
		opt.Freq = rrule.MONTHLY
		if r.Schedule.DayOfMonth != nil {
			opt.Bymonthday, opt.Bysetpos = clampedMonthDays(*r.Schedule.DayOfMonth)
		}
	case Yearly:
		opt.Freq = rrule.YEARLY
		if r.Schedule.MonthOfYear != nil {
			opt.Bymonth = []int{int(*r.Schedule.MonthOfYear)}
		}
		if r.Schedule.DayOfMonth != nil {
			opt.Bymonthday, opt.Bysetpos = clampedMonthDays(*r.Schedule.DayOfMonth)
		}
	default:
		return nil, &ValidationError{Field: "frequency", Message: fmt.Sprintf("unknown frequency %q", r.Schedule.Frequency)}
	}

	return rrule.NewRRule(opt)
}

// RRuleString renders the rule as an RRULE value (without DTSTART).
func RRuleString(r Rule) (string, error) {
	rr, err := ToRRule(r)
	if err != nil {
		return "", err
	}
	return rr.OrigOptions.RRuleString(), nil
}

// clampedMonthDays returns the BYMONTHDAY/BYSETPOS pair for an anchor day.
// Days up to 28 exist in every month and need no set position.
func clampedMonthDays(day int) ([]int, []int) {
	if day <= 28 {
		return []int{day}, nil
	}
	days := make([]int, 0, day-27)
	for d := 28; d <= day; d++ {
		days = append(days, d)
	}
	return days, []int{-1}
}
