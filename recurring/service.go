/*
service.go - Rule lifecycle: create, update, toggle, delete

PURPOSE:
  Ownership-checked mutations and reads of recurring rules. All validation
  happens here so that nothing invalid ever reaches the Processor.

CREATION:
  1. Resolve (kind, category id) into a CategoryRef and check the category
     is shared or owned by the caller
  2. Validate amount, description, dates and schedule
  3. Default missing anchors from StartDate (weekly: weekday, monthly: day,
     yearly: month + day)
  4. Seed the cursor: first occurrence on or after today

UPDATE:
  Partial. Any change to the schedule or StartDate reseeds the cursor from
  the new parameters instead of advancing the old one.

OWNERSHIP:
  A rule that exists but belongs to another user is reported exactly like a
  missing one (ErrRuleNotFound).
*/
package recurring

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MaxDescriptionLength = 255
	MaxPreviewCount      = 24
)

// Service implements rule lifecycle operations.
type Service struct {
	Store      RuleStore
	Categories CategoryDirectory

	// NewID generates rule ids. Defaults to uuid.NewString.
	NewID func() string
	// Now stamps CreatedAt/UpdatedAt. Defaults to time.Now.
	Now func() time.Time
}

// RuleInput carries the fields of a new rule.
type RuleInput struct {
	Kind        Kind
	CategoryID  int64
	Amount      decimal.Decimal
	Description string
	Frequency   Frequency
	Interval    int
	DayOfWeek   *time.Weekday
	DayOfMonth  *int
	MonthOfYear *time.Month
	StartDate   Date
	EndDate     *Date
}

// RulePatch carries a partial update. Nil fields are left unchanged.
type RulePatch struct {
	Kind        *Kind
	CategoryID  *int64
	Amount      *decimal.Decimal
	Description *string
	Frequency   *Frequency
	Interval    *int
	DayOfWeek   *time.Weekday
	DayOfMonth  *int
	MonthOfYear *time.Month
	StartDate   *Date
	EndDate     *Date
	// ClearEndDate removes the end bound. Ignored when EndDate is set.
	ClearEndDate bool
	IsActive     *bool
}

func (p RulePatch) touchesSchedule() bool {
	return p.Frequency != nil || p.Interval != nil ||
		p.DayOfWeek != nil || p.DayOfMonth != nil || p.MonthOfYear != nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Create validates input and stores a new active rule seeded as of today.
func (s *Service) Create(ctx context.Context, userID UserID, in RuleInput, today Date) (*Rule, error) {
	if s.Store == nil {
		return nil, ErrStoreRequired
	}

	ref, err := s.resolveCategory(ctx, userID, in.Kind, in.CategoryID)
	if err != nil {
		return nil, err
	}

	sched := Schedule{
		Frequency:   in.Frequency,
		Interval:    in.Interval,
		DayOfWeek:   in.DayOfWeek,
		DayOfMonth:  in.DayOfMonth,
		MonthOfYear: in.MonthOfYear,
	}
	if sched.Interval == 0 {
		sched.Interval = DefaultInterval
	}

	rule := Rule{
		UserID:      userID,
		Category:    ref,
		Amount:      in.Amount,
		Description: in.Description,
		Schedule:    sched,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		IsActive:    true,
	}
	if err := s.prepare(&rule, today); err != nil {
		return nil, err
	}

	rule.ID = RuleID(s.newID())
	rule.CreatedAt = s.now()
	rule.UpdatedAt = rule.CreatedAt

	if err := s.Store.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return &rule, nil
}

// Update applies a partial patch. Schedule or start date changes reseed the
// cursor as of today; other edits leave the stored cursor alone.
func (s *Service) Update(ctx context.Context, userID UserID, id RuleID, patch RulePatch, today Date) (*Rule, error) {
	rule, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if patch.Kind != nil || patch.CategoryID != nil {
		kind := rule.Kind()
		if patch.Kind != nil {
			kind = *patch.Kind
		}
		catID := rule.Category.CategoryID()
		if patch.CategoryID != nil {
			catID = *patch.CategoryID
		} else if kind != rule.Kind() {
			return nil, &ValidationError{Field: "category_id", Message: "required when changing kind"}
		}
		ref, err := s.resolveCategory(ctx, userID, kind, catID)
		if err != nil {
			return nil, err
		}
		rule.Category = ref
	}

	if patch.Amount != nil {
		rule.Amount = *patch.Amount
	}
	if patch.Description != nil {
		rule.Description = *patch.Description
	}
	if patch.EndDate != nil {
		end := *patch.EndDate
		rule.EndDate = &end
	} else if patch.ClearEndDate {
		rule.EndDate = nil
	}
	if patch.IsActive != nil {
		if *patch.IsActive && !rule.IsActive {
			rule.FailureCount = 0
			rule.LastError = ""
		}
		rule.IsActive = *patch.IsActive
	}

	reseed := patch.StartDate != nil || patch.touchesSchedule()
	if patch.StartDate != nil {
		rule.StartDate = *patch.StartDate
	}
	if patch.touchesSchedule() {
		rule.Schedule = patchSchedule(rule.Schedule, patch)
	}

	if reseed {
		err = s.prepare(rule, today)
	} else {
		err = validateRule(*rule)
		if err == nil && rule.EndDate != nil && rule.NextOccurrence.After(*rule.EndDate) {
			err = &ValidationError{Field: "end_date", Message: "must not be before the next occurrence"}
		}
	}
	if err != nil {
		return nil, err
	}

	rule.UpdatedAt = s.now()
	if reseed {
		err = s.Store.RescheduleRule(ctx, *rule)
	} else {
		err = s.Store.UpdateRule(ctx, *rule)
	}
	if err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	if !reseed {
		return s.Get(ctx, userID, id)
	}
	return rule, nil
}

// Toggle flips IsActive. The cursor is untouched.
func (s *Service) Toggle(ctx context.Context, userID UserID, id RuleID) (*Rule, error) {
	rule, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.Store.SetActive(ctx, id, !rule.IsActive); err != nil {
		return nil, fmt.Errorf("toggle rule: %w", err)
	}
	return s.Get(ctx, userID, id)
}

// Delete removes a rule. Materialized records stay in the ledgers.
func (s *Service) Delete(ctx context.Context, userID UserID, id RuleID) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if err := s.Store.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns a rule owned by userID.
func (s *Service) Get(ctx context.Context, userID UserID, id RuleID) (*Rule, error) {
	if s.Store == nil {
		return nil, ErrStoreRequired
	}
	rule, err := s.Store.GetRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	if rule == nil || rule.UserID != userID {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

// List returns all rules of a user ordered by next occurrence.
func (s *Service) List(ctx context.Context, userID UserID) ([]Rule, error) {
	if s.Store == nil {
		return nil, ErrStoreRequired
	}
	return s.Store.ListRules(ctx, userID)
}

// Preview returns the next count occurrences of a rule, honoring EndDate.
func (s *Service) Preview(ctx context.Context, userID UserID, id RuleID, count int) ([]Date, error) {
	if count < 1 || count > MaxPreviewCount {
		return nil, &ValidationError{Field: "count", Message: fmt.Sprintf("must be between 1 and %d", MaxPreviewCount)}
	}
	rule, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return Preview(*rule, count), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) resolveCategory(ctx context.Context, userID UserID, kind Kind, id int64) (CategoryRef, error) {
	ref, err := NewCategoryRef(kind, id)
	if err != nil {
		return nil, err
	}
	if s.Categories == nil {
		return ref, nil
	}
	cat, err := s.Categories.GetCategory(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("lookup category: %w", err)
	}
	if cat == nil || (cat.UserID != "" && cat.UserID != userID) {
		return nil, fmt.Errorf("%w: %s category %d", ErrCategoryNotFound, kind, id)
	}
	return ref, nil
}

// prepare defaults anchors, validates and seeds the cursor.
func (s *Service) prepare(rule *Rule, today Date) error {
	if rule.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Message: "is required"}
	}
	if err := validateAnchors(rule.Schedule); err != nil {
		return err
	}
	rule.Schedule = withDefaultAnchors(rule.Schedule, rule.StartDate)
	if err := validateRule(*rule); err != nil {
		return err
	}

	rule.NextOccurrence = Seed(rule.Schedule, rule.StartDate, today)
	if rule.EndDate != nil && rule.NextOccurrence.After(*rule.EndDate) {
		return &ValidationError{Field: "end_date", Message: fmt.Sprintf("no occurrence left before %s", *rule.EndDate)}
	}
	return nil
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// patchSchedule overlays the schedule fields of a patch. Switching frequency
// drops anchors the new frequency doesn't use.
func patchSchedule(cur Schedule, p RulePatch) Schedule {
	next := cur
	if p.Frequency != nil && *p.Frequency != cur.Frequency {
		next = Schedule{Frequency: *p.Frequency, Interval: cur.Interval}
	}
	if p.Interval != nil {
		next.Interval = *p.Interval
	}
	if p.DayOfWeek != nil {
		next.DayOfWeek = p.DayOfWeek
	}
	if p.DayOfMonth != nil {
		next.DayOfMonth = p.DayOfMonth
	}
	if p.MonthOfYear != nil {
		next.MonthOfYear = p.MonthOfYear
	}
	return next
}

// withDefaultAnchors fills the anchors a frequency uses from start.
func withDefaultAnchors(s Schedule, start Date) Schedule {
	switch s.Frequency {
	case Weekly:
		if s.DayOfWeek == nil {
			wd := start.Weekday()
			s.DayOfWeek = &wd
		}
	case Monthly:
		if s.DayOfMonth == nil {
			day := start.Day()
			s.DayOfMonth = &day
		}
	case Yearly:
		if s.MonthOfYear == nil {
			m := start.Month()
			s.MonthOfYear = &m
		}
		if s.DayOfMonth == nil {
			day := start.Day()
			s.DayOfMonth = &day
		}
	}
	return s
}

// validateAnchors rejects out-of-range anchors and anchors the frequency
// doesn't use.
func validateAnchors(s Schedule) error {
	if _, err := ParseFrequency(string(s.Frequency)); err != nil {
		return err
	}
	if s.Interval < 1 || s.Interval > MaxInterval {
		return &ValidationError{Field: "interval", Message: fmt.Sprintf("must be between 1 and %d", MaxInterval)}
	}
	if s.DayOfWeek != nil && (*s.DayOfWeek < time.Sunday || *s.DayOfWeek > time.Saturday) {
		return &ValidationError{Field: "day_of_week", Message: "must be between 0 and 6"}
	}
	if s.DayOfMonth != nil && (*s.DayOfMonth < 1 || *s.DayOfMonth > 31) {
		return &ValidationError{Field: "day_of_month", Message: "must be between 1 and 31"}
	}
	if s.MonthOfYear != nil && (*s.MonthOfYear < time.January || *s.MonthOfYear > time.December) {
		return &ValidationError{Field: "month_of_year", Message: "must be between 1 and 12"}
	}

	switch s.Frequency {
	case Daily:
		if s.DayOfWeek != nil || s.DayOfMonth != nil || s.MonthOfYear != nil {
			return &ValidationError{Field: "frequency", Message: "daily rules take no anchors"}
		}
	case Weekly:
		if s.DayOfMonth != nil || s.MonthOfYear != nil {
			return &ValidationError{Field: "frequency", Message: "weekly rules only take day_of_week"}
		}
	case Monthly:
		if s.DayOfWeek != nil || s.MonthOfYear != nil {
			return &ValidationError{Field: "frequency", Message: "monthly rules only take day_of_month"}
		}
	case Yearly:
		if s.DayOfWeek != nil {
			return &ValidationError{Field: "frequency", Message: "yearly rules take month_of_year and day_of_month"}
		}
		// Feb 29 is allowed and clamps in common years; Apr 31 never exists.
		if s.MonthOfYear != nil && s.DayOfMonth != nil && *s.DayOfMonth > DaysIn(2024, *s.MonthOfYear) {
			return &ValidationError{Field: "day_of_month", Message: fmt.Sprintf("%s has no day %d", *s.MonthOfYear, *s.DayOfMonth)}
		}
	}
	return nil
}

// validateRule checks the non-schedule fields and the anchors.
func validateRule(r Rule) error {
	if r.Category == nil {
		return &ValidationError{Field: "category_id", Message: "is required"}
	}
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if utf8.RuneCountInString(r.Description) > MaxDescriptionLength {
		return &ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", MaxDescriptionLength)}
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return &ValidationError{Field: "end_date", Message: "must not be before start_date"}
	}
	return validateAnchors(r.Schedule)
}
