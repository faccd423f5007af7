/*
Package recurring provides the recurring-transaction engine.

PURPOSE:

	A RecurringRule describes a repeating expense or income. On each
	invocation the Processor materializes exactly the ledger records that are
	due and advances each rule's cursor (NextOccurrence). Invoking it again,
	concurrently, or after a long gap must never lose or duplicate records.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind / CategoryRef: expense vs income, carried as a sum type
  - Schedule: frequency, interval and optional anchors
  - Rule: the persisted rule with its cursor state
  - Expense / Income: ledger records created by materialization

DESIGN PRINCIPLES:
 1. "Today" is always a parameter. Nothing in this package reads the clock.
 2. Amounts use decimal.Decimal.
 3. A rule's kind is derived from its category reference, so an expense
    rule cannot point at an income category.
 4. Exactly one ledger record per (rule, occurrence date).

SEE ALSO:
  - occurrence.go: Occurrence Calculator
  - processor.go:  Due-Rule Processor
  - service.go:    create/update/toggle/delete + upcoming preview
  - store.go:      persistence interfaces
*/
package recurring

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RuleID string
type UserID string

// =============================================================================
// KIND & CATEGORY REFERENCE
// =============================================================================

// Kind selects which ledger receives a rule's records.
type Kind string

const (
	KindExpense Kind = "expense"
	KindIncome  Kind = "income"
)

// ParseKind accepts "expense" or "income" (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindExpense:
		return KindExpense, nil
	case KindIncome:
		return KindIncome, nil
	}
	return "", &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", s)}
}

// CategoryRef points into exactly one of the two category namespaces.
// The only implementations are ExpenseCategory and IncomeCategory.
type CategoryRef interface {
	Kind() Kind
	CategoryID() int64
	isCategoryRef()
}

// ExpenseCategory references a row of the expense category set.
type ExpenseCategory int64

// IncomeCategory references a row of the income category set.
type IncomeCategory int64

func (c ExpenseCategory) Kind() Kind        { return KindExpense }
func (c ExpenseCategory) CategoryID() int64 { return int64(c) }
func (ExpenseCategory) isCategoryRef()      {}

func (c IncomeCategory) Kind() Kind        { return KindIncome }
func (c IncomeCategory) CategoryID() int64 { return int64(c) }
func (IncomeCategory) isCategoryRef()      {}

// NewCategoryRef resolves a (kind, id) pair coming from the outside world.
// This is the only place a kind string is turned into a category type.
func NewCategoryRef(kind Kind, id int64) (CategoryRef, error) {
	if id <= 0 {
		return nil, &ValidationError{Field: "category_id", Message: "must be positive"}
	}
	switch kind {
	case KindExpense:
		return ExpenseCategory(id), nil
	case KindIncome:
		return IncomeCategory(id), nil
	}
	return nil, &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", kind)}
}

// =============================================================================
// SCHEDULE
// =============================================================================

// Frequency is the unit an interval is counted in.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// ParseFrequency accepts the four frequencies (case-insensitive).
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case Daily, Weekly, Monthly, Yearly:
		return f, nil
	}
	return "", &ValidationError{Field: "frequency", Message: fmt.Sprintf("unknown frequency %q", s)}
}

const (
	DefaultInterval = 1
	MaxInterval     = 365
)

// Schedule holds the frequency parameters of a rule. Only the anchors
// relevant to Frequency are meaningful; a nil anchor means "use the base
// date's own weekday/day/month".
type Schedule struct {
	Frequency   Frequency
	Interval    int
	DayOfWeek   *time.Weekday
	DayOfMonth  *int
	MonthOfYear *time.Month
}

// Equal reports whether two schedules describe the same recurrence.
func (s Schedule) Equal(o Schedule) bool {
	return s.Frequency == o.Frequency &&
		s.Interval == o.Interval &&
		eqPtr(s.DayOfWeek, o.DayOfWeek) &&
		eqPtr(s.DayOfMonth, o.DayOfMonth) &&
		eqPtr(s.MonthOfYear, o.MonthOfYear)
}

func (s Schedule) interval() int {
	if s.Interval < 1 {
		return DefaultInterval
	}
	return s.Interval
}

func (s Schedule) String() string {
	var b strings.Builder
	if s.interval() == 1 {
		b.WriteString(string(s.Frequency))
	} else {
		fmt.Fprintf(&b, "every %d %s", s.interval(), s.Frequency)
	}
	if s.DayOfWeek != nil {
		fmt.Fprintf(&b, " on %s", *s.DayOfWeek)
	}
	if s.MonthOfYear != nil {
		fmt.Fprintf(&b, " in %s", *s.MonthOfYear)
	}
	if s.DayOfMonth != nil {
		fmt.Fprintf(&b, " day %d", *s.DayOfMonth)
	}
	return b.String()
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// =============================================================================
// RULE
// =============================================================================

// Rule is a RecurringRule record.
type Rule struct {
	ID          RuleID
	UserID      UserID
	Category    CategoryRef
	Amount      decimal.Decimal
	Description string

	Schedule  Schedule
	StartDate Date
	EndDate   *Date

	// Cursor state
	NextOccurrence Date
	LastProcessed  *Date
	IsActive       bool

	// Failure bookkeeping (never touches the cursor)
	FailureCount int
	LastError    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kind is derived from the category reference.
func (r Rule) Kind() Kind {
	if r.Category == nil {
		return ""
	}
	return r.Category.Kind()
}

// IsDue reports whether the rule must be materialized on today.
func (r Rule) IsDue(today Date) bool {
	if !r.IsActive || r.NextOccurrence.After(today) {
		return false
	}
	return r.EndDate == nil || !r.EndDate.Before(today)
}

// Advance is the cursor update persisted after a successful materialization.
type Advance struct {
	NextOccurrence Date
	LastProcessed  Date
	IsActive       bool
}

// =============================================================================
// LEDGER RECORDS - Created by materialization
// =============================================================================

// Expense is one record in the expense ledger.
type Expense struct {
	ID          string
	UserID      UserID
	Category    ExpenseCategory
	Amount      decimal.Decimal
	Description string
	Date        Date
	RuleID      RuleID // empty for manually entered records
	CreatedAt   time.Time
}

// Income is one record in the income ledger.
type Income struct {
	ID          string
	UserID      UserID
	Category    IncomeCategory
	Amount      decimal.Decimal
	Description string
	Date        Date
	RuleID      RuleID // audit back-reference to the originating rule
	CreatedAt   time.Time
}

// Category is a row of either category set. UserID is empty for shared defaults.
type Category struct {
	ID     int64
	Kind   Kind
	UserID UserID
	Name   string
}

// Shared default categories seeded by every store, in id order.
var (
	DefaultExpenseCategories = []string{"Housing", "Utilities", "Groceries", "Transport", "Subscriptions", "Insurance"}
	DefaultIncomeCategories  = []string{"Salary", "Freelance", "Investments", "Other"}
)

// Ref returns the typed reference for this category.
func (c Category) Ref() CategoryRef {
	if c.Kind == KindIncome {
		return IncomeCategory(c.ID)
	}
	return ExpenseCategory(c.ID)
}
