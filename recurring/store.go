/*
store.go - Persistence interfaces for rules and the ledger collaborators

KEY INTERFACES:
  RuleStore:         durable ownership of Rule records, no policy
  ExpenseLedger:     "append one dated expense"
  IncomeLedger:      "append one dated income"
  CategoryDirectory: category lookup for ownership checks
  Store:             RuleStore + both ledgers
  TxStore:           Store with atomic multi-write support

EXACTLY-ONCE CONTRACT:
  Two mechanisms, both mandatory for every implementation:
  - AdvanceRule is a conditional update. It succeeds only if the stored
    cursor still equals the value the caller read and the rule is active,
    otherwise it returns *StaleCursorError.
  - Ledger appends carrying a RuleID are unique per (RuleID, Date). A second
    append returns *DuplicateOccurrenceError.
  The Processor runs claim + append inside WithTx so either both persist or
  neither does.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:       production SQLite
  - recurring/store/memory.go:    in-memory for testing
*/
package recurring

import "context"

// =============================================================================
// RULE STORE
// =============================================================================

// RuleStore persists Rule records.
type RuleStore interface {
	// CreateRule inserts a new rule.
	CreateRule(ctx context.Context, rule Rule) error

	// GetRule returns the rule or (nil, nil) if it doesn't exist.
	GetRule(ctx context.Context, id RuleID) (*Rule, error)

	// ListRules returns all rules of a user ordered by NextOccurrence.
	ListRules(ctx context.Context, userID UserID) ([]Rule, error)

	// ListDueRules returns active rules with NextOccurrence <= today and
	// EndDate unset or >= today.
	ListDueRules(ctx context.Context, today Date) ([]Rule, error)

	// UpdateRule replaces the user-editable fields of a rule. The cursor
	// (NextOccurrence, LastProcessed) is left as stored so a concurrent
	// advance is never reverted. Returns ErrRuleNotFound if the rule
	// doesn't exist.
	UpdateRule(ctx context.Context, rule Rule) error

	// RescheduleRule is UpdateRule plus an unconditional NextOccurrence
	// write, used when the schedule or start date changed. LastProcessed is
	// kept.
	RescheduleRule(ctx context.Context, rule Rule) error

	// DeleteRule removes a rule. Materialized ledger records are untouched.
	DeleteRule(ctx context.Context, id RuleID) error

	// AdvanceRule persists a cursor advance iff the stored NextOccurrence
	// equals expected and the rule is active. Resets failure bookkeeping.
	AdvanceRule(ctx context.Context, id RuleID, expected Date, adv Advance) error

	// SetActive flips the lifecycle flag without touching the cursor.
	// Activating a rule clears its failure bookkeeping.
	SetActive(ctx context.Context, id RuleID, active bool) error

	// RecordFailure increments the consecutive failure counter and stores the
	// reason. Returns the new count.
	RecordFailure(ctx context.Context, id RuleID, reason string) (int, error)
}

// =============================================================================
// LEDGER COLLABORATORS
// =============================================================================

// ExpenseLedger appends expense records. Returns the record id.
type ExpenseLedger interface {
	AppendExpense(ctx context.Context, e Expense) (string, error)
}

// IncomeLedger appends income records. Returns the record id.
type IncomeLedger interface {
	AppendIncome(ctx context.Context, in Income) (string, error)
}

// CategoryDirectory resolves category references for ownership checks.
type CategoryDirectory interface {
	// GetCategory returns the category or (nil, nil) if it doesn't exist
	// in the reference's namespace.
	GetCategory(ctx context.Context, ref CategoryRef) (*Category, error)
}

// =============================================================================
// COMPOSED STORES
// =============================================================================

// Store is everything the Processor writes through.
type Store interface {
	RuleStore
	ExpenseLedger
	IncomeLedger
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
