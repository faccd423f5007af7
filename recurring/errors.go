/*
errors.go - Centralized error types for the recurring engine

ERROR CATEGORIES:
  1. Validation errors - rejected at create/update, never reach the processor
  2. Ownership errors  - rule or category not visible to the acting user
  3. Processing errors - isolated per rule inside Processor.ProcessDue
  4. Race/duplicate    - "already processed for this occurrence", a named
                         kind distinct from transient storage failures

USAGE:
    if errors.Is(err, recurring.ErrAlreadyProcessed) {
        // another pass won the race, nothing to retry
    }
*/
package recurring

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidRule is returned for bad schedules, amounts or dates.
	ErrInvalidRule = errors.New("invalid recurring rule")

	// ErrRuleNotFound is returned when a rule doesn't exist or isn't owned by the caller.
	ErrRuleNotFound = errors.New("recurring rule not found")

	// ErrCategoryNotFound is returned when a category doesn't exist in the
	// kind's namespace or isn't visible to the caller.
	ErrCategoryNotFound = errors.New("category not found")

	// ErrAlreadyProcessed is returned when an occurrence has already been
	// materialized or its cursor was claimed by a concurrent pass.
	ErrAlreadyProcessed = errors.New("already processed for this occurrence")

	// ErrLedgerAppend marks failures raised by a ledger collaborator.
	ErrLedgerAppend = errors.New("ledger append failed")

	// ErrStoreRequired is returned when a Processor or Service has no store wired.
	ErrStoreRequired = errors.New("store is required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRule
}

// DuplicateOccurrenceError is returned by a ledger when a record for the
// same (rule, occurrence date) already exists.
type DuplicateOccurrenceError struct {
	RuleID RuleID
	Date   Date
}

func (e *DuplicateOccurrenceError) Error() string {
	return fmt.Sprintf("occurrence %s of rule %s already materialized", e.Date, e.RuleID)
}

func (e *DuplicateOccurrenceError) Unwrap() error {
	return ErrAlreadyProcessed
}

// StaleCursorError is returned by RuleStore.AdvanceRule when the stored
// cursor no longer matches the value the caller read.
type StaleCursorError struct {
	RuleID   RuleID
	Expected Date
}

func (e *StaleCursorError) Error() string {
	return fmt.Sprintf("rule %s cursor moved past %s", e.RuleID, e.Expected)
}

func (e *StaleCursorError) Unwrap() error {
	return ErrAlreadyProcessed
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRule)
}

// IsNotFound returns true if the error indicates a missing or foreign resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrCategoryNotFound)
}

// IsAlreadyProcessed returns true for both duplicate-record and lost-claim errors.
func IsAlreadyProcessed(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed)
}
