/*
processor.go - Due-Rule Processor

PURPOSE:
  Runs one batch pass: selects due rules, materializes exactly one ledger
  record per rule at its cursor date, advances the cursor, and reports
  per-rule outcomes as data. A failing rule never aborts the batch.

PER-RULE SEQUENCE (one store transaction):
  1. Compute next := NextOccurrence(schedule, cursor, today)
  2. If next > EndDate: deactivate, leave cursor at the last valid value
  3. Claim: AdvanceRule(id, expected=cursor, advance)
     - conditional on the stored cursor still being the one we read
     - a lost claim is *StaleCursorError (already_processed)
  4. Materialize: append expense/income dated at the old cursor
     - unique per (rule id, date); a duplicate means a previous pass wrote
       the record but not the advance, so the advance is kept (reconciled)
  Any other error rolls back both writes. The rule stays due.

FAILURE BOOKKEEPING:
  Non-race failures bump the rule's consecutive failure counter outside the
  rolled-back transaction. At MaxFailures the rule is paused and the
  failure is flagged Suspended. The cursor is never touched.

SEE ALSO:
  - occurrence.go: NextOccurrence
  - store.go:      TxStore, AdvanceRule contract
*/
package recurring

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// FailureKind classifies a per-rule processing failure.
type FailureKind string

const (
	FailureAlreadyProcessed FailureKind = "already_processed"
	FailureTimeout          FailureKind = "timeout"
	FailureLedger           FailureKind = "ledger"
	FailurePersistence      FailureKind = "persistence"
)

// Failure describes one rule that could not be processed in a pass.
type Failure struct {
	RuleID    RuleID      `json:"rule_id"`
	Kind      FailureKind `json:"kind"`
	Reason    string      `json:"reason"`
	Suspended bool        `json:"suspended,omitempty"`
}

// Result summarizes a processing pass.
type Result struct {
	Scanned      int       `json:"scanned"`
	Materialized int       `json:"materialized"`
	Reconciled   int       `json:"reconciled"`
	Deactivated  int       `json:"deactivated"`
	Failures     []Failure `json:"failures"`
}

// Processor materializes due rules.
type Processor struct {
	Store TxStore

	// RuleTimeout bounds the work for a single rule. Zero means no bound.
	RuleTimeout time.Duration

	// Workers is the number of rules processed in parallel. Values below 1
	// mean sequential processing.
	Workers int

	// MaxFailures pauses a rule after this many consecutive failures.
	// Zero disables suspension.
	MaxFailures int

	// NewID generates ledger record ids. Defaults to uuid.NewString.
	NewID func() string
}

type outcome int

const (
	outcomeMaterialized outcome = iota
	outcomeReconciled
)

// ProcessDue runs one pass as of today. The returned error is non-nil only
// when due rules could not be selected at all; per-rule problems are
// reported in Result.Failures.
func (p *Processor) ProcessDue(ctx context.Context, today Date) (Result, error) {
	if p.Store == nil {
		return Result{}, ErrStoreRequired
	}

	rules, err := p.Store.ListDueRules(ctx, today)
	if err != nil {
		return Result{}, fmt.Errorf("select due rules: %w", err)
	}

	res := Result{Scanned: len(rules), Failures: []Failure{}}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(max(p.Workers, 1))

	for _, rule := range rules {
		rule := rule
		g.Go(func() error {
			out, deactivated, err := p.processRule(ctx, rule, today)

			var failure *Failure
			if err != nil {
				f := p.recordFailure(ctx, rule, err)
				failure = &f
			}

			mu.Lock()
			defer mu.Unlock()
			if failure != nil {
				res.Failures = append(res.Failures, *failure)
				return nil
			}
			switch out {
			case outcomeMaterialized:
				res.Materialized++
			case outcomeReconciled:
				res.Reconciled++
			}
			if deactivated {
				res.Deactivated++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Failures, func(i, j int) bool {
		return res.Failures[i].RuleID < res.Failures[j].RuleID
	})

	log.Printf("[Processor] Pass %s: scanned=%d materialized=%d reconciled=%d deactivated=%d failed=%d",
		today, res.Scanned, res.Materialized, res.Reconciled, res.Deactivated, len(res.Failures))

	return res, nil
}

// processRule runs the claim + materialize unit for one rule.
func (p *Processor) processRule(ctx context.Context, rule Rule, today Date) (outcome, bool, error) {
	if p.RuleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.RuleTimeout)
		defer cancel()
	}

	occurrence := rule.NextOccurrence
	adv := Advance{
		NextOccurrence: NextOccurrence(rule.Schedule, occurrence, today),
		LastProcessed:  today,
		IsActive:       rule.IsActive,
	}
	deactivated := false
	if rule.EndDate != nil && adv.NextOccurrence.After(*rule.EndDate) {
		adv.NextOccurrence = occurrence
		adv.IsActive = false
		deactivated = true
	}

	out := outcomeMaterialized
	err := p.Store.WithTx(ctx, func(s Store) error {
		if err := s.AdvanceRule(ctx, rule.ID, occurrence, adv); err != nil {
			return err
		}
		err := p.materialize(ctx, s, rule, occurrence)
		var dup *DuplicateOccurrenceError
		if errors.As(err, &dup) {
			out = outcomeReconciled
			return nil
		}
		return err
	})
	if err == nil {
		return out, deactivated, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	return out, false, err
}

// materialize appends the ledger record for one occurrence.
func (p *Processor) materialize(ctx context.Context, s Store, rule Rule, on Date) error {
	newID := p.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	var err error
	switch ref := rule.Category.(type) {
	case ExpenseCategory:
		_, err = s.AppendExpense(ctx, Expense{
			ID:          newID(),
			UserID:      rule.UserID,
			Category:    ref,
			Amount:      rule.Amount,
			Description: rule.Description,
			Date:        on,
			RuleID:      rule.ID,
		})
	case IncomeCategory:
		_, err = s.AppendIncome(ctx, Income{
			ID:          newID(),
			UserID:      rule.UserID,
			Category:    ref,
			Amount:      rule.Amount,
			Description: rule.Description,
			Date:        on,
			RuleID:      rule.ID,
		})
	default:
		return fmt.Errorf("%w: rule %s has no category", ErrLedgerAppend, rule.ID)
	}

	if err == nil {
		return nil
	}
	var dup *DuplicateOccurrenceError
	if errors.As(err, &dup) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrLedgerAppend, err)
}

// recordFailure classifies err and updates failure bookkeeping. Lost races
// are not the rule's fault and are not counted.
func (p *Processor) recordFailure(ctx context.Context, rule Rule, err error) Failure {
	f := Failure{RuleID: rule.ID, Kind: classify(err), Reason: err.Error()}
	log.Printf("[Processor] Rule %s failed (%s): %v", rule.ID, f.Kind, err)

	if f.Kind == FailureAlreadyProcessed {
		return f
	}

	// The per-rule context may be spent; bookkeeping uses the pass context.
	count, rerr := p.Store.RecordFailure(ctx, rule.ID, f.Reason)
	if rerr != nil {
		log.Printf("[Processor] Rule %s: recording failure: %v", rule.ID, rerr)
		return f
	}
	if p.MaxFailures > 0 && count >= p.MaxFailures {
		if serr := p.Store.SetActive(ctx, rule.ID, false); serr != nil {
			log.Printf("[Processor] Rule %s: suspending: %v", rule.ID, serr)
			return f
		}
		f.Suspended = true
		log.Printf("[Processor] Rule %s suspended after %d consecutive failures", rule.ID, count)
	}
	return f
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		return FailureAlreadyProcessed
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrLedgerAppend):
		return FailureLedger
	default:
		return FailurePersistence
	}
}
