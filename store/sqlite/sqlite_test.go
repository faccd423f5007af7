package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/recurring"
	"github.com/warp/finance-engine/store/sqlite"
)

var d = recurring.MustParseDate

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rentRule(id string, cursor string) recurring.Rule {
	dom := 31
	return recurring.Rule{
		ID:             recurring.RuleID(id),
		UserID:         "alice",
		Category:       recurring.ExpenseCategory(1),
		Amount:         decimal.RequireFromString("1250.50"),
		Description:    "Rent",
		Schedule:       recurring.Schedule{Frequency: recurring.Monthly, Interval: 1, DayOfMonth: &dom},
		StartDate:      d("2024-01-31"),
		NextOccurrence: d(cursor),
		IsActive:       true,
	}
}

func TestSQLite_DefaultCategories(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	expense, err := s.ListCategories(ctx, recurring.KindExpense, "alice")
	require.NoError(t, err)
	require.Len(t, expense, len(recurring.DefaultExpenseCategories))
	assert.Equal(t, int64(1), expense[0].ID)
	assert.Equal(t, recurring.DefaultExpenseCategories[0], expense[0].Name)

	income, err := s.ListCategories(ctx, recurring.KindIncome, "alice")
	require.NoError(t, err)
	assert.Len(t, income, len(recurring.DefaultIncomeCategories))

	c, err := s.GetCategory(ctx, recurring.IncomeCategory(1))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Salary", c.Name)
	assert.Empty(t, c.UserID)

	c, err = s.GetCategory(ctx, recurring.ExpenseCategory(999))
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSQLite_UserCategories(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	c, err := s.CreateCategory(ctx, recurring.Category{Kind: recurring.KindIncome, UserID: "alice", Name: "Side gig"})
	require.NoError(t, err)
	assert.Greater(t, c.ID, int64(len(recurring.DefaultIncomeCategories)))

	_, err = s.CreateCategory(ctx, recurring.Category{Kind: recurring.KindIncome, UserID: "alice", Name: "Side gig"})
	assert.ErrorIs(t, err, sqlite.ErrDuplicateCategory)

	// Same name, other owner
	_, err = s.CreateCategory(ctx, recurring.Category{Kind: recurring.KindIncome, UserID: "bob", Name: "Side gig"})
	require.NoError(t, err)

	cats, err := s.ListCategories(ctx, recurring.KindIncome, "alice")
	require.NoError(t, err)
	assert.Len(t, cats, len(recurring.DefaultIncomeCategories)+1)
}

func TestSQLite_RuleRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	end := d("2024-12-31")
	rule := rentRule("r1", "2024-01-31")
	rule.EndDate = &end
	require.NoError(t, s.CreateRule(ctx, rule))

	got, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, recurring.KindExpense, got.Kind())
	assert.Equal(t, recurring.ExpenseCategory(1), got.Category)
	assert.True(t, rule.Amount.Equal(got.Amount))
	assert.True(t, rule.Schedule.Equal(got.Schedule))
	assert.Equal(t, d("2024-01-31"), got.NextOccurrence)
	require.NotNil(t, got.EndDate)
	assert.Equal(t, end, *got.EndDate)
	assert.Nil(t, got.LastProcessed)
	assert.True(t, got.IsActive)

	missing, err := s.GetRule(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	got.Description = "Rent (new flat)"
	got.EndDate = nil
	require.NoError(t, s.UpdateRule(ctx, *got))
	got, _ = s.GetRule(ctx, "r1")
	assert.Equal(t, "Rent (new flat)", got.Description)
	assert.Nil(t, got.EndDate)

	assert.ErrorIs(t, s.UpdateRule(ctx, rentRule("ghost", "2024-01-31")), recurring.ErrRuleNotFound)

	require.NoError(t, s.DeleteRule(ctx, "r1"))
	assert.ErrorIs(t, s.DeleteRule(ctx, "r1"), recurring.ErrRuleNotFound)
}

func TestSQLite_ListDueRules(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ended := rentRule("ended", "2024-02-29")
	end := d("2024-02-01")
	ended.EndDate = &end
	paused := rentRule("paused", "2024-01-31")
	paused.IsActive = false

	for _, r := range []recurring.Rule{
		rentRule("b-due", "2024-02-29"),
		rentRule("a-overdue", "2024-01-31"),
		rentRule("future", "2024-03-31"),
		ended, paused,
	} {
		require.NoError(t, s.CreateRule(ctx, r))
	}

	due, err := s.ListDueRules(ctx, d("2024-03-01"))
	require.NoError(t, err)
	ids := []recurring.RuleID{}
	for _, r := range due {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []recurring.RuleID{"a-overdue", "b-due"}, ids)

	all, err := s.ListRules(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, recurring.RuleID("a-overdue"), all[0].ID)
}

func TestSQLite_AdvanceRule_Conditional(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateRule(ctx, rentRule("r1", "2024-01-31")))
	_, err := s.RecordFailure(ctx, "r1", "flaky")
	require.NoError(t, err)

	adv := recurring.Advance{NextOccurrence: d("2024-02-29"), LastProcessed: d("2024-01-31"), IsActive: true}
	require.NoError(t, s.AdvanceRule(ctx, "r1", d("2024-01-31"), adv))

	// Same claim again loses
	err = s.AdvanceRule(ctx, "r1", d("2024-01-31"), adv)
	var stale *recurring.StaleCursorError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, d("2024-01-31"), stale.Expected)

	assert.ErrorIs(t, s.AdvanceRule(ctx, "ghost", d("2024-01-31"), adv), recurring.ErrRuleNotFound)

	r, _ := s.GetRule(ctx, "r1")
	assert.Equal(t, d("2024-02-29"), r.NextOccurrence)
	require.NotNil(t, r.LastProcessed)
	assert.Equal(t, d("2024-01-31"), *r.LastProcessed)
	assert.Equal(t, 0, r.FailureCount, "a successful advance resets failures")
	assert.Empty(t, r.LastError)

	// Paused rules can't be claimed
	require.NoError(t, s.SetActive(ctx, "r1", false))
	assert.ErrorIs(t, s.AdvanceRule(ctx, "r1", d("2024-02-29"), adv), recurring.ErrAlreadyProcessed)
}

func TestSQLite_UpdateKeepsCursor(t *testing.T) {
	// GIVEN: A rule copy read before the processor advanced it
	// WHEN: The copy is written back as an edit, then as a reschedule
	// THEN: The edit keeps the advanced cursor, the reschedule moves it, and
	//       last_processed survives both

	ctx := context.Background()
	s := newStore(t)
	stale := rentRule("r1", "2024-01-31")
	require.NoError(t, s.CreateRule(ctx, stale))

	adv := recurring.Advance{NextOccurrence: d("2024-02-29"), LastProcessed: d("2024-01-31"), IsActive: true}
	require.NoError(t, s.AdvanceRule(ctx, "r1", d("2024-01-31"), adv))

	stale.Amount = decimal.RequireFromString("1300")
	require.NoError(t, s.UpdateRule(ctx, stale))
	r, _ := s.GetRule(ctx, "r1")
	assert.True(t, r.Amount.Equal(stale.Amount))
	assert.Equal(t, d("2024-02-29"), r.NextOccurrence)
	require.NotNil(t, r.LastProcessed)
	assert.Equal(t, d("2024-01-31"), *r.LastProcessed)

	stale.NextOccurrence = d("2024-03-31")
	require.NoError(t, s.RescheduleRule(ctx, stale))
	r, _ = s.GetRule(ctx, "r1")
	assert.Equal(t, d("2024-03-31"), r.NextOccurrence)
	require.NotNil(t, r.LastProcessed)
	assert.Equal(t, d("2024-01-31"), *r.LastProcessed)

	assert.ErrorIs(t, s.RescheduleRule(ctx, rentRule("ghost", "2024-01-31")), recurring.ErrRuleNotFound)
}

func TestSQLite_FailureBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateRule(ctx, rentRule("r1", "2024-01-31")))

	n, err := s.RecordFailure(ctx, "r1", "first")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RecordFailure(ctx, "r1", "second")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.RecordFailure(ctx, "ghost", "x")
	assert.ErrorIs(t, err, recurring.ErrRuleNotFound)

	// Pausing keeps the counter, reactivating clears it
	require.NoError(t, s.SetActive(ctx, "r1", false))
	r, _ := s.GetRule(ctx, "r1")
	assert.Equal(t, 2, r.FailureCount)
	assert.Equal(t, "second", r.LastError)
	assert.Equal(t, d("2024-01-31"), r.NextOccurrence)

	require.NoError(t, s.SetActive(ctx, "r1", true))
	r, _ = s.GetRule(ctx, "r1")
	assert.Equal(t, 0, r.FailureCount)
	assert.Empty(t, r.LastError)
}

func TestSQLite_LedgerUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	e := recurring.Expense{UserID: "alice", Category: 1, Amount: decimal.NewFromInt(10), Date: d("2024-01-31"), RuleID: "r1"}
	id, err := s.AppendExpense(ctx, e)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.AppendExpense(ctx, e)
	var dup *recurring.DuplicateOccurrenceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, recurring.RuleID("r1"), dup.RuleID)
	assert.Equal(t, d("2024-01-31"), dup.Date)

	// Manual records are not constrained
	e.RuleID = ""
	_, err = s.AppendExpense(ctx, e)
	require.NoError(t, err)
	_, err = s.AppendExpense(ctx, e)
	require.NoError(t, err)

	in := recurring.Income{UserID: "alice", Category: 1, Amount: decimal.NewFromInt(10), Date: d("2024-01-31"), RuleID: "r1"}
	_, err = s.AppendIncome(ctx, in)
	require.NoError(t, err)
	_, err = s.AppendIncome(ctx, in)
	assert.ErrorIs(t, err, recurring.ErrAlreadyProcessed)

	// Unknown category violates the foreign key, not uniqueness
	_, err = s.AppendExpense(ctx, recurring.Expense{UserID: "alice", Category: 999, Amount: decimal.NewFromInt(1), Date: d("2024-01-31"), RuleID: "r2"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, recurring.ErrAlreadyProcessed))

	expenses, err := s.ListExpenses(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, expenses, 3)
	incomes, err := s.ListIncomes(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, incomes, 1)
	assert.Equal(t, recurring.RuleID("r1"), incomes[0].RuleID)
}

func TestSQLite_WithTx_Rollback(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateRule(ctx, rentRule("r1", "2024-01-31")))

	err := s.WithTx(ctx, func(tx recurring.Store) error {
		adv := recurring.Advance{NextOccurrence: d("2024-02-29"), LastProcessed: d("2024-01-31"), IsActive: true}
		if err := tx.AdvanceRule(ctx, "r1", d("2024-01-31"), adv); err != nil {
			return err
		}
		if _, err := tx.AppendExpense(ctx, recurring.Expense{UserID: "alice", Category: 1, Amount: decimal.NewFromInt(1), Date: d("2024-01-31"), RuleID: "r1"}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")

	r, _ := s.GetRule(ctx, "r1")
	assert.Equal(t, d("2024-01-31"), r.NextOccurrence)
	assert.Nil(t, r.LastProcessed)
	expenses, _ := s.ListExpenses(ctx, "alice")
	assert.Empty(t, expenses)
}

func TestSQLite_ProcessRuns(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	started := time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC)
	run := sqlite.ProcessRun{ID: "run-1", Trigger: "schedule", AsOf: d("2024-03-01"), Status: "running", StartedAt: started}
	require.NoError(t, s.SaveProcessRun(ctx, run))

	done := started.Add(2 * time.Second)
	run.Status = "completed"
	run.CompletedAt = &done
	run.Result = recurring.Result{
		Scanned: 3, Materialized: 1, Reconciled: 1,
		Failures: []recurring.Failure{{RuleID: "r9", Kind: recurring.FailureLedger, Reason: "boom"}},
	}
	require.NoError(t, s.SaveProcessRun(ctx, run))
	require.NoError(t, s.SaveProcessRun(ctx, sqlite.ProcessRun{ID: "run-2", Trigger: "manual", AsOf: d("2024-03-02"), Status: "running", StartedAt: started.Add(time.Hour)}))

	runs, err := s.ListProcessRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)

	got := runs[1]
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, d("2024-03-01"), got.AsOf)
	assert.Equal(t, 3, got.Result.Scanned)
	require.Len(t, got.Result.Failures, 1)
	assert.Equal(t, recurring.FailureLedger, got.Result.Failures[0].Kind)
	require.NotNil(t, got.CompletedAt)
}

func TestSQLite_ResetUser(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateRule(ctx, rentRule("r1", "2024-01-31")))
	bobs := rentRule("r2", "2024-01-31")
	bobs.UserID = "bob"
	require.NoError(t, s.CreateRule(ctx, bobs))

	require.NoError(t, s.ResetUser(ctx, "alice"))

	alice, _ := s.ListRules(ctx, "alice")
	assert.Empty(t, alice)
	bob, _ := s.ListRules(ctx, "bob")
	assert.Len(t, bob, 1)
	cats, _ := s.ListCategories(ctx, recurring.KindExpense, "alice")
	assert.Len(t, cats, len(recurring.DefaultExpenseCategories), "shared defaults survive a reset")
}

// =============================================================================
// PROCESSOR AGAINST SQLITE
// =============================================================================

func TestSQLite_Processor_MonthEndCatchUp(t *testing.T) {
	// GIVEN: A day-31 rent rule whose cursor is Jan 31
	// WHEN: Passes run on Jan 31, Feb 29, Mar 31 and again on Mar 31
	// THEN: Exactly three records with clamped dates, cursor on Apr 30

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateRule(ctx, rentRule("rent", "2024-01-31")))
	proc := &recurring.Processor{Store: s}

	for _, day := range []string{"2024-01-31", "2024-02-29", "2024-03-31"} {
		res, err := proc.ProcessDue(ctx, d(day))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Materialized, day)
	}
	res, err := proc.ProcessDue(ctx, d("2024-03-31"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)

	expenses, _ := s.ListExpenses(ctx, "alice")
	dates := []recurring.Date{}
	for _, e := range expenses {
		dates = append(dates, e.Date)
		assert.Equal(t, recurring.RuleID("rent"), e.RuleID)
		assert.True(t, decimal.RequireFromString("1250.50").Equal(e.Amount))
	}
	assert.Equal(t, []recurring.Date{d("2024-03-31"), d("2024-02-29"), d("2024-01-31")}, dates)

	r, _ := s.GetRule(ctx, "rent")
	assert.Equal(t, d("2024-04-30"), r.NextOccurrence)
}

func TestSQLite_Processor_ReconcilesExistingRecord(t *testing.T) {
	// GIVEN: A ledger that already holds the record for the cursor date
	// WHEN: The pass runs
	// THEN: The cursor advances and no second record appears

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateRule(ctx, rentRule("rent", "2024-01-31")))
	_, err := s.AppendExpense(ctx, recurring.Expense{UserID: "alice", Category: 1, Amount: decimal.NewFromInt(1), Date: d("2024-01-31"), RuleID: "rent"})
	require.NoError(t, err)

	res, err := (&recurring.Processor{Store: s}).ProcessDue(ctx, d("2024-01-31"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconciled)
	assert.Equal(t, 0, res.Materialized)

	expenses, _ := s.ListExpenses(ctx, "alice")
	assert.Len(t, expenses, 1)
	r, _ := s.GetRule(ctx, "rent")
	assert.Equal(t, d("2024-02-29"), r.NextOccurrence)
}

func TestSQLite_Processor_ConcurrentPasses(t *testing.T) {
	// GIVEN: Ten due rules
	// WHEN: Four passes run at the same time
	// THEN: Each rule is materialized exactly once in total

	ctx := context.Background()
	s := newStore(t)
	for i := 0; i < 10; i++ {
		r := rentRule(string(rune('a'+i)), "2024-01-31")
		require.NoError(t, s.CreateRule(ctx, r))
	}

	const passes = 4
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]recurring.Result, passes)
	for i := 0; i < passes; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := (&recurring.Processor{Store: s, Workers: 2}).ProcessDue(ctx, d("2024-01-31"))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	close(start)
	wg.Wait()

	total := 0
	for _, res := range results {
		total += res.Materialized
		for _, f := range res.Failures {
			assert.Equal(t, recurring.FailureAlreadyProcessed, f.Kind)
		}
	}
	assert.Equal(t, 10, total)

	expenses, _ := s.ListExpenses(ctx, "alice")
	assert.Len(t, expenses, 10)
}
