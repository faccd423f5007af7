/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the recurring engine plus the
  ledger and category collaborators it writes through. In production, the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  recurring.RuleStore:         Rule persistence and the conditional cursor claim
  recurring.ExpenseLedger:     Expense records
  recurring.IncomeLedger:      Income records
  recurring.CategoryDirectory: Category lookup
  recurring.TxStore:           Atomic claim + materialize

KEY TABLES:
  recurring_rules:     Rules with cursor state and failure bookkeeping
  expenses, incomes:   Ledgers (recurring_rule_id is an audit link only)
  expense_categories,
  income_categories:   Separate namespaces, user_id NULL = shared default
  process_runs:        Audit trail of processing passes

EXACTLY-ONCE:
  - idx_expenses_rule_occurrence / idx_incomes_rule_occurrence: partial
    UNIQUE indexes on (recurring_rule_id, date). A second record for the
    same occurrence fails with *recurring.DuplicateOccurrenceError.
  - AdvanceRule is UPDATE ... WHERE next_occurrence = ? AND is_active = 1.
    Zero affected rows means another pass got there first.

DATES:
  Calendar dates are stored as TEXT YYYY-MM-DD so that string comparison is
  date comparison. Amounts are TEXT decimals.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which also
  keeps ":memory:" databases alive across calls. In production with
  PostgreSQL, database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/finance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  proc := &recurring.Processor{Store: store}

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - recurring/store.go: Interface definitions
  - recurring/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/finance-engine/recurring"
)

// ErrDuplicateCategory is returned when a user already has a category with that name.
var ErrDuplicateCategory = errors.New("category already exists")

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema and seeds the shared categories.
func (s *Store) migrate() error {
	schema := `
	-- Category namespaces (user_id NULL = shared default)
	CREATE TABLE IF NOT EXISTS expense_categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_expense_categories_owner_name
		ON expense_categories(COALESCE(user_id, ''), name);

	CREATE TABLE IF NOT EXISTS income_categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_income_categories_owner_name
		ON income_categories(COALESCE(user_id, ''), name);

	-- Recurring rules
	CREATE TABLE IF NOT EXISTS recurring_rules (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('expense', 'income')),
		category_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		frequency TEXT NOT NULL,
		interval_value INTEGER NOT NULL DEFAULT 1,
		day_of_week INTEGER,
		day_of_month INTEGER,
		month_of_year INTEGER,
		start_date TEXT NOT NULL,
		end_date TEXT,
		next_occurrence TEXT NOT NULL,
		last_processed TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Due-rule selection (hot path)
	CREATE INDEX IF NOT EXISTS idx_recurring_rules_due
		ON recurring_rules(is_active, next_occurrence);
	CREATE INDEX IF NOT EXISTS idx_recurring_rules_user
		ON recurring_rules(user_id, next_occurrence);

	-- Ledgers
	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		category_id INTEGER NOT NULL REFERENCES expense_categories(id),
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		recurring_rule_id TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one record per (rule, occurrence date)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_expenses_rule_occurrence
		ON expenses(recurring_rule_id, date)
		WHERE recurring_rule_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_expenses_user_date
		ON expenses(user_id, date DESC);

	CREATE TABLE IF NOT EXISTS incomes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		category_id INTEGER NOT NULL REFERENCES income_categories(id),
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		recurring_rule_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_incomes_rule_occurrence
		ON incomes(recurring_rule_id, date)
		WHERE recurring_rule_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_incomes_user_date
		ON incomes(user_id, date DESC);

	-- Processing passes (manual and scheduled)
	CREATE TABLE IF NOT EXISTS process_runs (
		id TEXT PRIMARY KEY,
		trigger_source TEXT NOT NULL,
		as_of TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		scanned INTEGER NOT NULL DEFAULT 0,
		materialized INTEGER NOT NULL DEFAULT 0,
		reconciled INTEGER NOT NULL DEFAULT 0,
		deactivated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		failures_json TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_process_runs_started
		ON process_runs(started_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	seeds := []struct {
		table string
		names []string
	}{
		{"expense_categories", recurring.DefaultExpenseCategories},
		{"income_categories", recurring.DefaultIncomeCategories},
	}
	for _, seed := range seeds {
		for i, name := range seed.names {
			_, err := s.db.Exec(
				"INSERT OR IGNORE INTO "+seed.table+" (id, user_id, name, created_at) VALUES (?, NULL, ?, ?)",
				i+1, name, now,
			)
			if err != nil {
				return fmt.Errorf("seed %s: %w", seed.table, err)
			}
		}
	}
	return nil
}

// =============================================================================
// RULE STORE (recurring.RuleStore interface)
// =============================================================================

const ruleColumns = `
	id, user_id, kind, category_id, amount, description,
	frequency, interval_value, day_of_week, day_of_month, month_of_year,
	start_date, end_date, next_occurrence, last_processed, is_active,
	failure_count, last_error, created_at, updated_at`

// CreateRule inserts a new rule.
func (s *Store) CreateRule(ctx context.Context, rule recurring.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createRule(ctx, s.db, rule)
}

func createRule(ctx context.Context, db dbtx, r recurring.Rule) error {
	query := `INSERT INTO recurring_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err := db.ExecContext(ctx, query,
		r.ID, r.UserID, r.Kind(), r.Category.CategoryID(), r.Amount.String(), r.Description,
		r.Schedule.Frequency, r.Schedule.Interval,
		nullWeekday(r.Schedule.DayOfWeek), nullInt(r.Schedule.DayOfMonth), nullMonth(r.Schedule.MonthOfYear),
		r.StartDate.String(), nullDate(r.EndDate), r.NextOccurrence.String(), nullDate(r.LastProcessed),
		r.IsActive, r.FailureCount, r.LastError,
		created.UTC().Format(time.RFC3339), updated.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// GetRule returns the rule or (nil, nil) if it doesn't exist.
func (s *Store) GetRule(ctx context.Context, id recurring.RuleID) (*recurring.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRule(ctx, s.db, id)
}

func getRule(ctx context.Context, db dbtx, id recurring.RuleID) (*recurring.Rule, error) {
	row := db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM recurring_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules returns all rules of a user ordered by next occurrence.
func (s *Store) ListRules(ctx context.Context, userID recurring.UserID) ([]recurring.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryRules(ctx, s.db,
		`SELECT `+ruleColumns+` FROM recurring_rules WHERE user_id = ? ORDER BY next_occurrence, id`,
		userID)
}

// ListDueRules returns active rules due on or before today within their end bound.
func (s *Store) ListDueRules(ctx context.Context, today recurring.Date) ([]recurring.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDueRules(ctx, s.db, today)
}

func listDueRules(ctx context.Context, db dbtx, today recurring.Date) ([]recurring.Rule, error) {
	return queryRules(ctx, db, `
		SELECT `+ruleColumns+` FROM recurring_rules
		WHERE is_active = 1
		  AND next_occurrence <= ?
		  AND (end_date IS NULL OR end_date >= ?)
		ORDER BY id`,
		today.String(), today.String())
}

// UpdateRule replaces the editable fields of a rule, keeping its cursor.
func (s *Store) UpdateRule(ctx context.Context, rule recurring.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRule(ctx, s.db, rule, false)
}

// RescheduleRule replaces the editable fields and next_occurrence.
func (s *Store) RescheduleRule(ctx context.Context, rule recurring.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRule(ctx, s.db, rule, true)
}

// updateRule never writes last_processed; next_occurrence only when
// reschedule is set.
func updateRule(ctx context.Context, db dbtx, r recurring.Rule, reschedule bool) error {
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	query := `
		UPDATE recurring_rules SET
			kind = ?, category_id = ?, amount = ?, description = ?,
			frequency = ?, interval_value = ?, day_of_week = ?, day_of_month = ?, month_of_year = ?,
			start_date = ?, end_date = ?, is_active = ?,
			failure_count = ?, last_error = ?, updated_at = ?`
	args := []any{
		r.Kind(), r.Category.CategoryID(), r.Amount.String(), r.Description,
		r.Schedule.Frequency, r.Schedule.Interval,
		nullWeekday(r.Schedule.DayOfWeek), nullInt(r.Schedule.DayOfMonth), nullMonth(r.Schedule.MonthOfYear),
		r.StartDate.String(), nullDate(r.EndDate), r.IsActive,
		r.FailureCount, r.LastError, updated.UTC().Format(time.RFC3339),
	}
	if reschedule {
		query += `, next_occurrence = ?`
		args = append(args, r.NextOccurrence.String())
	}
	query += ` WHERE id = ?`
	args = append(args, r.ID)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireAffected(res, recurring.ErrRuleNotFound)
}

// DeleteRule removes a rule. Ledger records keep their recurring_rule_id.
func (s *Store) DeleteRule(ctx context.Context, id recurring.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRule(ctx, s.db, id)
}

func deleteRule(ctx context.Context, db dbtx, id recurring.RuleID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM recurring_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireAffected(res, recurring.ErrRuleNotFound)
}

// AdvanceRule is the conditional cursor claim.
func (s *Store) AdvanceRule(ctx context.Context, id recurring.RuleID, expected recurring.Date, adv recurring.Advance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return advanceRule(ctx, s.db, id, expected, adv)
}

func advanceRule(ctx context.Context, db dbtx, id recurring.RuleID, expected recurring.Date, adv recurring.Advance) error {
	res, err := db.ExecContext(ctx, `
		UPDATE recurring_rules SET
			next_occurrence = ?, last_processed = ?, is_active = ?,
			failure_count = 0, last_error = '', updated_at = ?
		WHERE id = ? AND next_occurrence = ? AND is_active = 1`,
		adv.NextOccurrence.String(), adv.LastProcessed.String(), adv.IsActive,
		time.Now().UTC().Format(time.RFC3339),
		id, expected.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to advance rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recurring_rules WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return recurring.ErrRuleNotFound
	}
	return &recurring.StaleCursorError{RuleID: id, Expected: expected}
}

// SetActive flips the lifecycle flag. Activating clears failure bookkeeping.
func (s *Store) SetActive(ctx context.Context, id recurring.RuleID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setActive(ctx, s.db, id, active)
}

func setActive(ctx context.Context, db dbtx, id recurring.RuleID, active bool) error {
	query := `UPDATE recurring_rules SET is_active = ?, updated_at = ? WHERE id = ?`
	if active {
		query = `UPDATE recurring_rules SET is_active = ?, updated_at = ?,
			failure_count = CASE WHEN is_active = 0 THEN 0 ELSE failure_count END,
			last_error = CASE WHEN is_active = 0 THEN '' ELSE last_error END
			WHERE id = ?`
	}
	res, err := db.ExecContext(ctx, query, active, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to set rule state: %w", err)
	}
	return requireAffected(res, recurring.ErrRuleNotFound)
}

// RecordFailure bumps the consecutive failure counter.
func (s *Store) RecordFailure(ctx context.Context, id recurring.RuleID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordFailure(ctx, s.db, id, reason)
}

func recordFailure(ctx context.Context, db dbtx, id recurring.RuleID, reason string) (int, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE recurring_rules SET failure_count = failure_count + 1, last_error = ? WHERE id = ?`,
		reason, id)
	if err != nil {
		return 0, fmt.Errorf("failed to record failure: %w", err)
	}
	if err := requireAffected(res, recurring.ErrRuleNotFound); err != nil {
		return 0, err
	}
	var count int
	err = db.QueryRowContext(ctx, `SELECT failure_count FROM recurring_rules WHERE id = ?`, id).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func queryRules(ctx context.Context, db dbtx, query string, args ...any) ([]recurring.Rule, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []recurring.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (recurring.Rule, error) {
	var r recurring.Rule
	var (
		kind, amount, frequency          string
		startDate, nextOccurrence        string
		createdAt, updatedAt             string
		categoryID                       int64
		dayOfWeek, dayOfMonth, monthOfYr sql.NullInt64
		endDate, lastProcessed           sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.UserID, &kind, &categoryID, &amount, &r.Description,
		&frequency, &r.Schedule.Interval, &dayOfWeek, &dayOfMonth, &monthOfYr,
		&startDate, &endDate, &nextOccurrence, &lastProcessed, &r.IsActive,
		&r.FailureCount, &r.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, err
	}

	if r.Category, err = recurring.NewCategoryRef(recurring.Kind(kind), categoryID); err != nil {
		return r, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return r, fmt.Errorf("rule %s: bad amount %q: %w", r.ID, amount, err)
	}
	r.Schedule.Frequency = recurring.Frequency(frequency)
	if dayOfWeek.Valid {
		wd := time.Weekday(dayOfWeek.Int64)
		r.Schedule.DayOfWeek = &wd
	}
	if dayOfMonth.Valid {
		dom := int(dayOfMonth.Int64)
		r.Schedule.DayOfMonth = &dom
	}
	if monthOfYr.Valid {
		m := time.Month(monthOfYr.Int64)
		r.Schedule.MonthOfYear = &m
	}

	if r.StartDate, err = recurring.ParseDate(startDate); err != nil {
		return r, err
	}
	if r.NextOccurrence, err = recurring.ParseDate(nextOccurrence); err != nil {
		return r, err
	}
	if r.EndDate, err = parseNullDate(endDate); err != nil {
		return r, err
	}
	if r.LastProcessed, err = parseNullDate(lastProcessed); err != nil {
		return r, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return r, nil
}

// =============================================================================
// LEDGERS (recurring.ExpenseLedger / recurring.IncomeLedger)
// =============================================================================

// AppendExpense adds an expense record.
func (s *Store) AppendExpense(ctx context.Context, e recurring.Expense) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendExpense(ctx, s.db, e)
}

func appendExpense(ctx context.Context, db dbtx, e recurring.Expense) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO expenses (id, user_id, category_id, amount, description, date, recurring_rule_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, int64(e.Category), e.Amount.String(), e.Description,
		e.Date.String(), nullString(string(e.RuleID)), created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) && e.RuleID != "" {
			return "", &recurring.DuplicateOccurrenceError{RuleID: e.RuleID, Date: e.Date}
		}
		return "", fmt.Errorf("failed to append expense: %w", err)
	}
	return e.ID, nil
}

// AppendIncome adds an income record.
func (s *Store) AppendIncome(ctx context.Context, in recurring.Income) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendIncome(ctx, s.db, in)
}

func appendIncome(ctx context.Context, db dbtx, in recurring.Income) (string, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO incomes (id, user_id, category_id, amount, description, date, recurring_rule_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, int64(in.Category), in.Amount.String(), in.Description,
		in.Date.String(), nullString(string(in.RuleID)), created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) && in.RuleID != "" {
			return "", &recurring.DuplicateOccurrenceError{RuleID: in.RuleID, Date: in.Date}
		}
		return "", fmt.Errorf("failed to append income: %w", err)
	}
	return in.ID, nil
}

// ListExpenses returns a user's expenses, newest first.
func (s *Store) ListExpenses(ctx context.Context, userID recurring.UserID) ([]recurring.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category_id, amount, description, date, recurring_rule_id, created_at
		FROM expenses WHERE user_id = ?
		ORDER BY date DESC, created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := []recurring.Expense{}
	for rows.Next() {
		var e recurring.Expense
		var cat int64
		var amount, date, created string
		var ruleID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &cat, &amount, &e.Description, &date, &ruleID, &created); err != nil {
			return nil, err
		}
		e.Category = recurring.ExpenseCategory(cat)
		e.Amount, _ = decimal.NewFromString(amount)
		e.Date, _ = recurring.ParseDate(date)
		e.RuleID = recurring.RuleID(ruleID.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// ListIncomes returns a user's incomes, newest first.
func (s *Store) ListIncomes(ctx context.Context, userID recurring.UserID) ([]recurring.Income, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category_id, amount, description, date, recurring_rule_id, created_at
		FROM incomes WHERE user_id = ?
		ORDER BY date DESC, created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	incomes := []recurring.Income{}
	for rows.Next() {
		var in recurring.Income
		var cat int64
		var amount, date, created string
		var ruleID sql.NullString
		if err := rows.Scan(&in.ID, &in.UserID, &cat, &amount, &in.Description, &date, &ruleID, &created); err != nil {
			return nil, err
		}
		in.Category = recurring.IncomeCategory(cat)
		in.Amount, _ = decimal.NewFromString(amount)
		in.Date, _ = recurring.ParseDate(date)
		in.RuleID = recurring.RuleID(ruleID.String)
		in.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		incomes = append(incomes, in)
	}
	return incomes, rows.Err()
}

// =============================================================================
// CATEGORIES (recurring.CategoryDirectory interface)
// =============================================================================

func categoryTable(kind recurring.Kind) (string, error) {
	switch kind {
	case recurring.KindExpense:
		return "expense_categories", nil
	case recurring.KindIncome:
		return "income_categories", nil
	}
	return "", &recurring.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", kind)}
}

// GetCategory returns the category or (nil, nil) if it doesn't exist.
func (s *Store) GetCategory(ctx context.Context, ref recurring.CategoryRef) (*recurring.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, err := categoryTable(ref.Kind())
	if err != nil {
		return nil, err
	}
	c := recurring.Category{Kind: ref.Kind()}
	var userID sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT id, user_id, name FROM `+table+` WHERE id = ?`, ref.CategoryID()).
		Scan(&c.ID, &userID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.UserID = recurring.UserID(userID.String)
	return &c, nil
}

// ListCategories returns the shared defaults plus the user's own categories.
func (s *Store) ListCategories(ctx context.Context, kind recurring.Kind, userID recurring.UserID) ([]recurring.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, err := categoryTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name FROM `+table+` WHERE user_id IS NULL OR user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cats := []recurring.Category{}
	for rows.Next() {
		c := recurring.Category{Kind: kind}
		var owner sql.NullString
		if err := rows.Scan(&c.ID, &owner, &c.Name); err != nil {
			return nil, err
		}
		c.UserID = recurring.UserID(owner.String)
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// CreateCategory adds a user-owned category and returns it with its id.
func (s *Store) CreateCategory(ctx context.Context, c recurring.Category) (recurring.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := categoryTable(c.Kind)
	if err != nil {
		return c, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (user_id, name, created_at) VALUES (?, ?, ?)`,
		nullString(string(c.UserID)), c.Name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return c, ErrDuplicateCategory
		}
		return c, fmt.Errorf("failed to create category: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return c, err
}

// =============================================================================
// TRANSACTIONAL STORE (recurring.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store recurring.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every call on the open transaction. It must never touch
// s.db: the pool has a single connection and the transaction holds it.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateRule(ctx context.Context, rule recurring.Rule) error {
	return createRule(ctx, ts.tx, rule)
}

func (ts *txStore) GetRule(ctx context.Context, id recurring.RuleID) (*recurring.Rule, error) {
	return getRule(ctx, ts.tx, id)
}

func (ts *txStore) ListRules(ctx context.Context, userID recurring.UserID) ([]recurring.Rule, error) {
	return queryRules(ctx, ts.tx,
		`SELECT `+ruleColumns+` FROM recurring_rules WHERE user_id = ? ORDER BY next_occurrence, id`,
		userID)
}

func (ts *txStore) ListDueRules(ctx context.Context, today recurring.Date) ([]recurring.Rule, error) {
	return listDueRules(ctx, ts.tx, today)
}

func (ts *txStore) UpdateRule(ctx context.Context, rule recurring.Rule) error {
	return updateRule(ctx, ts.tx, rule, false)
}

func (ts *txStore) RescheduleRule(ctx context.Context, rule recurring.Rule) error {
	return updateRule(ctx, ts.tx, rule, true)
}

func (ts *txStore) DeleteRule(ctx context.Context, id recurring.RuleID) error {
	return deleteRule(ctx, ts.tx, id)
}

func (ts *txStore) AdvanceRule(ctx context.Context, id recurring.RuleID, expected recurring.Date, adv recurring.Advance) error {
	return advanceRule(ctx, ts.tx, id, expected, adv)
}

func (ts *txStore) SetActive(ctx context.Context, id recurring.RuleID, active bool) error {
	return setActive(ctx, ts.tx, id, active)
}

func (ts *txStore) RecordFailure(ctx context.Context, id recurring.RuleID, reason string) (int, error) {
	return recordFailure(ctx, ts.tx, id, reason)
}

func (ts *txStore) AppendExpense(ctx context.Context, e recurring.Expense) (string, error) {
	return appendExpense(ctx, ts.tx, e)
}

func (ts *txStore) AppendIncome(ctx context.Context, in recurring.Income) (string, error) {
	return appendIncome(ctx, ts.tx, in)
}

// =============================================================================
// PROCESS RUNS STORE
// =============================================================================

// ProcessRun records one processing pass.
type ProcessRun struct {
	ID          string
	Trigger     string // manual, schedule, scenario
	AsOf        recurring.Date
	Status      string // running, completed, failed
	Result      recurring.Result
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SaveProcessRun inserts or updates a run.
func (s *Store) SaveProcessRun(ctx context.Context, r ProcessRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	failures := r.Result.Failures
	if failures == nil {
		failures = []recurring.Failure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return err
	}

	var completedAt *string
	if r.CompletedAt != nil {
		ts := r.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &ts
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_runs (id, trigger_source, as_of, status, scanned, materialized,
			reconciled, deactivated, failed, failures_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			scanned = excluded.scanned,
			materialized = excluded.materialized,
			reconciled = excluded.reconciled,
			deactivated = excluded.deactivated,
			failed = excluded.failed,
			failures_json = excluded.failures_json,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Trigger, r.AsOf.String(), r.Status,
		r.Result.Scanned, r.Result.Materialized, r.Result.Reconciled, r.Result.Deactivated,
		len(failures), string(failuresJSON), r.Error,
		r.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	return err
}

// ListProcessRuns returns the most recent runs first.
func (s *Store) ListProcessRuns(ctx context.Context, limit int) ([]ProcessRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_source, as_of, status, scanned, materialized, reconciled,
			deactivated, failures_json, error, started_at, completed_at
		FROM process_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []ProcessRun{}
	for rows.Next() {
		var r ProcessRun
		var asOf, failuresJSON, startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(
			&r.ID, &r.Trigger, &asOf, &r.Status,
			&r.Result.Scanned, &r.Result.Materialized, &r.Result.Reconciled, &r.Result.Deactivated,
			&failuresJSON, &r.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}

		r.AsOf, _ = recurring.ParseDate(asOf)
		if err := json.Unmarshal([]byte(failuresJSON), &r.Result.Failures); err != nil {
			return nil, fmt.Errorf("run %s: bad failures: %w", r.ID, err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// ResetUser removes a user's rules, ledger records and own categories
// (for demo scenarios).
func (s *Store) ResetUser(ctx context.Context, userID recurring.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"recurring_rules", "expenses", "incomes", "expense_categories", "income_categories"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = ?", userID); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *recurring.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(s sql.NullString) (*recurring.Date, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := recurring.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullWeekday(p *time.Weekday) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullMonth(p *time.Month) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
