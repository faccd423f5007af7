// Package store provides in-memory implementations of the recurring stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/finance-engine/recurring"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	rules       map[recurring.RuleID]recurring.Rule
	expenses    []recurring.Expense
	incomes     []recurring.Income
	occurrences map[occurrenceKey]string
	categories  map[categoryKey]recurring.Category
	lastCatID   map[recurring.Kind]int64
}

// occurrenceKey is the uniqueness key of materialized records, one key
// space per ledger.
type occurrenceKey struct {
	Kind   recurring.Kind
	RuleID recurring.RuleID
	Date   recurring.Date
}

type categoryKey struct {
	Kind recurring.Kind
	ID   int64
}

// NewMemory returns an empty store seeded with the shared default categories.
func NewMemory() *Memory {
	m := &Memory{
		rules:       make(map[recurring.RuleID]recurring.Rule),
		occurrences: make(map[occurrenceKey]string),
		categories:  make(map[categoryKey]recurring.Category),
		lastCatID:   make(map[recurring.Kind]int64),
	}
	for _, name := range recurring.DefaultExpenseCategories {
		m.AddCategory(recurring.Category{Kind: recurring.KindExpense, Name: name})
	}
	for _, name := range recurring.DefaultIncomeCategories {
		m.AddCategory(recurring.Category{Kind: recurring.KindIncome, Name: name})
	}
	return m
}

// =============================================================================
// RULES
// =============================================================================

func (m *Memory) CreateRule(ctx context.Context, rule recurring.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRuleLocked(rule)
}

func (m *Memory) createRuleLocked(rule recurring.Rule) error {
	if _, ok := m.rules[rule.ID]; ok {
		return fmt.Errorf("rule %s already exists", rule.ID)
	}
	m.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (m *Memory) GetRule(ctx context.Context, id recurring.RuleID) (*recurring.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRuleLocked(id), nil
}

func (m *Memory) getRuleLocked(id recurring.RuleID) *recurring.Rule {
	r, ok := m.rules[id]
	if !ok {
		return nil
	}
	r = cloneRule(r)
	return &r
}

func (m *Memory) ListRules(ctx context.Context, userID recurring.UserID) ([]recurring.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []recurring.Rule{}
	for _, r := range m.rules {
		if r.UserID == userID {
			result = append(result, cloneRule(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextOccurrence.Equal(result[j].NextOccurrence) {
			return result[i].NextOccurrence.Before(result[j].NextOccurrence)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) ListDueRules(ctx context.Context, today recurring.Date) ([]recurring.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []recurring.Rule{}
	for _, r := range m.rules {
		if r.IsDue(today) {
			result = append(result, cloneRule(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) UpdateRule(ctx context.Context, rule recurring.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return editRule(m.rules, rule, false)
}

func (m *Memory) RescheduleRule(ctx context.Context, rule recurring.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return editRule(m.rules, rule, true)
}

// editRule stores rule's editable fields. The stored LastProcessed always
// survives, the stored NextOccurrence unless reschedule is set.
func editRule(rules map[recurring.RuleID]recurring.Rule, rule recurring.Rule, reschedule bool) error {
	stored, ok := rules[rule.ID]
	if !ok {
		return recurring.ErrRuleNotFound
	}
	next := cloneRule(rule)
	next.LastProcessed = stored.LastProcessed
	if !reschedule {
		next.NextOccurrence = stored.NextOccurrence
	}
	rules[rule.ID] = next
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, id recurring.RuleID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return recurring.ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *Memory) AdvanceRule(ctx context.Context, id recurring.RuleID, expected recurring.Date, adv recurring.Advance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceRuleLocked(id, expected, adv)
}

func (m *Memory) advanceRuleLocked(id recurring.RuleID, expected recurring.Date, adv recurring.Advance) error {
	r, ok := m.rules[id]
	if !ok {
		return recurring.ErrRuleNotFound
	}
	if !r.IsActive || !r.NextOccurrence.Equal(expected) {
		return &recurring.StaleCursorError{RuleID: id, Expected: expected}
	}
	last := adv.LastProcessed
	r.NextOccurrence = adv.NextOccurrence
	r.LastProcessed = &last
	r.IsActive = adv.IsActive
	r.FailureCount = 0
	r.LastError = ""
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

func (m *Memory) SetActive(ctx context.Context, id recurring.RuleID, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return recurring.ErrRuleNotFound
	}
	if active && !r.IsActive {
		r.FailureCount = 0
		r.LastError = ""
	}
	r.IsActive = active
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

func (m *Memory) RecordFailure(ctx context.Context, id recurring.RuleID, reason string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return 0, recurring.ErrRuleNotFound
	}
	r.FailureCount++
	r.LastError = reason
	m.rules[id] = r
	return r.FailureCount, nil
}

// =============================================================================
// LEDGERS
// =============================================================================

func (m *Memory) AppendExpense(ctx context.Context, e recurring.Expense) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendExpenseLocked(e)
}

func (m *Memory) appendExpenseLocked(e recurring.Expense) (string, error) {
	if err := m.claimOccurrenceLocked(recurring.KindExpense, e.RuleID, e.Date); err != nil {
		return "", err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.expenses = append(m.expenses, e)
	if e.RuleID != "" {
		m.occurrences[occurrenceKey{recurring.KindExpense, e.RuleID, e.Date}] = e.ID
	}
	return e.ID, nil
}

func (m *Memory) AppendIncome(ctx context.Context, in recurring.Income) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendIncomeLocked(in)
}

func (m *Memory) appendIncomeLocked(in recurring.Income) (string, error) {
	if err := m.claimOccurrenceLocked(recurring.KindIncome, in.RuleID, in.Date); err != nil {
		return "", err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	m.incomes = append(m.incomes, in)
	if in.RuleID != "" {
		m.occurrences[occurrenceKey{recurring.KindIncome, in.RuleID, in.Date}] = in.ID
	}
	return in.ID, nil
}

func (m *Memory) claimOccurrenceLocked(kind recurring.Kind, ruleID recurring.RuleID, date recurring.Date) error {
	if ruleID == "" {
		return nil
	}
	if _, ok := m.occurrences[occurrenceKey{kind, ruleID, date}]; ok {
		return &recurring.DuplicateOccurrenceError{RuleID: ruleID, Date: date}
	}
	return nil
}

// ListExpenses returns a user's expenses, newest first.
func (m *Memory) ListExpenses(_ context.Context, userID recurring.UserID) ([]recurring.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []recurring.Expense{}
	for _, e := range m.expenses {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Date.After(result[j].Date) })
	return result, nil
}

// ListIncomes returns a user's incomes, newest first.
func (m *Memory) ListIncomes(_ context.Context, userID recurring.UserID) ([]recurring.Income, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []recurring.Income{}
	for _, in := range m.incomes {
		if in.UserID == userID {
			result = append(result, in)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Date.After(result[j].Date) })
	return result, nil
}

// =============================================================================
// CATEGORIES
// =============================================================================

// AddCategory stores a category, assigning the next id of its kind.
func (m *Memory) AddCategory(c recurring.Category) recurring.Category {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastCatID[c.Kind]++
	c.ID = m.lastCatID[c.Kind]
	m.categories[categoryKey{c.Kind, c.ID}] = c
	return c
}

func (m *Memory) GetCategory(ctx context.Context, ref recurring.CategoryRef) (*recurring.Category, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.categories[categoryKey{ref.Kind(), ref.CategoryID()}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store lock.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(recurring.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	err := fn(view)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	rules       map[recurring.RuleID]recurring.Rule
	expenses    []recurring.Expense
	incomes     []recurring.Income
	occurrences map[occurrenceKey]string
}

func (tm *TxMemory) snapshot() memorySnapshot {
	rules := make(map[recurring.RuleID]recurring.Rule, len(tm.rules))
	for k, v := range tm.rules {
		rules[k] = cloneRule(v)
	}
	occ := make(map[occurrenceKey]string, len(tm.occurrences))
	for k, v := range tm.occurrences {
		occ[k] = v
	}
	return memorySnapshot{
		rules:       rules,
		expenses:    append([]recurring.Expense{}, tm.expenses...),
		incomes:     append([]recurring.Income{}, tm.incomes...),
		occurrences: occ,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.rules = s.rules
	tm.expenses = s.expenses
	tm.incomes = s.incomes
	tm.occurrences = s.occurrences
}

// txMemoryView runs against the parent's maps while WithTx holds the lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateRule(ctx context.Context, rule recurring.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tv.parent.createRuleLocked(rule)
}

func (tv *txMemoryView) GetRule(ctx context.Context, id recurring.RuleID) (*recurring.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tv.parent.getRuleLocked(id), nil
}

func (tv *txMemoryView) ListRules(ctx context.Context, userID recurring.UserID) ([]recurring.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := []recurring.Rule{}
	for _, r := range tv.parent.rules {
		if r.UserID == userID {
			result = append(result, cloneRule(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextOccurrence.Before(result[j].NextOccurrence) })
	return result, nil
}

func (tv *txMemoryView) ListDueRules(ctx context.Context, today recurring.Date) ([]recurring.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := []recurring.Rule{}
	for _, r := range tv.parent.rules {
		if r.IsDue(today) {
			result = append(result, cloneRule(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tv *txMemoryView) UpdateRule(ctx context.Context, rule recurring.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return editRule(tv.parent.rules, rule, false)
}

func (tv *txMemoryView) RescheduleRule(ctx context.Context, rule recurring.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return editRule(tv.parent.rules, rule, true)
}

func (tv *txMemoryView) DeleteRule(ctx context.Context, id recurring.RuleID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := tv.parent.rules[id]; !ok {
		return recurring.ErrRuleNotFound
	}
	delete(tv.parent.rules, id)
	return nil
}

func (tv *txMemoryView) AdvanceRule(ctx context.Context, id recurring.RuleID, expected recurring.Date, adv recurring.Advance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tv.parent.advanceRuleLocked(id, expected, adv)
}

func (tv *txMemoryView) SetActive(ctx context.Context, id recurring.RuleID, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := tv.parent.rules[id]
	if !ok {
		return recurring.ErrRuleNotFound
	}
	r.IsActive = active
	tv.parent.rules[id] = r
	return nil
}

func (tv *txMemoryView) RecordFailure(ctx context.Context, id recurring.RuleID, reason string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r, ok := tv.parent.rules[id]
	if !ok {
		return 0, recurring.ErrRuleNotFound
	}
	r.FailureCount++
	r.LastError = reason
	tv.parent.rules[id] = r
	return r.FailureCount, nil
}

func (tv *txMemoryView) AppendExpense(ctx context.Context, e recurring.Expense) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return tv.parent.appendExpenseLocked(e)
}

func (tv *txMemoryView) AppendIncome(ctx context.Context, in recurring.Income) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return tv.parent.appendIncomeLocked(in)
}

// =============================================================================
// HELPERS
// =============================================================================

// cloneRule copies a rule so callers never share pointers with the store.
func cloneRule(r recurring.Rule) recurring.Rule {
	c := r
	c.EndDate = clonePtr(r.EndDate)
	c.LastProcessed = clonePtr(r.LastProcessed)
	c.Schedule.DayOfWeek = clonePtr(r.Schedule.DayOfWeek)
	c.Schedule.DayOfMonth = clonePtr(r.Schedule.DayOfMonth)
	c.Schedule.MonthOfYear = clonePtr(r.Schedule.MonthOfYear)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
