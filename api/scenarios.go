/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	rules for the calling user. Each scenario goes through recurring.Service,
	so the rules are validated and seeded exactly like API-created ones.

AVAILABLE SCENARIOS:

	monthly-rent:             Month-end rent (day 31 clamps) + mid-month utilities
	salary-and-subscriptions: Monthly salary, streaming, bi-weekly gym, yearly insurance
	catch-up:                 Rules whose cursors lag months behind, as after
	                          a cron outage; the next pass catches them up

HOW SCENARIOS WORK:
 1. Reset the caller's rules, ledger records and own categories
 2. Create rules via Service.Create as of today
 3. Optionally rewind cursors directly in the store (catch-up)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "catch-up"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, userID, today)
 3. Add it to the 'loaders' map

NOTE:

	Scenarios delete the caller's data. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - recurring/service.go: Create
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/finance-engine/recurring"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "monthly-rent",
		Name:        "Monthly Rent",
		Description: "Rent on the last day of every month (anchor 31) plus utilities on the 15th",
	},
	{
		ID:          "salary-and-subscriptions",
		Name:        "Salary & Subscriptions",
		Description: "Monthly salary income, a streaming subscription, a bi-weekly gym fee and yearly insurance",
	},
	{
		ID:          "catch-up",
		Name:        "Catch-Up After Outage",
		Description: "Rules whose cursors are months behind; run processing to see one record per rule and cursors jump past today",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context, userID recurring.UserID, today recurring.Date) error

var loaders = map[string]scenarioLoader{
	"monthly-rent":             (*Handler).loadMonthlyRentScenario,
	"salary-and-subscriptions": (*Handler).loadSalaryScenario,
	"catch-up":                 (*Handler).loadCatchUpScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the scenario last loaded by the caller, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario[userFrom(r.Context())]
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario replaces the caller's data with a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	userID := userFrom(ctx)

	// Reset first
	if err := h.Store.ResetUser(ctx, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset user data", err)
		return
	}
	h.setCurrentScenario(userID, "")

	if err := load(h, ctx, userID, h.today()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.setCurrentScenario(userID, req.ScenarioID)

	rules, err := h.Service.List(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": req.ScenarioID,
		"rules":    toRuleDTOs(rules),
	})
}

func (h *Handler) setCurrentScenario(userID recurring.UserID, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentScenario == nil {
		h.currentScenario = make(map[recurring.UserID]string)
	}
	if id == "" {
		delete(h.currentScenario, userID)
		return
	}
	h.currentScenario[userID] = id
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// Default category ids (see recurring.DefaultExpenseCategories/DefaultIncomeCategories).
const (
	catHousing       int64 = 1
	catUtilities     int64 = 2
	catTransport     int64 = 4
	catSubscriptions int64 = 5
	catInsurance     int64 = 6
	catSalary        int64 = 1
	catFreelance     int64 = 2
)

func intPtr(v int) *int { return &v }

func (h *Handler) loadMonthlyRentScenario(ctx context.Context, userID recurring.UserID, today recurring.Date) error {
	inputs := []recurring.RuleInput{
		{
			Kind:        recurring.KindExpense,
			CategoryID:  catHousing,
			Amount:      decimal.RequireFromString("1450.00"),
			Description: "Rent",
			Frequency:   recurring.Monthly,
			DayOfMonth:  intPtr(31),
			StartDate:   today,
		},
		{
			Kind:        recurring.KindExpense,
			CategoryID:  catUtilities,
			Amount:      decimal.RequireFromString("89.90"),
			Description: "Electricity",
			Frequency:   recurring.Monthly,
			DayOfMonth:  intPtr(15),
			StartDate:   today,
		},
	}
	return h.createAll(ctx, userID, inputs, today)
}

func (h *Handler) loadSalaryScenario(ctx context.Context, userID recurring.UserID, today recurring.Date) error {
	friday := time.Friday
	march := time.March
	inputs := []recurring.RuleInput{
		{
			Kind:        recurring.KindIncome,
			CategoryID:  catSalary,
			Amount:      decimal.RequireFromString("4200.00"),
			Description: "Salary",
			Frequency:   recurring.Monthly,
			DayOfMonth:  intPtr(25),
			StartDate:   today,
		},
		{
			Kind:        recurring.KindExpense,
			CategoryID:  catSubscriptions,
			Amount:      decimal.RequireFromString("15.49"),
			Description: "Streaming",
			Frequency:   recurring.Monthly,
			StartDate:   today,
		},
		{
			Kind:        recurring.KindExpense,
			CategoryID:  catTransport,
			Amount:      decimal.RequireFromString("30.00"),
			Description: "Gym & bike share",
			Frequency:   recurring.Weekly,
			Interval:    2,
			DayOfWeek:   &friday,
			StartDate:   today,
		},
		{
			Kind:        recurring.KindExpense,
			CategoryID:  catInsurance,
			Amount:      decimal.RequireFromString("640.00"),
			Description: "Home insurance",
			Frequency:   recurring.Yearly,
			MonthOfYear: &march,
			DayOfMonth:  intPtr(1),
			StartDate:   today,
		},
	}
	return h.createAll(ctx, userID, inputs, today)
}

// loadCatchUpScenario creates rules as of ~3 months ago, as if the
// processor had not run since.
func (h *Handler) loadCatchUpScenario(ctx context.Context, userID recurring.UserID, today recurring.Date) error {
	past := today.AddDays(-95)
	inputs := []recurring.RuleInput{
		{
			Kind:        recurring.KindExpense,
			CategoryID:  catHousing,
			Amount:      decimal.RequireFromString("1450.00"),
			Description: "Rent",
			Frequency:   recurring.Monthly,
			DayOfMonth:  intPtr(1),
			StartDate:   past,
		},
		{
			Kind:        recurring.KindExpense,
			CategoryID:  catSubscriptions,
			Amount:      decimal.RequireFromString("9.99"),
			Description: "Cloud storage",
			Frequency:   recurring.Weekly,
			StartDate:   past,
		},
		{
			Kind:        recurring.KindIncome,
			CategoryID:  catFreelance,
			Amount:      decimal.RequireFromString("750.00"),
			Description: "Retainer",
			Frequency:   recurring.Monthly,
			DayOfMonth:  intPtr(10),
			StartDate:   past,
		},
	}

	for _, in := range inputs {
		rule, err := h.Service.Create(ctx, userID, in, today)
		if err != nil {
			return fmt.Errorf("create %q: %w", in.Description, err)
		}
		// Rewind the cursor to the first occurrence after the start date.
		rule.NextOccurrence = recurring.Seed(rule.Schedule, rule.StartDate, rule.StartDate)
		if err := h.Store.RescheduleRule(ctx, *rule); err != nil {
			return fmt.Errorf("rewind %q: %w", in.Description, err)
		}
	}
	return nil
}

func (h *Handler) createAll(ctx context.Context, userID recurring.UserID, inputs []recurring.RuleInput, today recurring.Date) error {
	for _, in := range inputs {
		if _, err := h.Service.Create(ctx, userID, in, today); err != nil {
			return fmt.Errorf("create %q: %w", in.Description, err)
		}
	}
	return nil
}
