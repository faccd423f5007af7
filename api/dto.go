/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model (sum-typed category references, pointer anchors)
  from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Rules:
    RuleDTO, CreateRuleRequest, UpdateRuleRequest, UpcomingItemDTO, PreviewDTO

  Processing:
    ProcessRunDTO

  Collaborators:
    CategoryDTO, CreateCategoryRequest, LedgerRecordDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

DATES:
  Calendar dates travel as "YYYY-MM-DD" (recurring.Date marshals itself).
  Amounts travel as decimal strings.

VALIDATION:
  Validation is done by recurring.Service, not in DTOs. DTOs are pure data
  carriers; handlers only parse enums and convert anchors.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/finance-engine/recurring"
	"github.com/warp/finance-engine/store/sqlite"
)

// =============================================================================
// RULES
// =============================================================================

// RuleDTO represents a recurring rule in API responses.
type RuleDTO struct {
	ID          string          `json:"id"`
	Kind        recurring.Kind  `json:"kind"`
	CategoryID  int64           `json:"category_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`

	Frequency   recurring.Frequency `json:"frequency"`
	Interval    int                 `json:"interval"`
	DayOfWeek   *int                `json:"day_of_week"`
	DayOfMonth  *int                `json:"day_of_month"`
	MonthOfYear *int                `json:"month_of_year"`
	Schedule    string              `json:"schedule"`
	RRule       string              `json:"rrule,omitempty"`

	StartDate      recurring.Date  `json:"start_date"`
	EndDate        *recurring.Date `json:"end_date"`
	NextOccurrence recurring.Date  `json:"next_occurrence"`
	LastProcessed  *recurring.Date `json:"last_processed"`
	IsActive       bool            `json:"is_active"`

	FailureCount int    `json:"failure_count"`
	LastError    string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRuleRequest is the body of POST /api/recurring.
type CreateRuleRequest struct {
	Kind        string          `json:"kind"`
	CategoryID  int64           `json:"category_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Frequency   string          `json:"frequency"`
	Interval    int             `json:"interval"`
	DayOfWeek   *int            `json:"day_of_week"`
	DayOfMonth  *int            `json:"day_of_month"`
	MonthOfYear *int            `json:"month_of_year"`
	StartDate   recurring.Date  `json:"start_date"`
	EndDate     *recurring.Date `json:"end_date"`
}

// UpdateRuleRequest is the body of PUT /api/recurring/{id}.
// Omitted fields are left unchanged; clear_end_date removes the end bound.
type UpdateRuleRequest struct {
	Kind         *string          `json:"kind"`
	CategoryID   *int64           `json:"category_id"`
	Amount       *decimal.Decimal `json:"amount"`
	Description  *string          `json:"description"`
	Frequency    *string          `json:"frequency"`
	Interval     *int             `json:"interval"`
	DayOfWeek    *int             `json:"day_of_week"`
	DayOfMonth   *int             `json:"day_of_month"`
	MonthOfYear  *int             `json:"month_of_year"`
	StartDate    *recurring.Date  `json:"start_date"`
	EndDate      *recurring.Date  `json:"end_date"`
	ClearEndDate bool             `json:"clear_end_date"`
	IsActive     *bool            `json:"is_active"`
}

// UpcomingItemDTO is one entry of the upcoming preview.
type UpcomingItemDTO struct {
	Rule           RuleDTO        `json:"rule"`
	NextOccurrence recurring.Date `json:"next_occurrence"`
	DaysUntil      int            `json:"days_until"`
}

// PreviewDTO lists the next occurrences of a rule.
type PreviewDTO struct {
	RuleID      string           `json:"rule_id"`
	Occurrences []recurring.Date `json:"occurrences"`
}

// =============================================================================
// PROCESSING
// =============================================================================

// ProcessRunDTO represents a processing pass.
type ProcessRunDTO struct {
	ID          string           `json:"id"`
	Trigger     string           `json:"trigger"`
	AsOf        recurring.Date   `json:"as_of"`
	Status      string           `json:"status"`
	Result      recurring.Result `json:"result"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// CategoryDTO represents an expense or income category.
type CategoryDTO struct {
	ID     int64          `json:"id"`
	Kind   recurring.Kind `json:"kind"`
	Name   string         `json:"name"`
	Shared bool           `json:"shared"`
}

// CreateCategoryRequest is the body of POST /api/categories.
type CreateCategoryRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// LedgerRecordDTO represents an expense or income record.
type LedgerRecordDTO struct {
	ID              string          `json:"id"`
	CategoryID      int64           `json:"category_id"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	Date            recurring.Date  `json:"date"`
	RecurringRuleID string          `json:"recurring_rule_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRuleDTO(r recurring.Rule) RuleDTO {
	dto := RuleDTO{
		ID:             string(r.ID),
		Kind:           r.Kind(),
		Amount:         r.Amount,
		Description:    r.Description,
		Frequency:      r.Schedule.Frequency,
		Interval:       r.Schedule.Interval,
		Schedule:       r.Schedule.String(),
		StartDate:      r.StartDate,
		EndDate:        r.EndDate,
		NextOccurrence: r.NextOccurrence,
		LastProcessed:  r.LastProcessed,
		IsActive:       r.IsActive,
		FailureCount:   r.FailureCount,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Category != nil {
		dto.CategoryID = r.Category.CategoryID()
	}
	if r.Schedule.DayOfWeek != nil {
		v := int(*r.Schedule.DayOfWeek)
		dto.DayOfWeek = &v
	}
	if r.Schedule.DayOfMonth != nil {
		v := *r.Schedule.DayOfMonth
		dto.DayOfMonth = &v
	}
	if r.Schedule.MonthOfYear != nil {
		v := int(*r.Schedule.MonthOfYear)
		dto.MonthOfYear = &v
	}
	// Rendering is best effort; an unexpandable schedule just has no rrule.
	if rr, err := recurring.RRuleString(r); err == nil {
		dto.RRule = rr
	}
	return dto
}

func toRuleDTOs(rules []recurring.Rule) []RuleDTO {
	dtos := make([]RuleDTO, len(rules))
	for i, r := range rules {
		dtos[i] = toRuleDTO(r)
	}
	return dtos
}

func toProcessRunDTO(run sqlite.ProcessRun) ProcessRunDTO {
	if run.Result.Failures == nil {
		run.Result.Failures = []recurring.Failure{}
	}
	return ProcessRunDTO{
		ID:          run.ID,
		Trigger:     run.Trigger,
		AsOf:        run.AsOf,
		Status:      run.Status,
		Result:      run.Result,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
}

func toCategoryDTO(c recurring.Category) CategoryDTO {
	return CategoryDTO{ID: c.ID, Kind: c.Kind, Name: c.Name, Shared: c.UserID == ""}
}

func expenseDTO(e recurring.Expense) LedgerRecordDTO {
	return LedgerRecordDTO{
		ID:              e.ID,
		CategoryID:      int64(e.Category),
		Amount:          e.Amount,
		Description:     e.Description,
		Date:            e.Date,
		RecurringRuleID: string(e.RuleID),
		CreatedAt:       e.CreatedAt,
	}
}

func incomeDTO(in recurring.Income) LedgerRecordDTO {
	return LedgerRecordDTO{
		ID:              in.ID,
		CategoryID:      int64(in.Category),
		Amount:          in.Amount,
		Description:     in.Description,
		Date:            in.Date,
		RecurringRuleID: string(in.RuleID),
		CreatedAt:       in.CreatedAt,
	}
}

// weekday/month converters keep out-of-range values so that the service
// reports them as validation errors instead of silently wrapping.

func weekdayPtr(v *int) *time.Weekday {
	if v == nil {
		return nil
	}
	wd := time.Weekday(*v)
	return &wd
}

func monthPtr(v *int) *time.Month {
	if v == nil {
		return nil
	}
	m := time.Month(*v)
	return &m
}
