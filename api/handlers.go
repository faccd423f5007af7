/*
handlers.go - HTTP API handlers for the recurring-transaction engine

PURPOSE:
  Exposes rule management, the due-rule processor and the ledger/category
  collaborators via REST API. Handles HTTP request/response and JSON
  serialization, and delegates everything else to recurring.Service and
  recurring.Processor.

ENDPOINTS:
  Rules:
    GET    /api/recurring                    List the caller's rules
    POST   /api/recurring                    Create rule
    GET    /api/recurring/upcoming?days=     Upcoming preview (default 30)
    GET    /api/recurring/{id}               Get rule
    PUT    /api/recurring/{id}               Partial update
    DELETE /api/recurring/{id}               Delete rule (ledger records stay)
    POST   /api/recurring/{id}/toggle        Pause / resume
    GET    /api/recurring/{id}/preview?count= Next occurrences

  Processing:
    POST   /api/recurring/process            Run the due-rule pass now
    GET    /api/recurring/runs               Process-run audit

  Collaborators:
    GET    /api/categories?kind=             Shared + own categories
    POST   /api/categories                   Create own category
    GET    /api/expenses, /api/incomes       Ledger records, newest first

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access (also the Service's and Processor's store)
  - Service: Rule lifecycle and validation
  - Processor: Due-rule materialization
  - Today: Calendar "today" in the configured time zone

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing X-User-ID
  - 404: Rule/category not found or not owned by the caller
  - 409: Conflict (already processed, duplicate category)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Cron-driven processing
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/finance-engine/recurring"
	"github.com/warp/finance-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Service   *recurring.Service
	Processor *recurring.Processor

	// Today returns the calendar date used for seeding and processing.
	Today func() recurring.Date

	mu              sync.Mutex
	currentScenario map[recurring.UserID]string
}

// NewHandler creates a handler whose service and processor share store.
// Dates are taken in loc.
func NewHandler(store *sqlite.Store, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		Store:     store,
		Service:   &recurring.Service{Store: store, Categories: store},
		Processor: &recurring.Processor{Store: store},
		Today:     func() recurring.Date { return recurring.TodayIn(loc) },
	}
}

func (h *Handler) today() recurring.Date {
	if h.Today == nil {
		return recurring.TodayIn(time.UTC)
	}
	return h.Today()
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "today": h.today().String()})
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns the caller's rules ordered by next occurrence.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Service.List(r.Context(), userFrom(r.Context()))
	if err != nil {
		respondError(w, "Failed to list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTOs(rules))
}

// CreateRule validates and stores a new rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	kind, err := recurring.ParseKind(req.Kind)
	if err != nil {
		respondError(w, "Invalid rule", err)
		return
	}
	freq, err := recurring.ParseFrequency(req.Frequency)
	if err != nil {
		respondError(w, "Invalid rule", err)
		return
	}

	in := recurring.RuleInput{
		Kind:        kind,
		CategoryID:  req.CategoryID,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		Frequency:   freq,
		Interval:    req.Interval,
		DayOfWeek:   weekdayPtr(req.DayOfWeek),
		DayOfMonth:  req.DayOfMonth,
		MonthOfYear: monthPtr(req.MonthOfYear),
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
	}

	rule, err := h.Service.Create(r.Context(), userFrom(r.Context()), in, h.today())
	if err != nil {
		respondError(w, "Failed to create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(*rule))
}

// GetRule returns one rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Service.Get(r.Context(), userFrom(r.Context()), ruleIDParam(r))
	if err != nil {
		respondError(w, "Failed to get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(*rule))
}

// UpdateRule applies a partial update.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := recurring.RulePatch{
		CategoryID:   req.CategoryID,
		Amount:       req.Amount,
		Interval:     req.Interval,
		DayOfWeek:    weekdayPtr(req.DayOfWeek),
		DayOfMonth:   req.DayOfMonth,
		MonthOfYear:  monthPtr(req.MonthOfYear),
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		ClearEndDate: req.ClearEndDate,
		IsActive:     req.IsActive,
	}
	if req.Description != nil {
		desc := strings.TrimSpace(*req.Description)
		patch.Description = &desc
	}
	if req.Kind != nil {
		kind, err := recurring.ParseKind(*req.Kind)
		if err != nil {
			respondError(w, "Invalid rule", err)
			return
		}
		patch.Kind = &kind
	}
	if req.Frequency != nil {
		freq, err := recurring.ParseFrequency(*req.Frequency)
		if err != nil {
			respondError(w, "Invalid rule", err)
			return
		}
		patch.Frequency = &freq
	}

	rule, err := h.Service.Update(r.Context(), userFrom(r.Context()), ruleIDParam(r), patch, h.today())
	if err != nil {
		respondError(w, "Failed to update rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(*rule))
}

// DeleteRule removes a rule. Materialized records are kept.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Delete(r.Context(), userFrom(r.Context()), ruleIDParam(r)); err != nil {
		respondError(w, "Failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleRule flips is_active.
func (h *Handler) ToggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Service.Toggle(r.Context(), userFrom(r.Context()), ruleIDParam(r))
	if err != nil {
		respondError(w, "Failed to toggle rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(*rule))
}

// defaultPreviewCount is used when ?count= is omitted.
const defaultPreviewCount = 12

// PreviewRule lists the next occurrences of a rule.
func (h *Handler) PreviewRule(w http.ResponseWriter, r *http.Request) {
	count, err := intQuery(r, "count", defaultPreviewCount)
	if err != nil {
		respondError(w, "Invalid count", err)
		return
	}

	id := ruleIDParam(r)
	dates, err := h.Service.Preview(r.Context(), userFrom(r.Context()), id, count)
	if err != nil {
		respondError(w, "Failed to preview rule", err)
		return
	}
	if dates == nil {
		dates = []recurring.Date{}
	}
	writeJSON(w, http.StatusOK, PreviewDTO{RuleID: string(id), Occurrences: dates})
}

// Upcoming lists active rules due within ?days= (default 30).
func (h *Handler) Upcoming(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", recurring.DefaultHorizonDays)
	if err != nil {
		respondError(w, "Invalid days", err)
		return
	}

	items, err := h.Service.Upcoming(r.Context(), userFrom(r.Context()), days, h.today())
	if err != nil {
		respondError(w, "Failed to list upcoming rules", err)
		return
	}

	dtos := make([]UpcomingItemDTO, len(items))
	for i, it := range items {
		dtos[i] = UpcomingItemDTO{
			Rule:           toRuleDTO(it.Rule),
			NextOccurrence: it.Rule.NextOccurrence,
			DaysUntil:      it.DaysUntil,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PROCESSING
// =============================================================================

// ProcessDue runs the due-rule pass immediately.
func (h *Handler) ProcessDue(w http.ResponseWriter, r *http.Request) {
	run, err := h.RunProcess(r.Context(), "manual")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Processing failed", err)
		return
	}
	owned, err := h.ownedRuleIDs(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to scope process run", err)
		return
	}
	writeJSON(w, http.StatusOK, toProcessRunDTO(scopeFailures(run, owned)))
}

// RunProcess executes one pass as of today and records it in process_runs.
// The error is non-nil only when the pass could not run at all.
func (h *Handler) RunProcess(ctx context.Context, trigger string) (sqlite.ProcessRun, error) {
	run := sqlite.ProcessRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		AsOf:      h.today(),
		Status:    "running",
		StartedAt: time.Now(),
	}
	if err := h.Store.SaveProcessRun(ctx, run); err != nil {
		return run, err
	}

	result, err := h.Processor.ProcessDue(ctx, run.AsOf)
	completed := time.Now()
	run.CompletedAt = &completed
	run.Result = result
	run.Status = "completed"
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
	}

	// The outcome is recorded even if the caller went away.
	if saveErr := h.Store.SaveProcessRun(context.WithoutCancel(ctx), run); saveErr != nil {
		log.Printf("[Processor] Failed to record run %s: %v", run.ID, saveErr)
	}
	return run, err
}

// ListProcessRuns returns recent processing passes.
func (h *Handler) ListProcessRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		respondError(w, "Invalid limit", err)
		return
	}

	runs, err := h.Store.ListProcessRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get process runs", err)
		return
	}
	owned, err := h.ownedRuleIDs(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get process runs", err)
		return
	}

	dtos := make([]ProcessRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toProcessRunDTO(scopeFailures(run, owned))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// ownedRuleIDs returns the ids of the caller's rules.
func (h *Handler) ownedRuleIDs(ctx context.Context, userID recurring.UserID) (map[recurring.RuleID]bool, error) {
	rules, err := h.Service.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	owned := make(map[recurring.RuleID]bool, len(rules))
	for _, rule := range rules {
		owned[rule.ID] = true
	}
	return owned, nil
}

// scopeFailures drops failures of rules the caller doesn't own. Passes are
// global, so the counters stay as recorded.
func scopeFailures(run sqlite.ProcessRun, owned map[recurring.RuleID]bool) sqlite.ProcessRun {
	failures := []recurring.Failure{}
	for _, f := range run.Result.Failures {
		if owned[f.RuleID] {
			failures = append(failures, f)
		}
	}
	run.Result.Failures = failures
	return run
}

// =============================================================================
// CATEGORY & LEDGER HANDLERS
// =============================================================================

// ListCategories returns shared and own categories, optionally filtered by ?kind=.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kinds := []recurring.Kind{recurring.KindExpense, recurring.KindIncome}
	if q := r.URL.Query().Get("kind"); q != "" {
		kind, err := recurring.ParseKind(q)
		if err != nil {
			respondError(w, "Invalid kind", err)
			return
		}
		kinds = []recurring.Kind{kind}
	}

	dtos := []CategoryDTO{}
	for _, kind := range kinds {
		cats, err := h.Store.ListCategories(ctx, kind, userFrom(ctx))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list categories", err)
			return
		}
		for _, c := range cats {
			dtos = append(dtos, toCategoryDTO(c))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCategory adds a category owned by the caller.
func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req CreateCategoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	kind, err := recurring.ParseKind(req.Kind)
	if err != nil {
		respondError(w, "Invalid category", err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondError(w, "Invalid category", &recurring.ValidationError{Field: "name", Message: "is required"})
		return
	}

	c, err := h.Store.CreateCategory(r.Context(), recurring.Category{Kind: kind, UserID: userFrom(r.Context()), Name: name})
	if err != nil {
		respondError(w, "Failed to create category", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCategoryDTO(c))
}

// ListExpenses returns the caller's expense records.
func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := h.Store.ListExpenses(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list expenses", err)
		return
	}
	dtos := make([]LedgerRecordDTO, len(expenses))
	for i, e := range expenses {
		dtos[i] = expenseDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListIncomes returns the caller's income records.
func (h *Handler) ListIncomes(w http.ResponseWriter, r *http.Request) {
	incomes, err := h.Store.ListIncomes(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list incomes", err)
		return
	}
	dtos := make([]LedgerRecordDTO, len(incomes))
	for i, in := range incomes {
		dtos[i] = incomeDTO(in)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// respondError maps domain errors to status codes.
func respondError(w http.ResponseWriter, message string, err error) {
	var ve *recurring.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   message,
			Code:    "validation_error",
			Details: map[string]string{"field": ve.Field, "message": ve.Message},
		})
	case recurring.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "validation_error", Details: err.Error()})
	case recurring.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "not_found", Details: err.Error()})
	case recurring.IsAlreadyProcessed(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "already_processed", Details: err.Error()})
	case errors.Is(err, sqlite.ErrDuplicateCategory):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "duplicate", Details: err.Error()})
	default:
		log.Printf("[Server] %s: %v", message, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: message, Code: "internal"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func ruleIDParam(r *http.Request) recurring.RuleID {
	return recurring.RuleID(chi.URLParam(r, "id"))
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &recurring.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}
