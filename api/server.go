/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request for tracing
  2. Logger:      Request logging
  3. Recoverer:   Panic recovery (500 instead of crash)
  4. CORS:        Cross-origin requests for a frontend
  5. RequireUser: X-User-ID header -> acting user (API routes only)

ROUTE GROUPS:
  /health               Liveness (no user required)
  /api/recurring/*      Rule management and processing
  /api/categories       Category collaborator
  /api/expenses         Expense ledger (read)
  /api/incomes          Income ledger (read)
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  Authentication is an upstream collaborator. This service trusts the
  X-User-ID header set by the gateway in front of it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/finance-engine/recurring"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
// allowedOrigins falls back to the local dev origins when empty.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireUser)

		// Recurring rules
		r.Route("/recurring", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/upcoming", h.Upcoming)
			r.Post("/process", h.ProcessDue)
			r.Get("/runs", h.ListProcessRuns)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
			r.Post("/{id}/toggle", h.ToggleRule)
			r.Get("/{id}/preview", h.PreviewRule)
		})

		// Collaborators
		r.Get("/categories", h.ListCategories)
		r.Post("/categories", h.CreateCategory)
		r.Get("/expenses", h.ListExpenses)
		r.Get("/incomes", h.ListIncomes)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// =============================================================================
// AUTHENTICATION COLLABORATOR
// =============================================================================

type userKey struct{}

// RequireUser rejects requests without a user id with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error: "Missing " + UserHeader + " header",
				Code:  "unauthorized",
			})
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, recurring.UserID(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(ctx context.Context) recurring.UserID {
	id, _ := ctx.Value(userKey{}).(recurring.UserID)
	return id
}
