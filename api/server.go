/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request count and latency per route
  5. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /healthz              Liveness and database ping (no principal)
  /metrics              Prometheus scrape endpoint (no principal)
  /api/tasks/*          Tasks, cycles and ledger
  /api/reports/*        Visit report
  /api/scenarios/*      Demo scenarios

  Everything under /api requires the principal headers (see auth.go).

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderSubjectID, HeaderEmail, HeaderRole},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequirePrincipal)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.ListTasks)
			r.Post("/", h.CreateTask)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Put("/", h.UpdateTask)
				r.Delete("/", h.DeleteTask)
				r.Post("/pause", h.PauseTask)
				r.Post("/resume", h.ResumeTask)

				// Cycle routes
				r.Post("/complete", h.CompleteCycle)
				r.Post("/reopen", h.ReopenCycle)

				// Ledger routes
				r.Get("/completions", h.ListCompletions)
				r.Post("/completions/bulk", h.BulkSetCompletion)
				r.Get("/completion-rate", h.CompletionRate)
			})
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/visits", h.VisitReport)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
