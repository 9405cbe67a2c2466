/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the billing UI

ROUTE GROUPS:
  /api/documents/*                           Invoice intake
  /api/lines/{customer}/{invoice}/{line}/*   Line snapshot, ledger, commands
  /api/sweeps/*                              Batch operations
  /api/scenarios/*                           Demo scenarios
  /api/reset                                 Database reset (dev only)
  /healthz                                   Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the billing gateway.

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

type RouterOptions struct {
	AllowedOrigins []string
	// EnableReset mounts /api/reset and the scenario loaders.
	EnableReset bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Post("/", h.CreateDocument)
		})

		r.Route("/lines/{customer}/{invoice}/{line}", func(r chi.Router) {
			r.Get("/", h.GetLine)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/recalculate", h.Recalculate)
			r.Post("/payments", h.PostPayment)
			r.Post("/advance", h.AdvanceSubmission)
			r.Post("/payee", h.ChangePayee)
			r.Post("/submissions", h.RecordSubmission)
			r.Post("/submissions/void", h.VoidSubmission)
		})

		r.Route("/sweeps", func(r chi.Router) {
			r.Post("/pending-submissions", h.SweepPendingSubmissions)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			if opts.EnableReset {
				r.Post("/load", h.LoadScenario)
			}
		})

		if opts.EnableReset {
			r.Post("/reset", h.ResetDatabase)
		}
	})

	return r
}
