/*
server.go - Routes of the compliance API

PURPOSE:
  Maps URLs onto Handler methods and builds the middleware chain in front
  of them. Report ids, group uuids, transfer ids and organization ids are
  chi URL params read by the handlers; the summary spreadsheet sits beside
  the JSON summary so both share one report subtree.

MIDDLEWARE, OUTERMOST FIRST:
  RequestID, Logger, Recoverer, CORS for the configured origins, then the
  bearer JWT check on /api only. /metrics and /health skip authentication.

ROUTE GROUPS:
  /api/reports/*        Compliance reports
  /api/groups/*         New versions of a report group
  /api/transfers/*      Unit transfers
  /api/adjustments      Government issuances
  /api/organizations/*  Organizations and balances
  /api/messages         In-app inbox
  /api/subscriptions    Notification subscriptions
  /api/reference        Reference data
  /api/admin/*          Admin operations
  /metrics              Prometheus scrape endpoint (no auth)
  /health               Liveness (no auth)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the pieces the router needs besides the handler.
type RouterOptions struct {
	Tokens         *TokenService
	Metrics        http.Handler
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Tokens.Authenticate)

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Get("/", h.ListReports)
			r.Post("/", h.CreateReport)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetReport)
				r.Get("/items/{collection}", h.ListLineItems)
				r.Post("/items/{collection}", h.UpdateLineItems)
				r.Get("/summary", h.GetSummary)
				r.Put("/summary/{field}", h.OverrideSummaryLine)
				r.Get("/summary.xlsx", h.ExportSummary)
				r.Put("/snapshot", h.UpdateSnapshot)
				r.Get("/history", h.GetHistory)
				r.Post("/transitions", h.Transition)
			})
		})

		// Group routes
		r.Route("/groups/{uuid}", func(r chi.Router) {
			r.Post("/supplemental", h.OpenSupplemental)
			r.Post("/reassessment", h.OpenReassessment)
		})

		// Transfer routes
		r.Route("/transfers", func(r chi.Router) {
			r.Get("/", h.ListTransfers)
			r.Post("/", h.CreateTransfer)
			r.Get("/{id}", h.GetTransfer)
			r.Post("/{id}/{action}", h.ActOnTransfer)
		})

		// Adjustment routes
		r.Route("/adjustments", func(r chi.Router) {
			r.Get("/", h.ListAdjustments)
			r.Post("/", h.IssueAdjustment)
		})

		// Organization routes
		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", h.ListOrganizations)
			r.Post("/", h.CreateOrganization)
			r.Get("/{id}/balance", h.GetBalance)
		})

		r.Get("/messages", h.ListMessages)
		r.Post("/subscriptions", h.Subscribe)
		r.Get("/reference", h.GetReference)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reference/invalidate", h.InvalidateReference)
		})
	})

	return r
}
