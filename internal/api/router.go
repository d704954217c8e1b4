package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/rameshkrishnan/finflow/internal/api/middleware"
	"github.com/rameshkrishnan/finflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler        http.HandlerFunc
	AnalyzeHandler       http.HandlerFunc
	GetJobHandler        http.HandlerFunc
	GetReportHandler     http.HandlerFunc
	ListMessagesHandler  http.HandlerFunc
	ListEventsHandler    http.HandlerFunc
	StreamEventsHandler  http.HandlerFunc
	SessionStatusHandler http.HandlerFunc
	ListReportsHandler   http.HandlerFunc
	CreateKeyHandler     http.HandlerFunc
	ListKeysHandler      http.HandlerFunc
	RevokeKeyHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/sessions/{sessionID}/analyze", orNotImplemented(deps.AnalyzeHandler))
		r.Get("/api/v1/sessions/{sessionID}/messages", orNotImplemented(deps.ListMessagesHandler))
		r.Get("/api/v1/sessions/{sessionID}/events", orNotImplemented(deps.ListEventsHandler))
		r.Get("/api/v1/sessions/{sessionID}/stream", orNotImplemented(deps.StreamEventsHandler))
		r.Get("/api/v1/sessions/{sessionID}/status", orNotImplemented(deps.SessionStatusHandler))
		r.Get("/api/v1/sessions/{sessionID}/reports", orNotImplemented(deps.ListReportsHandler))

		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Get("/api/v1/jobs/{jobID}/report", orNotImplemented(deps.GetReportHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
