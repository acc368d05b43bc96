package api

import (
	"net/http"

	mw "github.com/cai265891-design/Signalidea/internal/api/middleware"
	"github.com/cai265891-design/Signalidea/internal/api/response"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	CallbackHandler http.HandlerFunc

	StartHandler        http.HandlerFunc
	StatusHandler       http.HandlerFunc
	RetryHandler        http.HandlerFunc
	TaskProgressHandler http.HandlerFunc
	MatrixTrigger       http.HandlerFunc
	AnalyzeHandler      http.HandlerFunc
	DiscoveryHandler    http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
	WorkflowsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// The workflow engine authenticates callbacks with the shared secret.
	r.Post("/api/v1/pipeline/callback", orNotImplemented(deps.CallbackHandler))
	r.Post("/api/v1/n8n/callback", orNotImplemented(deps.CallbackHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/pipeline/start", orNotImplemented(deps.StartHandler))
		r.Get("/api/v1/pipeline/status/{jobID}", orNotImplemented(deps.StatusHandler))
		r.Post("/api/v1/pipeline/tasks/{taskID}/retry", orNotImplemented(deps.RetryHandler))

		r.Get("/api/v1/task-progress", orNotImplemented(deps.TaskProgressHandler))
		r.Post("/api/v1/matrix-forge-trigger", orNotImplemented(deps.MatrixTrigger))

		r.Post("/api/v1/n8n/analyze", orNotImplemented(deps.AnalyzeHandler))
		r.Post("/api/v1/n8n/competitor-discovery", orNotImplemented(deps.DiscoveryHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
			r.Get("/api/v1/admin/workflows", orNotImplemented(deps.WorkflowsHandler))
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
