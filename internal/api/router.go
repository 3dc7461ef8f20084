package api

import (
	"net/http"

	"github.com/pullbox/backend/internal/auth"
	apperrors "github.com/pullbox/backend/internal/errors"
	"github.com/pullbox/backend/internal/health"
	"github.com/pullbox/backend/internal/metrics"
	"github.com/pullbox/backend/internal/websocket"
)

// Router wires the HTTP surface: auth, job management, asset URLs, health
// probes, metrics, and the WebSocket event stream.
type Router struct {
	mux          *http.ServeMux
	authHandlers *auth.Handlers
	authService  *auth.Service
	jobHandlers  *JobHandlers
	wsHandler    *websocket.Handler
	healthH      *health.Handler
	metrics      *metrics.Metrics
}

func NewRouter(
	authHandlers *auth.Handlers,
	authService *auth.Service,
	jobHandlers *JobHandlers,
	wsHandler *websocket.Handler,
	healthH *health.Handler,
	m *metrics.Metrics,
) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		authHandlers: authHandlers,
		authService:  authService,
		jobHandlers:  jobHandlers,
		wsHandler:    wsHandler,
		healthH:      healthH,
		metrics:      m,
	}
	r.setupRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) setupRoutes() {
	// Health and metrics
	r.mux.HandleFunc("GET /health", r.healthH.HealthHandler)
	r.mux.HandleFunc("GET /health/live", r.healthH.LivenessHandler)
	r.mux.HandleFunc("GET /health/ready", r.healthH.ReadinessHandler)
	r.mux.HandleFunc("GET /metrics", r.metrics.Handler())

	// Auth routes (no auth required)
	r.mux.HandleFunc("POST /api/v1/auth/register", apperrors.HandleFunc(r.authHandlers.Register))
	r.mux.HandleFunc("POST /api/v1/auth/login", apperrors.HandleFunc(r.authHandlers.Login))

	// Job routes (auth required)
	r.mux.HandleFunc("POST /api/v1/jobs", r.withAuth(r.jobHandlers.CreateJob))
	r.mux.HandleFunc("GET /api/v1/jobs", r.withAuth(r.jobHandlers.ListJobs))
	r.mux.HandleFunc("GET /api/v1/jobs/{job_id}", r.withAuth(r.jobHandlers.GetJob))
	r.mux.HandleFunc("POST /api/v1/jobs/{job_id}/cancel", r.withAuth(r.jobHandlers.CancelJob))
	r.mux.HandleFunc("POST /api/v1/items/{item_id}/retry", r.withAuth(r.jobHandlers.RetryItem))
	r.mux.HandleFunc("GET /api/v1/items/{item_id}/asset", r.withAuth(r.jobHandlers.GetItemAsset))

	// Event stream (token auth via query parameter)
	if r.wsHandler != nil {
		r.mux.HandleFunc("GET /ws", r.wsHandler.ServeWS)
	}
}

func (r *Router) withAuth(h apperrors.Handler) http.HandlerFunc {
	middleware := auth.Middleware(r.authService)
	next := apperrors.HandleFunc(h)
	return func(w http.ResponseWriter, req *http.Request) {
		middleware(next).ServeHTTP(w, req)
	}
}
