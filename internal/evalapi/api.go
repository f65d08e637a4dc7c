// Package evalapi implements the REST API serving flag evaluations from the
// current rule snapshot.
package evalapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rafaeljc/verdict/internal/cache"
	"github.com/rafaeljc/verdict/internal/ruleengine"
	"github.com/rafaeljc/verdict/internal/validation"
)

// SnapshotSource returns the snapshot to evaluate against, or nil while
// none is loaded.
type SnapshotSource interface {
	Load() *ruleengine.Snapshot
}

// Options bounds request sizes.
type Options struct {
	// MaxBodyBytes caps the decoded request body.
	MaxBodyBytes int64
	// MaxBatchCells caps flags x environments in one batch request.
	MaxBatchCells int
}

// API is the main struct that holds dependencies and the router for the
// evaluation API.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	logger    *slog.Logger
	engine    *ruleengine.Engine
	snapshots SnapshotSource

	// results memoizes deterministic evaluations. Nil disables memoization.
	results *cache.ResultCache

	opts Options
}

// NewAPI creates a new API instance. results may be nil.
func NewAPI(logger *slog.Logger, engine *ruleengine.Engine, snapshots SnapshotSource, results *cache.ResultCache, opts Options) *API {
	if logger == nil {
		logger = slog.Default()
	}
	validation.MustNotBeNil("evalapi", "engine", engine)
	validation.MustNotBeNil("evalapi", "snapshot source", snapshots)
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.MaxBatchCells <= 0 {
		opts.MaxBatchCells = 1000
	}

	api := &API{
		Router:    chi.NewRouter(),
		logger:    logger,
		engine:    engine,
		snapshots: snapshots,
		results:   results,
		opts:      opts,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	// 1. Global Middleware Stack
	a.Router.Use(RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger(a.logger))
	a.Router.Use(Metrics)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// 2. Public Routes
	a.Router.Get("/health", a.handleHealthCheck)

	// 3. API V1 Routes
	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Post("/evaluate", a.handleEvaluate)
		r.Post("/evaluate/batch", a.handleEvaluateBatch)
		r.Get("/snapshot", a.handleGetSnapshot)
		r.Post("/variants/redistribute", a.handleRedistribute)
	})
}

// ServeHTTP makes the API usable as an http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Router.ServeHTTP(w, r)
}

// handleHealthCheck reports HTTP serving capability and the snapshot in use.
// Readiness with dependency checks lives on the observability server.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if snap := a.snapshots.Load(); snap != nil {
		resp.SnapshotVersion = snap.Version
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}
