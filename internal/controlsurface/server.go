// Package controlsurface is the Control Surface (spec §4.9/§6): the
// synchronous request/response boundary external clients use to submit,
// cancel, and query tasks, and to administer the running engine. Built on
// go-chi/chi/v5, replacing the teacher's bare http.ServeMux in main.go —
// the way the rest of the example pack's chi-based services route.
package controlsurface

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/swarmguard/controlplane/internal/bus"
	"github.com/swarmguard/controlplane/internal/capability"
	"github.com/swarmguard/controlplane/internal/config"
	"github.com/swarmguard/controlplane/internal/dispatch"
	"github.com/swarmguard/controlplane/internal/platform/resilience"
	"github.com/swarmguard/controlplane/internal/statestore"
	"github.com/swarmguard/controlplane/internal/task"
	"github.com/swarmguard/controlplane/internal/workerregistry"
)

// Server is the Control Surface's HTTP binding. It owns no task state of
// its own — every operation reads or writes through the Dispatch Engine,
// the State Store, the Bus Adapter, or the Worker Registry.
type Server struct {
	cfg       *config.Config
	engine    *dispatch.Engine
	store     statestore.Store
	busA      bus.Adapter
	workers   *workerregistry.Registry
	taskTopic string
	cmdTopic  string
	limiter   *resilience.RateLimiter
	log       *slog.Logger

	router chi.Router
}

// New wires a Server. Submit admission is shed by limiter before a task
// ever reaches the Dispatch Engine's own priority waiting list — a
// distinct, earlier gate than that list's internal ordering.
func New(cfg *config.Config, engine *dispatch.Engine, store statestore.Store, busA bus.Adapter, workers *workerregistry.Registry, taskTopic, cmdTopic string, limiter *resilience.RateLimiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		store:     store,
		busA:      busA,
		workers:   workers,
		taskTopic: taskTopic,
		cmdTopic:  cmdTopic,
		limiter:   limiter,
		log:       log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// WithMetricsHandler mounts the OpenTelemetry Prometheus scrape handler
// (internal/platform/otelinit) at /metrics, alongside the method set of
// spec §6 rather than replacing GetMetrics — GetMetrics answers the
// synchronous RPC shape, /metrics answers a scraper.
func (s *Server) WithMetricsHandler(h http.Handler) {
	s.router.Handle("/metrics", h)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/v1/tasks", s.handleSubmit)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancel)
	r.Get("/v1/tasks/{id}", s.handleGetTaskStatus)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Post("/v1/control/pause", s.handlePause)
	r.Post("/v1/control/resume", s.handleResume)
	r.Get("/v1/system/status", s.handleGetSystemStatus)
	r.Post("/v1/config", s.handleUpdateConfig)
	r.Get("/v1/metrics", s.handleGetMetrics)
	r.Get("/v1/logs", s.handleGetLogs)
	r.Get("/v1/health", s.handleCheckHealth)
	r.Get("/v1/server-details", s.handleGetServerDetails)
	r.Get("/v1/workers", s.handleDiscoverWorkers)
	r.Get("/v1/discover-servers", s.handleDiscoverServers)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func newID() string { return uuid.NewString() }
