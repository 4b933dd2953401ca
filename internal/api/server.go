package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/config"
	"github.com/JakeFAU/browser-fleet/internal/fleet"
	"github.com/JakeFAU/browser-fleet/internal/metrics"
	"github.com/JakeFAU/browser-fleet/internal/scheduler"
	"github.com/JakeFAU/browser-fleet/internal/storage/local"
)

const defaultRequestTimeout = 60 * time.Second

// Fleet is the service surface the handlers drive.
type Fleet interface {
	Fetch(rawURL string, priority int) (*scheduler.Handle, error)
	Trigger(ctx context.Context, kind string) (*scheduler.Handle, error)
	Result(taskID string) (local.Page, bool)
	Stats() fleet.Stats
}

// TaskLookup finds tasks by id.
type TaskLookup interface {
	Lookup(id string) (*scheduler.Handle, bool)
}

// Server wires HTTP handlers to the fleet and scheduler.
type Server struct {
	router chi.Router
	fleet  Fleet
	tasks  TaskLookup
	ready  func() error
	logger *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness sets the check behind /readyz.
func WithReadiness(check func() error) Option {
	return func(s *Server) {
		if check != nil {
			s.ready = check
		}
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(f Fleet, tasks TaskLookup, cfg config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		fleet:  f,
		tasks:  tasks,
		ready:  func() error { return nil },
		logger: logger.With(zap.String("component", "api")),
	}
	for _, opt := range opts {
		opt(s)
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/fetch", s.submitFetch)
			r.Get("/tasks/{task_id}", s.getTask)
			r.Post("/maintenance/{kind}", s.triggerMaintenance)
			r.Get("/stats", s.stats)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if err := s.ready(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type fetchRequest struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

type taskResponse struct {
	Task scheduler.Info `json:"task"`
	Page *local.Page    `json:"page,omitempty"`
}

func (s *Server) submitFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	h, err := s.fleet.Fetch(req.URL, req.Priority)
	if err != nil {
		s.writeError(w, statusFor(err, http.StatusBadRequest), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": h.ID()})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	h, ok := s.tasks.Lookup(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	resp := taskResponse{Task: h.Info()}
	if page, ok := s.fleet.Result(id); ok {
		resp.Page = &page
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) triggerMaintenance(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	h, err := s.fleet.Trigger(r.Context(), kind)
	if err != nil {
		s.writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": h.ID(), "kind": kind})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.fleet.Stats())
}

func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, fleet.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return fallback
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
