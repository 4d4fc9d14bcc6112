// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jurisq/lexharvester/internal/jobs"
	"github.com/jurisq/lexharvester/internal/metrics"
)

// ErrUnknownJob is returned by a RunnerFactory for job names it cannot
// build a runner for.
var ErrUnknownJob = errors.New("unknown job")

// RunnerFactory resolves a job name ("harvest:<section>" or
// "enrich:<stage>") to a runnable closure.
type RunnerFactory interface {
	RunnerFor(name string) (jobs.Runner, error)
}

// Config controls the HTTP server surface.
type Config struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
}

// Server wires HTTP handlers to the job controller.
type Server struct {
	router     chi.Router
	controller *jobs.Controller
	factory    RunnerFactory
	log        *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(controller *jobs.Controller, factory RunnerFactory, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		controller: controller,
		factory:    factory,
		log:        log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(log))
	r.Use(recoverMiddleware(log))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Route("/{job_name}", func(r chi.Router) {
				r.Post("/start", s.startJob)
				r.Get("/progress", s.jobProgress)
				r.Post("/stop", s.stopJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.controller.List()})
}

// startJob launches a run for the named job. Runs outlive the HTTP
// request, so the runner gets a background context; request cancellation
// must not kill a harvest mid-page.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job_name")
	runner, err := s.factory.RunnerFor(name)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "unknown job: "+name)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	runID, err := s.controller.Start(context.Background(), name, runner)
	if err != nil {
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "job already running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "run_id": runID})
}

func (s *Server) jobProgress(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job_name")
	writeJSON(w, http.StatusOK, s.controller.Progress(name))
}

// stopJob requests a cooperative stop. Stopping a job that is not running
// is a no-op: the current state is reported instead of an error.
func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job_name")
	if err := s.controller.Stop(name); err != nil {
		if errors.Is(err, jobs.ErrNotRunning) {
			snap := s.controller.Progress(name)
			writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": string(snap.State)})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": string(jobs.StateStopping)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
