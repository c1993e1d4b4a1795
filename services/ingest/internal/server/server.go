package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"videochat/internal/util"
	"videochat/pkg/queue"
)

// JobReader looks up ingest job state.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
}

// Checker reports whether the worker's dependencies are reachable.
type Checker interface {
	Ready(ctx context.Context) error
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Jobs  JobReader
	Ready Checker
}

// Server exposes health and job diagnostics for the ingest worker.
type Server struct {
	jobs  JobReader
	ready Checker
	mux   *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		jobs:  cfg.Jobs,
		ready: cfg.Ready,
		mux:   http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("ingest", util.WithSecurityHeaders(nil, s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("GET /ingest/jobs/{id}", s.handleJobByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready.Ready(ctx); err != nil {
			util.LoggerFromContext(r.Context()).Warn("readiness_check_failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "dependencies unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.NotFound(w, r)
		return
	}
	job, ok, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("job_lookup_failed", "job_id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
