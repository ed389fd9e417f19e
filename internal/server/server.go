// Package server exposes the engine over HTTP: mission control, the
// proposal queue, executions, artifacts, telemetry and the SSE feed,
// all under the /api/pulz prefix.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pulz/internal/broadcast"
	"pulz/internal/config"
	"pulz/internal/execution"
	"pulz/internal/logging"
	"pulz/internal/mission"
	"pulz/internal/proposal"
	"pulz/internal/store"
	"pulz/internal/telemetry"
	"pulz/internal/types"
)

// VerifyFunc authenticates one request. It is only consulted when auth
// is enabled in the configuration.
type VerifyFunc func(r *http.Request) bool

// Server holds the handler dependencies.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	engine    *mission.Engine
	proposals *proposal.Service
	mgr       *execution.Manager
	rec       *telemetry.Recorder
	bus       *broadcast.Bus
	verify    VerifyFunc
}

// New wires a Server. verify may be nil; with auth enabled and no
// verifier every request is rejected.
func New(cfg *config.Config, s *store.Store, eng *mission.Engine, svc *proposal.Service, mgr *execution.Manager, rec *telemetry.Recorder, bus *broadcast.Bus, verify VerifyFunc) *Server {
	return &Server{
		cfg:       cfg,
		store:     s,
		engine:    eng,
		proposals: svc,
		mgr:       mgr,
		rec:       rec,
		bus:       bus,
		verify:    verify,
	}
}

// Router builds the chi router for the full API surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(s.requestLog)

	r.Route("/api/pulz", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/status", s.handleStatus)
		r.Post("/mission/start", s.handleMissionStart)
		r.Post("/mission/stop", s.handleMissionStop)
		r.Get("/feed", s.handleFeed)

		r.Get("/queue", s.handleQueue)
		r.Get("/proposals", s.handleProposals)
		r.Post("/queue/{id}/approve", s.handleApprove)
		r.Post("/queue/{id}/reject", s.handleReject)
		r.Post("/proposals/{id}/execute", s.handleExecute)

		r.Get("/executions", s.handleExecutions)
		r.Get("/executions/{id}", s.handleExecution)
		r.Post("/executions/{id}/cancel", s.handleExecutionCancel)

		r.Get("/telemetry/summary", s.handleTelemetrySummary)
		r.Get("/missions/{id}/authority", s.handleAuthorityGet)
		r.Post("/missions/{id}/authority", s.handleAuthoritySet)

		r.Get("/artifacts", s.handleArtifacts)
		r.Get("/artifacts/{id}", s.handleArtifact)
	})
	return r
}

// requireAuth rejects unverified requests when auth is enabled.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth {
			if s.verify == nil || !s.verify(r) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requestLog mirrors each request into the api log category.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.API("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryAPI).Warn("Response encode failed: %v", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logging.Get(logging.CategoryAPI).Error("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody parses an optional JSON request body into v. An empty body
// leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", types.ErrInvalid, err)
	}
	return nil
}
