// Package api is the internal HTTP boundary: health checks, metrics, event
// publishing, dead-letter replay and task imports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/ingest"
	"go-eventflow/internal/kafka"
	"go-eventflow/internal/observability"
)

const maxBodyBytes = 10 << 20

// Readiness reports whether the broker connection is usable.
type Readiness interface {
	Connected() bool
}

// JobEnqueuer hands work to the background job queue.
type JobEnqueuer interface {
	AddJob(ctx context.Context, jobType string, payload any) (kafka.Job, error)
}

type Config struct {
	// Publisher enables the /internal routes.
	Publisher broker.Publisher
	Readiness Readiness
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Importer runs imports inline when Jobs is nil.
	Importer *ingest.TaskImporter
	Jobs     JobEnqueuer
}

type Server struct {
	cfg    Config
	logger *logrus.Entry
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg, logger: observability.Component("api")}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/readyz", s.ready)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	if s.cfg.Publisher == nil {
		return r
	}
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json", "text/csv"))
		r.Post("/events", s.publishEvent)
		r.Post("/events/replay", s.replay)
		r.Post("/jobs/import-tasks", s.importTasks)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Request served")
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Readiness == nil || !s.cfg.Readiness.Connected() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker not connected"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps publish failures onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrUnknownSubject):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
