// Package api exposes the HTTP interface for a running crawl: health,
// Prometheus metrics, and a status snapshot that makes long quota waits
// visible from outside the process.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datalab-tools/tiktok-research-crawler/internal/crawler"
	"github.com/datalab-tools/tiktok-research-crawler/internal/metrics"
)

// StatusProvider surfaces a point-in-time snapshot of the current run.
type StatusProvider interface {
	Status() crawler.Status
}

// RequestCounter reports physical request totals for quota accounting.
type RequestCounter interface {
	RequestsSent() int64
	ExpectedRemainingQuota() int64
}

// Server wires HTTP handlers to the running orchestrator.
type Server struct {
	router   chi.Router
	statuses StatusProvider
	requests RequestCounter
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. requests may be
// nil when no client is attached.
func NewServer(statuses StatusProvider, requests RequestCounter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		statuses: statuses,
		requests: requests,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse augments the run snapshot with quota accounting.
type statusResponse struct {
	crawler.Status
	RequestsSentToday      int64 `json:"requests_sent_today,omitempty"`
	ExpectedRemainingQuota int64 `json:"expected_remaining_quota,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: s.statuses.Status()}
	if s.requests != nil {
		resp.RequestsSentToday = s.requests.RequestsSent()
		resp.ExpectedRemainingQuota = s.requests.ExpectedRemainingQuota()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
