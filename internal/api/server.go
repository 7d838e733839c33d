// Package api exposes the operational HTTP interface for the harvester.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/breaker"
	"github.com/harvestd/listing-harvester/internal/metrics"
	"github.com/harvestd/listing-harvester/internal/middleware"
	"github.com/harvestd/listing-harvester/internal/proxypool"
)

// circuitReader exposes the breaker state for the status endpoint.
type circuitReader interface {
	Snapshot() []breaker.Status
}

// proxyAdmin exposes pool introspection and hot reload.
type proxyAdmin interface {
	Stats() proxypool.Stats
	Endpoints() []proxypool.Endpoint
	Reload(candidates []proxypool.Endpoint)
}

// Config controls the API server surface.
type Config struct {
	// RateLimitMode is reported verbatim in /v1/status.
	RateLimitMode string
	// RequestTimeout bounds each request (default 60s).
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the pipeline's resilience components.
type Server struct {
	router  chi.Router
	circuit circuitReader
	proxies proxyAdmin
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(circuit circuitReader, proxies proxyAdmin, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		circuit: circuit,
		proxies: proxies,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", s.listProxies)
			r.Post("/reload", s.reloadProxies)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.proxies != nil && s.proxies.Stats().Active == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": "no active proxy endpoints",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	RateLimitMode string           `json:"rate_limit_mode"`
	Pool          proxypool.Stats  `json:"pool"`
	Circuits      []breaker.Status `json:"circuits"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{RateLimitMode: s.cfg.RateLimitMode}
	if s.proxies != nil {
		resp.Pool = s.proxies.Stats()
	}
	if s.circuit != nil {
		resp.Circuits = s.circuit.Snapshot()
	}
	if resp.Circuits == nil {
		resp.Circuits = []breaker.Status{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	if s.proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy pool not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": s.proxies.Endpoints()})
}

type reloadRequest struct {
	Endpoints []struct {
		Address  string `json:"address"`
		Protocol string `json:"protocol"`
	} `json:"endpoints"`
}

func (s *Server) reloadProxies(w http.ResponseWriter, r *http.Request) {
	if s.proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy pool not configured")
		return
	}
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Endpoints) == 0 {
		writeError(w, http.StatusBadRequest, "at least one endpoint required")
		return
	}
	candidates := make([]proxypool.Endpoint, 0, len(req.Endpoints))
	for _, ep := range req.Endpoints {
		if ep.Address == "" {
			writeError(w, http.StatusBadRequest, "endpoint address required")
			return
		}
		candidates = append(candidates, proxypool.Endpoint{
			Address:  ep.Address,
			Protocol: ep.Protocol,
			Active:   true,
		})
	}
	s.proxies.Reload(candidates)
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": len(candidates),
		"pool":     s.proxies.Stats(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

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
