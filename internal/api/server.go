// Package api exposes the HTTP interface for the render proxy.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/glimpse-proxy/glimpse/internal/cache"
	"github.com/glimpse-proxy/glimpse/internal/config"
	"github.com/glimpse-proxy/glimpse/internal/core"
	"github.com/glimpse-proxy/glimpse/internal/fetch"
	"github.com/glimpse-proxy/glimpse/internal/metrics"
	"github.com/glimpse-proxy/glimpse/internal/pool"
	"github.com/glimpse-proxy/glimpse/internal/render"
)

// Server wires HTTP handlers to the cache accessors and the rendering pool.
type Server struct {
	router    chi.Router
	accessors *cache.Accessors
	pool      *pool.Pool
	shots     *render.Screenshotter
	fetcher   *fetch.Fetcher
	hasher    core.Hasher
	idGen     core.IDGenerator
	clock     core.Clock
	audit     core.AuditStore
	publisher core.Publisher
	cfg       config.Config
	logger    *zap.Logger
}

// Deps bundles the collaborators a Server needs.
type Deps struct {
	Accessors *cache.Accessors
	Pool      *pool.Pool
	Shots     *render.Screenshotter
	Fetcher   *fetch.Fetcher
	Hasher    core.Hasher
	IDGen     core.IDGenerator
	Clock     core.Clock
	Audit     core.AuditStore
	Publisher core.Publisher
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		accessors: deps.Accessors,
		pool:      deps.Pool,
		shots:     deps.Shots,
		fetcher:   deps.Fetcher,
		hasher:    deps.Hasher,
		idGen:     deps.IDGen,
		clock:     deps.Clock,
		audit:     deps.Audit,
		publisher: deps.Publisher,
		cfg:       cfg,
		logger:    logger,
	}

	requestTimeout := time.Duration(cfg.Server.RequestTimeoutSec) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/screenshot", s.getScreenshot)
		r.Get("/og", s.getOGImage)
		r.Get("/favicon", s.getFavicon)
		r.Get("/font", s.getFont)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeRetryable maps resource exhaustion and pressure rejections to 503 so
// load balancers retry elsewhere instead of queueing on this instance.
func (s *Server) writeRenderError(w http.ResponseWriter, err error) {
	if core.Retryable(err) {
		w.Header().Set("Retry-After", "30")
		writeError(s.logger, w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if errors.Is(err, context.Canceled) {
		writeError(s.logger, w, http.StatusRequestTimeout, "request canceled")
		return
	}
	writeError(s.logger, w, http.StatusBadGateway, err.Error())
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.idGen.NewID()
		if err != nil {
			reqID = "unknown"
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
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
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
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

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
