// Package api exposes the HTTP interface for the price pulse service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/health"
	"github.com/JakeFAU/price-pulse/internal/logging"
	"github.com/JakeFAU/price-pulse/internal/metrics"
	"github.com/JakeFAU/price-pulse/internal/pricegraph"
	"github.com/JakeFAU/price-pulse/internal/pricewatch"
	"github.com/JakeFAU/price-pulse/internal/resilience"
)

// HealthChecker reports system health.
type HealthChecker interface {
	CheckSystemHealth(ctx context.Context) health.Report
}

// OperationMonitor exposes recorded operation statistics.
type OperationMonitor interface {
	Snapshot() []resilience.OperationStats
	Stats(name string) (resilience.OperationStats, bool)
}

// BreakerReporter lists circuit breaker states.
type BreakerReporter interface {
	Statuses() []resilience.BreakerStatus
}

// Sweeper runs sweeps and serves the latest observations.
type Sweeper interface {
	RunLocked(ctx context.Context) (pricewatch.SweepReport, error)
	Latest(ctx context.Context, product, market string) (pricewatch.Observation, error)
}

// GraphReader answers price graph queries.
type GraphReader interface {
	ConnectedNodes(ctx context.Context, start pricegraph.Ref, depth, maxResults int) ([]pricegraph.ConnectedNode, error)
	Search(ctx context.Context, query string, nodeTypes []string, maxResults int) ([]pricegraph.SearchResult, error)
	Stats(ctx context.Context) (pricegraph.Stats, error)
	FindPaths(ctx context.Context, src, dst pricegraph.Ref, maxPaths int) ([][]pricegraph.Ref, error)
}

// Deps are the components the handlers read from. Any of them may be nil, in which case
// their routes answer 503.
type Deps struct {
	Health      HealthChecker
	Monitor     OperationMonitor
	Breakers    BreakerReporter
	Sweeper     Sweeper
	Runs        pricewatch.RunReader
	Graph       GraphReader
	Disparities DisparityReporter
	Pages       PageInspector
}

// Server wires HTTP handlers to the service components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. requestTimeout bounds read
// requests; sweeps run to completion.
func NewServer(deps Deps, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	s := &Server{deps: deps, logger: logger}
	sweeps := NewSweepHandler(deps.Runs, logging.Module(logger, "sweeps"))

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.With(timeoutMiddleware(requestTimeout)).Get("/readyz", s.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sweeps", s.runSweep)
		r.Get("/crawl", s.inspectPage)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/operations", s.listOperations)
			r.Get("/operations/{name}", s.getOperation)
			r.Get("/breakers", s.listBreakers)
			r.Get("/sweeps", sweeps.ListSweeps)
			r.Get("/sweeps/{sweep_id}", sweeps.GetSweep)
			r.Get("/products/{product}/latest", s.latest)
			r.Get("/disparities", s.disparities)
			r.Get("/graph/stats", s.graphStats)
			r.Get("/graph/search", s.graphSearch)
			r.Get("/graph/paths", s.graphPaths)
			r.Get("/graph/{type}/{id}/connected", s.graphConnected)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeError(w, http.StatusServiceUnavailable, "health checker unavailable")
		return
	}
	report := s.deps.Health.CheckSystemHealth(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) listOperations(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "performance monitor unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.deps.Monitor.Snapshot()})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "performance monitor unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	stats, ok := s.deps.Monitor.Stats(name)
	if !ok {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation": stats})
}

func (s *Server) listBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breakers == nil {
		writeError(w, http.StatusServiceUnavailable, "circuit breakers unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.deps.Breakers.Statuses()})
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper unavailable")
		return
	}
	report, err := s.deps.Sweeper.RunLocked(r.Context())
	switch {
	case errors.Is(err, faults.ErrLockAcquisition):
		writeError(w, http.StatusConflict, "could not acquire sweep lock")
	case err != nil:
		s.logger.Error("sweep failed", zap.String("sweep_id", report.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"sweep": report})
	}
}

func (s *Server) latest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper unavailable")
		return
	}
	product := chi.URLParam(r, "product")
	market := r.URL.Query().Get("market")
	if market == "" {
		market = pricewatch.MarketUS
	}
	obs, err := s.deps.Sweeper.Latest(r.Context(), product, market)
	switch {
	case errors.Is(err, faults.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pricewatch.ErrNoObservation):
		writeError(w, http.StatusNotFound, "no observation recorded")
	case err != nil:
		s.logger.Error("latest observation failed", zap.String("product", product), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load observation")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"observation": obs})
	}
}

func (s *Server) graphConnected(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, "price graph unavailable")
		return
	}
	depth, err := intParam(r, "depth", pricegraph.DefaultDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", pricegraph.DefaultMaxResults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := pricegraph.Ref{Type: chi.URLParam(r, "type"), ID: chi.URLParam(r, "id")}
	nodes, err := s.deps.Graph.ConnectedNodes(r.Context(), start, depth, limit)
	if err != nil {
		s.logger.Error("graph traversal failed", zap.String("node", start.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to traverse graph")
		return
	}
	if len(nodes) == 0 {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) graphSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, "price graph unavailable")
		return
	}
	limit, err := intParam(r, "limit", pricegraph.DefaultMaxResults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	results, err := s.deps.Graph.Search(r.Context(), q.Get("q"), q["type"], limit)
	switch {
	case errors.Is(err, faults.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("graph search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to search graph")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func (s *Server) graphStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, "price graph unavailable")
		return
	}
	stats, err := s.deps.Graph.Stats(r.Context())
	if err != nil {
		s.logger.Error("graph stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count graph")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) graphPaths(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, "price graph unavailable")
		return
	}
	q := r.URL.Query()
	src, ok := parseRef(q.Get("from"))
	if !ok {
		writeError(w, http.StatusBadRequest, "from must be type:id")
		return
	}
	dst, ok := parseRef(q.Get("to"))
	if !ok {
		writeError(w, http.StatusBadRequest, "to must be type:id")
		return
	}
	maxPaths, err := intParam(r, "max", pricegraph.DefaultMaxPaths)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	paths, err := s.deps.Graph.FindPaths(r.Context(), src, dst, maxPaths)
	if err != nil {
		s.logger.Error("graph path search failed", zap.String("from", src.String()), zap.String("to", dst.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to find paths")
		return
	}
	if paths == nil {
		paths = [][]pricegraph.Ref{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

// parseRef reads "type:id". The id may itself contain colons.
func parseRef(raw string) (pricegraph.Ref, bool) {
	typ, id, ok := strings.Cut(raw, ":")
	if !ok || typ == "" || id == "" {
		return pricegraph.Ref{}, false
	}
	return pricegraph.Ref{Type: typ, ID: id}, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
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
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
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
