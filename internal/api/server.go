// Package api exposes the HTTP interface for the recommendation service.
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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FeritTasdildiren/nerede-yesem/internal/cache"
	"github.com/FeritTasdildiren/nerede-yesem/internal/config"
	"github.com/FeritTasdildiren/nerede-yesem/internal/discovery"
	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
	"github.com/FeritTasdildiren/nerede-yesem/internal/jobs"
	"github.com/FeritTasdildiren/nerede-yesem/internal/logging"
	"github.com/FeritTasdildiren/nerede-yesem/internal/metrics"
	"github.com/FeritTasdildiren/nerede-yesem/internal/quota"
	"github.com/FeritTasdildiren/nerede-yesem/internal/recommend"
)

// Recommender answers recommendation queries.
type Recommender interface {
	Recommend(ctx context.Context, q recommend.Query) (recommend.Response, error)
}

// Cache is the cache surface the API reads and maintains.
type Cache interface {
	Lookup(ctx context.Context, key domain.CacheKey) (cache.LookupResult, error)
	Get(ctx context.Context, id string) (domain.CacheEntry, error)
	Stats(ctx context.Context) (domain.CacheStats, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// Jobs is the scheduler surface behind the cron endpoints.
type Jobs interface {
	ScheduleRefresh(ctx context.Context, cacheID string, priority int) (domain.BackgroundJob, error)
	ProcessPending(ctx context.Context, limit int) (jobs.Summary, error)
	Stats(ctx context.Context) (domain.JobStats, error)
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}

// Discoverer runs discovery without analysis.
type Discoverer interface {
	Discover(ctx context.Context, req discovery.Request) (discovery.Result, error)
}

// QuotaReporter reports the monthly API usage.
type QuotaReporter interface {
	Usage(ctx context.Context) (quota.Usage, error)
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Deps groups the server collaborators. Quota and Checks may be empty.
type Deps struct {
	Recommender Recommender
	Cache       Cache
	Jobs        Jobs
	Discovery   Discoverer
	Quota       QuotaReporter
	Checks      map[string]ReadyCheck
}

const (
	defaultRefreshPriority = 10
	defaultProcessLimit    = 5
	maxProcessLimit        = 100
)

// Server wires HTTP handlers to the service components.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("api"),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/recommendations", s.recommend)
		r.Post("/discover", s.discover)
		r.Route("/cache", func(r chi.Router) {
			r.Get("/lookup", s.cacheLookup)
			r.Get("/stats", s.cacheStats)
			r.Post("/{cache_id}/refresh", s.refreshCache)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/stats", s.jobStats)
			r.Post("/process", s.processJobs)
		})
		r.Post("/cleanup", s.cleanup)
		r.Get("/quota", s.quotaUsage)
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
	failures := map[string]string{}
	for name, check := range s.deps.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) recommend(w http.ResponseWriter, r *http.Request) {
	var q recommend.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateArea(q.Lat, q.Lon, q.RadiusKm); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.deps.Recommender.Recommend(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, "recommendation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req discovery.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateArea(req.Lat, req.Lon, req.RadiusKm); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Discovery.Discover(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "discovery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cacheLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	lat, errLat := floatParam(q.Get("lat"))
	lon, errLon := floatParam(q.Get("lon"))
	radius, errRadius := floatParam(q.Get("radius_km"))
	if err := errors.Join(errLat, errLon, errRadius); err != nil {
		writeError(w, http.StatusBadRequest, "lat, lon and radius_km must be numbers")
		return
	}
	if err := validateArea(lat, lon, radius); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Cache.Lookup(r.Context(), domain.NewCacheKey(query, lat, lon, radius))
	if err != nil {
		s.logger.Warn("cache lookup failed", zap.String("query", query), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": res.Status, "entry": res.Entry})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, "cache stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) refreshCache(w http.ResponseWriter, r *http.Request) {
	cacheID := chi.URLParam(r, "cache_id")
	priority := defaultRefreshPriority
	if raw := r.URL.Query().Get("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "priority must be an integer")
			return
		}
		priority = p
	}
	if _, err := s.deps.Cache.Get(r.Context(), cacheID); err != nil {
		s.writeServiceError(w, "cache entry lookup failed", err)
		return
	}
	job, err := s.deps.Jobs.ScheduleRefresh(r.Context(), cacheID, priority)
	if err != nil {
		s.writeServiceError(w, "schedule refresh failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, "job stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) processJobs(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Jobs.BatchSize
	if limit <= 0 {
		limit = defaultProcessLimit
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxProcessLimit)
	}
	summary, err := s.deps.Jobs.ProcessPending(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, "process jobs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Cache.CleanupExpired(r.Context())
	if err != nil {
		s.writeServiceError(w, "cache cleanup failed", err)
		return
	}
	removed, err := s.deps.Jobs.Cleanup(r.Context(), 0)
	if err != nil {
		s.writeServiceError(w, "job cleanup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cache_entries": entries, "jobs": removed})
}

func (s *Server) quotaUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quota == nil {
		writeError(w, http.StatusNotFound, "quota tracking is disabled")
		return
	}
	usage, err := s.deps.Quota.Usage(r.Context())
	if err != nil {
		s.writeServiceError(w, "quota usage failed", err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) writeServiceError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, discovery.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, jobs.ErrUnknownJobType), errors.Is(err, jobs.ErrMissingTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, msg)
	default:
		s.logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func validateArea(lat, lon, radiusKm float64) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return errors.New("coordinates out of range")
	}
	if radiusKm < 0 || radiusKm > 50 {
		return errors.New("radius_km must be between 0 and 50")
	}
	return nil
}

func floatParam(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
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
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
