package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/metrics"
	"github.com/JakeFAU/stackharvest/internal/worker"
)

const checkTimeout = 5 * time.Second

// Queue is the slice of the task queue the server reads and drains.
type Queue interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (crawler.QueueStats, error)
	Workers(ctx context.Context) ([]crawler.WorkerHeartbeat, error)
	DrainForShutdown(ctx context.Context) (int, error)
}

// Options tunes the privileged shutdown path and optional in-process data.
type Options struct {
	ShutdownKey string
	GracePeriod time.Duration
	// StopWorkers is invoked first during a remote shutdown.
	StopWorkers func()
	// LocalWorkers reports statistics of workers running in this process.
	LocalWorkers func() []worker.Stats
}

// Server wires HTTP handlers to the queue and question store.
type Server struct {
	router  chi.Router
	queue   Queue
	store   crawler.QuestionStore
	clock   crawler.Clock
	opts    Options
	logger  *zap.Logger
	started time.Time

	unhealthy atomic.Bool
	shutdown  sync.Once
	drained   chan struct{}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(queue Queue, store crawler.QuestionStore, clock crawler.Clock, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:   queue,
		store:   store,
		clock:   clock,
		opts:    opts,
		logger:  logger,
		started: clock.Now(),
		drained: make(chan struct{}),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/stats", s.stats)
	r.Get("/workers", s.workers)
	r.With(bearerAuth(opts.ShutdownKey)).Post("/shutdown", s.shutdownHandler)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// MetricsHandler serves only /metrics, for a dedicated metrics listener.
func (s *Server) MetricsHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", s.metrics)
	return r
}

// Unhealthy reports whether a shutdown has been requested.
func (s *Server) Unhealthy() bool {
	return s.unhealthy.Load()
}

// Drained is closed once a remote shutdown has finished draining.
func (s *Server) Drained() <-chan struct{} {
	return s.drained
}

type healthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	checks := map[string]string{
		"redis":       checkStatus(s.queue.Ping(ctx)),
		"database":    checkStatus(s.store.Ping(ctx)),
		"application": "healthy",
	}
	if s.Unhealthy() {
		checks["application"] = "unhealthy"
	}

	resp := healthResponse{
		Status:        "healthy",
		UptimeSeconds: s.clock.Now().Sub(s.started).Seconds(),
		Checks:        checks,
	}
	status := http.StatusOK
	for name, result := range checks {
		if result != "healthy" {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			s.logger.Warn("health check failing", zap.String("check", name), zap.String("result", result))
		}
	}
	writeJSON(w, status, resp)
}

func checkStatus(err error) string {
	if err != nil {
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	if stats, err := s.queue.Stats(ctx); err != nil {
		s.logger.Warn("refresh queue gauges", zap.Error(err))
	} else {
		metrics.SetQueueStats(stats)
	}
	metrics.Handler().ServeHTTP(w, r)
}

type statsResponse struct {
	Queue     crawler.QueueStats  `json:"queue"`
	Storage   *crawler.StoreStats `json:"storage,omitempty"`
	Error     string              `json:"storage_error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	queueStats, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Error("read queue stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	resp := statsResponse{Queue: queueStats, Timestamp: s.clock.Now()}
	storeStats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("read store stats", zap.Error(err))
		resp.Error = err.Error()
	} else {
		resp.Storage = &storeStats
	}
	writeJSON(w, http.StatusOK, resp)
}

type workersResponse struct {
	QueueWorkers []crawler.WorkerHeartbeat `json:"queue_workers"`
	LocalWorkers []worker.Stats            `json:"local_workers,omitempty"`
	Active       int                       `json:"active"`
}

func (s *Server) workers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	beats, err := s.queue.Workers(ctx)
	if err != nil {
		s.logger.Error("read worker heartbeats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read workers")
		return
	}
	resp := workersResponse{QueueWorkers: beats}
	for _, b := range beats {
		if b.Alive {
			resp.Active++
		}
	}
	if s.opts.LocalWorkers != nil {
		resp.LocalWorkers = s.opts.LocalWorkers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) shutdownHandler(w http.ResponseWriter, _ *http.Request) {
	s.unhealthy.Store(true)
	s.shutdown.Do(func() {
		s.logger.Warn("remote shutdown requested")
		go s.drain()
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
}

// drain stops local workers, waits the grace period, closes the store and
// returns in-flight tasks to pending.
func (s *Server) drain() {
	defer close(s.drained)
	if s.opts.StopWorkers != nil {
		s.opts.StopWorkers()
	}
	if s.opts.GracePeriod > 0 {
		time.Sleep(s.opts.GracePeriod)
	}
	s.store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.queue.DrainForShutdown(ctx)
	if err != nil {
		s.logger.Error("drain queue", zap.Error(err))
		return
	}
	s.logger.Info("shutdown drain finished", zap.Int("tasks_returned", n))
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
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
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

type requestIDKey struct{}

// bearerAuth rejects requests whose Authorization header does not carry key.
func bearerAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || key == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
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
