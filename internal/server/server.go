// Package server provides the HTTP API for starting survey runs, reading their state and submitting review decisions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonathan/survey-agent/internal/config"
	"github.com/jonathan/survey-agent/internal/server/ratelimit"
	"github.com/jonathan/survey-agent/internal/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds server configuration
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	RateLimit       ratelimit.Config
}

// Server drives runs in the background on behalf of HTTP clients
type Server struct {
	cfg      Config
	engine   *workflow.Engine
	defaults *config.Config
	logger   *zap.Logger
	limiter  *ratelimit.Limiter
	events   *Hub
	tokens   *TokenService
	metrics  http.Handler
	validate *validator.Validate
	handler  http.Handler

	// runCtx parents every background drive; stopRuns cancels them on shutdown
	runCtx   context.Context
	stopRuns context.CancelFunc
	mu       sync.Mutex
	active   map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request and run logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents enables GET /runs/{run_id}/events. The hub must also be passed to the engine.
func WithEvents(hub *Hub) Option {
	return func(s *Server) {
		s.events = hub
	}
}

// WithTokens requires bearer tokens issued by ts on every run route
func WithTokens(ts *TokenService) Option {
	return func(s *Server) {
		s.tokens = ts
	}
}

// WithMetricsHandler serves h at /metrics instead of the default prometheus registry
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// New creates a server. defaults supplies the run configuration of runs started over HTTP.
func New(cfg Config, engine *workflow.Engine, defaults *config.Config, opts ...Option) *Server {
	runCtx, stopRuns := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		defaults: defaults,
		logger:   zap.NewNop(),
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		metrics:  promhttp.Handler(),
		validate: validator.New(),
		runCtx:   runCtx,
		stopRuns: stopRuns,
		active:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /runs/{run_id}/review", s.handleGetReview)
	mux.HandleFunc("GET /runs/{run_id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /runs/{run_id}/resume", s.handleResumeRun)
	mux.HandleFunc("POST /runs/{run_id}/continue", s.handleContinueRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics)

	s.handler = s.withLogging(s.withAuth(s.withRateLimit(s.withCORS(mux))))
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
// Runs still being driven are cancelled and checkpointed before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event streams stay open for the life of a run
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if waitErr := s.Close(shutdownCtx); waitErr != nil && err == nil {
		err = waitErr
	}
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Close cancels every run this server is driving and waits for their final checkpoints
func (s *Server) Close(ctx context.Context) error {
	s.stopRuns()
	s.limiter.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs still active: %w", ctx.Err())
	}
}

// launch drives a run in the background. At most one drive per run is active in this server.
func (s *Server) launch(runID string, drive func(ctx context.Context) (*workflow.Run, error)) error {
	s.mu.Lock()
	if _, busy := s.active[runID]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", workflow.ErrRunBusy, runID)
	}
	ctx, cancel := context.WithCancel(s.runCtx)
	s.active[runID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, runID)
			s.mu.Unlock()
			cancel()
		}()

		run, err := drive(ctx)
		if err != nil {
			s.logger.Warn("run halted with error", zap.String("run_id", runID), zap.Error(err))
			return
		}
		s.logger.Info("run halted",
			zap.String("run_id", runID),
			zap.String("status", string(run.Status)),
			zap.String("step", run.Step))
	}()
	return nil
}

// cancel requests cancellation of a run this server is driving
func (s *Server) cancel(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.active[runID]
	if ok {
		cancel()
	}
	return ok
}

func (s *Server) isActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit rejects clients over their endpoint budget with 429
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := s.limiter.Allow(clientID(r), r.URL.Path, r.Method)
		if info.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		}
		if !info.Allowed {
			retry := int(info.RetryAfter.Round(time.Second).Seconds())
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retry))
			}
			s.logger.Warn("rate limit exceeded",
				zap.String("client", clientID(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))
			s.jsonResponse(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate_limit_exceeded",
				"retry_after": retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID identifies a client by its token subject, else by the IP of RemoteAddr
func clientID(r *http.Request) string {
	if subject := subjectFrom(r.Context()); subject != "" {
		return "sub:" + subject
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// statusRecorder captures the response status for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps event streams working through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withLogging logs each request with its status and duration
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// writeError maps err to a status. Internal errors are logged and not echoed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.errorResponse(w, status, "internal error")
		return
	}
	s.errorResponse(w, status, err.Error())
}
