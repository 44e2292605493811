// Package server provides the HTTP front end for wolframd: the REST
// evaluation endpoints, diagnostics, Prometheus metrics, and the MCP mount.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mathserve/wolframd/internal/auth"
	"github.com/mathserve/wolframd/internal/config"
	"github.com/mathserve/wolframd/internal/kernel"
	"github.com/mathserve/wolframd/internal/logger"
	"github.com/mathserve/wolframd/internal/metrics"
	"github.com/mathserve/wolframd/internal/security"
)

// Engine is the slice of the execution engine the HTTP handlers use.
// It is an interface so handler tests can substitute a fake.
type Engine interface {
	Execute(ctx context.Context, code string, timeout time.Duration, mode kernel.Mode) kernel.Outcome
	Available(ctx context.Context) (bool, error)
	SessionInfo() kernel.SessionInfo
}

// Server serves the wolframd HTTP API.
type Server struct {
	cfg        *config.Config
	engine     Engine
	validator  *security.Validator
	authStore  *auth.Store
	limiter    *auth.RateLimiter
	mcpHandler http.Handler
	httpServer *http.Server
}

// New creates a Server. authStore may be nil when authentication is
// disabled; mcpHandler may be nil when the MCP surface is disabled.
func New(cfg *config.Config, engine Engine, validator *security.Validator, authStore *auth.Store, mcpHandler http.Handler) *Server {
	rps := cfg.Limits.RequestsPerSecond
	burst := cfg.Limits.Burst
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Server{
		cfg:        cfg,
		engine:     engine,
		validator:  validator,
		authStore:  authStore,
		limiter:    auth.NewRateLimiter(rps, burst),
		mcpHandler: mcpHandler,
	}
}

// Limiter exposes the rate limiter so the maintenance sweep can reset it.
func (s *Server) Limiter() *auth.RateLimiter {
	return s.limiter
}

// Handler builds the full routing tree with middleware applied.
func (s *Server) Handler() http.Handler {
	// Execution endpoints go through the full chain: request ID, metrics,
	// auth (when enabled), then per-token rate limiting.
	protect := func(h http.Handler) http.Handler {
		h = auth.RateLimitMiddleware(s.limiter)(h)
		if s.cfg.Server.AuthRequired && s.authStore != nil {
			h = auth.Middleware(s.authStore)(h)
		}
		return metrics.Middleware(requestIDMiddleware(h))
	}

	// Endpoints that run code additionally require an executing scope;
	// read-only tokens get /session but never the kernel.
	exec := func(h http.Handler) http.Handler {
		return protect(requireExecute(h))
	}

	// Diagnostics skip auth and rate limiting so probes stay cheap.
	open := func(h http.Handler) http.Handler {
		return metrics.Middleware(requestIDMiddleware(h))
	}

	mux := http.NewServeMux()
	mux.Handle("/", open(http.HandlerFunc(s.handleIndex)))
	mux.Handle("/health", open(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/ready", open(http.HandlerFunc(s.handleReady)))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/execute", exec(http.HandlerFunc(s.handleExecute)))
	mux.Handle("/evaluate", exec(http.HandlerFunc(s.handleEvaluate)))
	mux.Handle("/session", protect(http.HandlerFunc(s.handleSession)))

	if s.mcpHandler != nil {
		mux.Handle("/mcp", exec(s.mcpHandler))
		mux.Handle("/mcp/", exec(s.mcpHandler))
	}

	return mux
}

// Serve starts the HTTP server and blocks until it exits.
func (s *Server) Serve() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("wolframd listening on %s", s.cfg.Server.Address)
	logger.Info("Health check: http://localhost%s/health", s.cfg.Server.Address)
	logger.Info("Metrics: http://localhost%s/metrics", s.cfg.Server.Address)
	if s.mcpHandler != nil {
		logger.Info("MCP endpoint: http://localhost%s/mcp", s.cfg.Server.Address)
	}

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requireExecute rejects authenticated tokens whose scope does not permit
// running code. With authentication disabled no AuthContext is present and
// the request passes through.
func requireExecute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authCtx := auth.FromContext(r.Context()); authCtx != nil && !authCtx.CanExecute() {
			writeError(w, "Forbidden", "token scope does not permit code execution", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware attaches a request ID to the context and response,
// reusing the caller's X-Request-ID when present.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		r = r.WithContext(ctx)

		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		next.ServeHTTP(w, r)
	})
}
