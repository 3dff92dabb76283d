// Package api exposes the remediation engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/mender/internal/auth"
	"github.com/mattjoyce/mender/internal/events"
	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/learning"
	"github.com/mattjoyce/mender/internal/remediation"
)

// Engine is the part of *remediation.Engine the API drives.
type Engine interface {
	StartAutomatedFix(ctx context.Context, ws string, filter *issue.Filter) (remediation.Session, error)
	StartTargetedFix(ctx context.Context, ws string, ref issue.Ref) (remediation.Session, error)
	StartScan(ctx context.Context, ws string, filter *issue.Filter) (remediation.Session, error)
	Stop() bool
	StopAndRevert() bool
	Status() remediation.Session
	Statistics(ctx context.Context) (learning.Statistics, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Auth resolves bearer tokens. Nil rejects every authenticated route.
	Auth *auth.Authenticator
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	engine    Engine
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hub may be nil, in which case
// /events is not served.
func New(config Config, engine Engine, hub *events.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		engine:    engine,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeRemediationRW)).Post("/remediations", s.handleStart)
		r.With(s.requireScopes(auth.ScopeRemediationRW)).Post("/remediations/stop", s.handleStop)
		r.With(s.requireScopes(auth.ScopeRemediationRO)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeLearningRO)).Get("/statistics", s.handleStatistics)
		if s.events != nil {
			r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
