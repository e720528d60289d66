package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sparkvisionsa/valuetech-bridge/internal/commands"
	"github.com/sparkvisionsa/valuetech-bridge/internal/dispatch"
	"github.com/sparkvisionsa/valuetech-bridge/internal/events"
	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
	"github.com/sparkvisionsa/valuetech-bridge/internal/worker"
)

// Bridge is the command side the API drives.
type Bridge interface {
	Send(ctx context.Context, action string, fields map[string]any) (*protocol.Response, error)
	Submit(ctx context.Context, action string, fields map[string]any) *dispatch.Outcome
	WorkerStatus() worker.Status
	StopWorker(ctx context.Context) error
}

// ProgressFeed is the progress side the API reads.
type ProgressFeed interface {
	SnapshotSince(lastID int64) []events.Event
	SubscribeChan() (<-chan events.Event, func())
	// Current is the visible progress state; retired after a finished batch.
	Current() events.IndicatorState
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token is the bearer token every route except /healthz requires.
	Token string
}

// Server represents the HTTP control API
type Server struct {
	config    Config
	bridge    Bridge
	control   *commands.ControlClient
	progress  ProgressFeed
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, bridge Bridge, progress ProgressFeed, logger *slog.Logger) (*Server, error) {
	control, err := commands.NewControlClient(bridge)
	if err != nil {
		return nil, err
	}
	return &Server{
		config:    config,
		bridge:    bridge,
		control:   control,
		progress:  progress,
		logger:    logger,
		startedAt: time.Now(),
	}, nil
}

// Start starts the HTTP server and blocks until ctx ends or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Synchronous commands wait for the worker; long batches should use ?async=true.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
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
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/commands/{action}", s.handleCommand)
		r.Post("/control/{signal}", s.handleControl)
		r.Get("/progress", s.handleProgress)
		r.Get("/events", s.handleEvents)
		r.Get("/worker", s.handleWorker)
		r.Delete("/worker", s.handleStopWorker)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
