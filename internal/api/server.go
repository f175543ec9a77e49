package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/motionhost/internal/auth"
	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/dispatch"
	"github.com/mattjoyce/motionhost/internal/events"
	"github.com/mattjoyce/motionhost/internal/history"
	"github.com/mattjoyce/motionhost/internal/job"
	"github.com/mattjoyce/motionhost/internal/pipeline"
)

// CodeRunner executes codes on behalf of API clients.
type CodeRunner interface {
	ExecuteText(ctx context.Context, ch code.Channel, text string, flags code.Flags) (*code.Result, error)
	Snapshot() []pipeline.ChannelState
	Diagnostics(w io.Writer)
}

// JobController is the job engine as seen by the API.
type JobController interface {
	SelectFile(ctx context.Context, path string, simulating bool) error
	Resume(ctx context.Context) error
	Pause(ctx context.Context, position *int64, reason dispatch.PauseReason) error
	Cancel(ctx context.Context) error
	Abort(ctx context.Context) error
	SetFilePosition(ctx context.Context, motionSystem int, pos int64) error
	Snapshot(ctx context.Context) (job.Status, error)
	Diagnostics(w io.Writer)
}

// RunHistory lists past job runs.
type RunHistory interface {
	List(ctx context.Context, f history.Filter) ([]job.Run, error)
	Get(ctx context.Context, id string) (*job.Run, error)
}

// FileResolver maps job file names to paths. config.MachineConfig implements it.
type FileResolver interface {
	GCodeFile(name string) string
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with admin access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// CodeTimeout bounds POST /code.
	CodeTimeout time.Duration
	// CORSOrigins lists browser origins allowed to call the API. Empty
	// disables CORS headers.
	CORSOrigins []string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	codes     CodeRunner
	job       JobController
	history   RunHistory
	files     FileResolver
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. history may be nil.
func New(config Config, codes CodeRunner, jc JobController, hist RunHistory, files FileResolver, hub *events.Hub, logger *slog.Logger) *Server {
	if config.CodeTimeout <= 0 {
		config.CodeTimeout = 5 * time.Minute
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		codes:     codes,
		job:       jc,
		history:   hist,
		files:     files,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// long enough for a blocking code such as M400 behind a move queue
		WriteTimeout: s.config.CodeTimeout + 10*time.Second,
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

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
			MaxAge:         300,
		}).Handler)
	}

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/openapi.json", s.handleOpenAPI)

		r.With(s.requireScopes(auth.ScopeCodeWrite)).Post("/code", s.handleCode)

		r.Route("/job", func(r chi.Router) {
			r.With(s.requireScopes(auth.ScopeJobRead)).Get("/", s.handleGetJob)
			r.With(s.requireScopes(auth.ScopeJobRead)).Get("/history", s.handleListHistory)
			r.With(s.requireScopes(auth.ScopeJobRead)).Get("/history/{runID}", s.handleGetRun)
			r.Group(func(r chi.Router) {
				r.Use(s.requireScopes(auth.ScopeJobWrite))
				r.Post("/select", s.handleSelect)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/cancel", s.handleCancel)
				r.Post("/abort", s.handleAbort)
				r.Post("/position", s.handlePosition)
			})
		})

		r.With(s.requireScopes(auth.ScopeRead)).Get("/diagnostics", s.handleDiagnostics)
		r.With(s.requireScopes(auth.ScopeRead, auth.ScopeJobRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
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
