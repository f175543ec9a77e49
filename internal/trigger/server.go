package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/config"
	"github.com/mattjoyce/motionhost/internal/events"
)

// Server accepts signed trigger requests. Trigger macros share the Trigger
// channel, so only one runs at a time.
type Server struct {
	config Config
	runner MacroRunner
	events *events.Hub
	logger *slog.Logger
	server *http.Server

	endpoints map[string]*EndpointConfig

	runCtx context.Context
	busy   atomic.Bool
	wg     sync.WaitGroup
}

// New creates a trigger server. hub may be nil.
func New(cfg Config, runner MacroRunner, hub *events.Hub, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    cfg,
		runner:    runner,
		events:    hub,
		logger:    logger,
		endpoints: endpoints,
		runCtx:    context.Background(),
	}
}

// Start serves until ctx is cancelled, then waits for a running trigger macro.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("trigger server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("trigger server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.Wait()
		if err != nil {
			return fmt.Errorf("trigger server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("trigger server error: %w", err)
	}
}

// Wait blocks until the running trigger macro, if any, has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleTrigger)
	}
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("trigger request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if signature == "" {
		s.logger.Warn("trigger signature missing", "path", r.URL.Path, "header", endpoint.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifySignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("trigger signature verification failed", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	macro := config.TriggerMacro(endpoint.Trigger)
	if !s.busy.CompareAndSwap(false, true) {
		s.publish("trigger.skipped", map[string]any{"trigger": endpoint.Trigger, "reason": "busy"})
		s.respondError(w, http.StatusConflict, "trigger macro already running")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.run(endpoint.Trigger, macro)
	}()

	s.logger.Info("trigger accepted", "path", r.URL.Path, "trigger", endpoint.Trigger, "macro", macro)
	s.respondJSON(w, http.StatusAccepted, Response{
		Trigger:   endpoint.Trigger,
		Macro:     macro,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (s *Server) run(n int, macro string) {
	started := time.Now()
	s.publish("trigger.started", map[string]any{"trigger": n, "macro": macro})

	res, err := s.runner.RunMacro(s.runCtx, code.Trigger, macro, nil)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Warn("trigger macro not found", "macro", macro)
		s.publish("trigger.failed", map[string]any{"trigger": n, "macro": macro, "error": "not found"})
	case code.IsCancelled(err):
		s.logger.Debug("trigger macro cancelled", "macro", macro)
	case err != nil:
		s.logger.Error("trigger macro failed", "macro", macro, "error", err)
		s.publish("trigger.failed", map[string]any{"trigger": n, "macro": macro, "error": err.Error()})
	default:
		s.publish("trigger.completed", map[string]any{
			"trigger":  n,
			"macro":    macro,
			"result":   res,
			"duration": time.Since(started).String(),
		})
	}
}

func (s *Server) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
