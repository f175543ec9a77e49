package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/config"
	"github.com/mattjoyce/motionhost/internal/events"
)

// Scheduler runs the daemon macro on the Daemon channel at a fixed interval.
type Scheduler struct {
	cfg    config.DaemonConfig
	file   string
	runner MacroRunner
	events *events.Hub
	logger *slog.Logger

	busy     atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler for the daemon file named in cfg.Machine.
func New(cfg *config.Config, runner MacroRunner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		cfg:    cfg.Daemon,
		file:   cfg.Machine.DaemonFile,
		runner: runner,
		events: hub,
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the tick loop. A disabled daemon starts nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("Daemon macro disabled")
		return nil
	}
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("daemon interval must be positive, got %s", s.cfg.Interval)
	}
	s.logger.Info("Starting scheduler", "file", s.file, "interval", s.cfg.Interval)

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for a running daemon macro.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Debug("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick starts one daemon run unless the previous one is still busy.
func (s *Scheduler) tick(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		s.events.Publish("daemon.skipped", map[string]any{
			"file":   s.file,
			"reason": "busy",
		})
		s.logger.Debug("Skipped daemon tick, previous run still busy")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.runOnce(ctx)
	}()
	return true
}

// runOnce executes the daemon file once. A missing file is not an error,
// it may be uploaded later.
func (s *Scheduler) runOnce(ctx context.Context) {
	started := time.Now()
	res, err := s.runner.RunMacro(ctx, code.Daemon, s.file, nil)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Debug("No daemon file", "file", s.file)
	case code.IsCancelled(err):
		s.logger.Debug("Daemon run cancelled", "file", s.file)
	case err != nil:
		s.logger.Error("Daemon run failed", "file", s.file, "error", err)
		s.events.Publish("daemon.failed", map[string]any{
			"file":  s.file,
			"error": err.Error(),
		})
	default:
		s.events.Publish("daemon.completed", map[string]any{
			"file":     s.file,
			"result":   res,
			"duration": time.Since(started).String(),
		})
		if res.IsError() {
			s.logger.Warn("Daemon run reported an error", "file", s.file, "result", res.String())
		}
	}
}
