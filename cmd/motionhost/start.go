package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/motionhost/internal/api"
	"github.com/mattjoyce/motionhost/internal/auth"
	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/config"
	"github.com/mattjoyce/motionhost/internal/dispatch"
	"github.com/mattjoyce/motionhost/internal/events"
	"github.com/mattjoyce/motionhost/internal/files"
	"github.com/mattjoyce/motionhost/internal/firmware"
	"github.com/mattjoyce/motionhost/internal/history"
	"github.com/mattjoyce/motionhost/internal/interception"
	"github.com/mattjoyce/motionhost/internal/job"
	"github.com/mattjoyce/motionhost/internal/lock"
	"github.com/mattjoyce/motionhost/internal/log"
	"github.com/mattjoyce/motionhost/internal/plugin"
	"github.com/mattjoyce/motionhost/internal/scheduler"
	"github.com/mattjoyce/motionhost/internal/state"
	"github.com/mattjoyce/motionhost/internal/storage"
	"github.com/mattjoyce/motionhost/internal/trigger"
)

const (
	// eventBacklog is how many events /events can replay to a reconnecting client.
	eventBacklog = 1024
	historyKeep  = 500
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("motionhost starting", "version", version, "config", *configPath)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	st := state.NewStore(db)
	ledger := history.New(db)
	if n, err := ledger.MarkInterrupted(ctx); err != nil {
		logger.Warn("failed to close interrupted runs", "error", err)
	} else if n > 0 {
		logger.Warn("previous runs were interrupted", "count", n)
	}
	if n, err := ledger.Prune(ctx, historyKeep); err != nil {
		logger.Warn("failed to prune run history", "error", err)
	} else if n > 0 {
		logger.Debug("pruned run history", "deleted", n)
	}
	jobState, err := st.Job(ctx)
	if err != nil {
		logger.Warn("failed to read persisted job state", "error", err)
	}

	hub := events.NewHub(eventBacklog)

	registry := discoverInterceptors(cfg, logger)
	interceptors := interception.New(registry, cfg.Interception)
	defer interceptors.Close()

	link := firmware.NewLoopback(ctx, firmware.Options{
		Name:          cfg.Machine.Hostname,
		Latency:       cfg.Firmware.Latency,
		MotionSystems: cfg.Machine.MotionSystems,
	})
	defer link.Close()

	disp := dispatch.New(ctx, dispatch.Options{
		MaxCodesPerInput: cfg.Pipeline.MaxCodesPerInput,
		Transport:        link,
		Interceptor:      interceptors,
		Events:           hub,
		Paths:            cfg.Machine,
		Macro: files.MacroOptions{
			ConfigPath:    cfg.Machine.ConfigPath(),
			Hostname:      cfg.Machine.Hostname,
			BufferedCodes: cfg.Pipeline.BufferedMacroCodes,
		},
		Fields: []dispatch.FieldSource{link},
	})
	defer disp.Close()
	interceptors.SetStarter(disp)

	engine := job.New(ctx, disp, job.Options{
		BufferedCodes: cfg.Pipeline.BufferedPrintCodes,
		InfoScanBytes: cfg.Pipeline.InfoScanBytes,
		Machine:       link,
		Events:        hub,
		Recorders:     []job.Recorder{st, ledger},
		LastFile:      jobState.LastFile,
	})
	disp.SetJobControl(engine)
	disp.Evaluator().AddSource(engine)
	engine.Start()
	defer engine.Close()

	runStartupConfig(ctx, disp, logger)

	sched := scheduler.New(cfg, disp, hub, log.WithComponent("scheduler"))
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start daemon scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.Auth.APIKey,
			Tokens:      tokens,
			CORSOrigins: cfg.API.CORSOrigins,
		}
		apiServer := api.New(apiConfig, disp, engine, ledger, cfg.Machine, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Triggers.Enabled {
		triggerConfig, err := trigger.FromConfig(cfg.Triggers)
		if err != nil {
			logger.Error("invalid trigger configuration", "error", err)
			return 1
		}
		triggerServer := trigger.New(triggerConfig, disp, hub, log.WithComponent("trigger"))
		go func() {
			if err := triggerServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("triggers: %w", err)
			}
		}()
		logger.Info("trigger endpoints enabled", "listen", cfg.Triggers.Listen, "endpoints", len(triggerConfig.Endpoints))
	}

	hub.Publish("host.started", map[string]any{"version": version, "hostname": disp.Hostname()})
	logger.Info("motionhost running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		shutdown(cancel, cfg.Service.ShutdownTimeout, engine, sched, logger)
		return 1
	}

	shutdown(cancel, cfg.Service.ShutdownTimeout, engine, sched, logger)
	logger.Info("motionhost stopped")
	return 0
}

// shutdown cancels the selected job before the pipelines go down so the
// run is recorded as cancelled rather than left running.
func shutdown(cancel context.CancelFunc, timeout time.Duration, engine *job.Engine, sched *scheduler.Scheduler, logger *slog.Logger) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sched.Stop()

	ctx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	if err := engine.Cancel(ctx); err != nil && !errors.Is(err, job.ErrNoJob) {
		logger.Warn("failed to cancel job on shutdown", "error", err)
	}
	cancel()
}

// runStartupConfig runs the startup configuration file on the SBC channel.
// A missing file leaves the machine unconfigured.
func runStartupConfig(ctx context.Context, disp *dispatch.Dispatcher, logger *slog.Logger) {
	res, err := disp.RunConfig(ctx)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("startup configuration file not found; machine left unconfigured", "error", err)
	case err != nil:
		logger.Error("startup configuration failed", "error", err)
	case res != nil && res.IsError():
		logger.Warn("startup configuration reported an error", "result", res.Content)
	default:
		logger.Info("startup configuration complete", "channel", code.SBC.String())
	}
}

// discoverInterceptors scans the interceptors directory. A missing directory
// only matters when interceptors are configured.
func discoverInterceptors(cfg *config.Config, logger *slog.Logger) *plugin.Registry {
	registry, err := plugin.Discover(cfg.Interception.PluginsDir, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	})
	if err != nil {
		if len(cfg.Interception.Interceptors) > 0 {
			logger.Warn("interceptor discovery failed", "plugins_dir", cfg.Interception.PluginsDir, "error", err)
		} else {
			logger.Debug("no interceptors directory", "plugins_dir", cfg.Interception.PluginsDir, "error", err)
		}
		return nil
	}
	logger.Info("interceptor discovery complete", "count", len(registry.All()))
	return registry
}
