package e2e

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/config"
	"github.com/mattjoyce/motionhost/internal/dispatch"
	"github.com/mattjoyce/motionhost/internal/events"
	"github.com/mattjoyce/motionhost/internal/files"
	"github.com/mattjoyce/motionhost/internal/firmware"
	"github.com/mattjoyce/motionhost/internal/history"
	"github.com/mattjoyce/motionhost/internal/interception"
	"github.com/mattjoyce/motionhost/internal/job"
	"github.com/mattjoyce/motionhost/internal/log"
	"github.com/mattjoyce/motionhost/internal/plugin"
	"github.com/mattjoyce/motionhost/internal/state"
	"github.com/mattjoyce/motionhost/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// host is the component graph the start command builds, minus the servers.
type host struct {
	cfg    *config.Config
	db     *sql.DB
	store  *state.Store
	ledger *history.Ledger
	hub    *events.Hub
	link   *firmware.Loopback
	disp   *dispatch.Dispatcher
	engine *job.Engine
}

// fixture describes the files a test host starts from.
type fixture struct {
	motionSystems int
	// interception is appended below the interception: key.
	interception string
	// sd maps SD card paths to file contents.
	sd map[string]string
	// interceptors maps interceptor names to shell scripts.
	interceptors map[string]string
}

// startHost writes the fixture under a temp dir, loads its config and wires
// the host.
func startHost(t *testing.T, fx fixture) *host {
	t.Helper()
	root := t.TempDir()
	for name, content := range fx.sd {
		path := filepath.Join(root, "sd", filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	if fx.motionSystems == 0 {
		fx.motionSystems = 1
	}
	configYAML := fmt.Sprintf("machine:\n  base_dir: %s\n  motion_systems: %d\n"+
		"state:\n  path: %s\n"+
		"interception:\n  plugins_dir: %s\n%s",
		filepath.Join(root, "sd"), fx.motionSystems,
		filepath.Join(root, "state.db"),
		filepath.Join(root, "interceptors"), fx.interception)
	cfgPath := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(configYAML), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "interceptors"), 0755))
	for name, script := range fx.interceptors {
		dir := filepath.Join(root, "interceptors", name)
		require.NoError(t, os.Mkdir(dir, 0755))
		manifest := "name: " + name + "\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\nmodes: [pre]\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"+script), 0755))
	}

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	require.NoError(t, err)

	h := &host{
		cfg:    cfg,
		db:     db,
		store:  state.NewStore(db),
		ledger: history.New(db),
		hub:    events.NewHub(256),
	}

	registry, err := plugin.Discover(cfg.Interception.PluginsDir, nil)
	require.NoError(t, err)
	interceptors := interception.New(registry, cfg.Interception)

	h.link = firmware.NewLoopback(ctx, firmware.Options{
		Name:          cfg.Machine.Hostname,
		MotionSystems: cfg.Machine.MotionSystems,
	})
	h.disp = dispatch.New(ctx, dispatch.Options{
		MaxCodesPerInput: cfg.Pipeline.MaxCodesPerInput,
		Transport:        h.link,
		Interceptor:      interceptors,
		Events:           h.hub,
		Paths:            cfg.Machine,
		Macro: files.MacroOptions{
			ConfigPath:    cfg.Machine.ConfigPath(),
			Hostname:      cfg.Machine.Hostname,
			BufferedCodes: cfg.Pipeline.BufferedMacroCodes,
		},
		Fields: []dispatch.FieldSource{h.link},
	})
	interceptors.SetStarter(h.disp)

	h.engine = job.New(ctx, h.disp, job.Options{
		BufferedCodes: cfg.Pipeline.BufferedPrintCodes,
		InfoScanBytes: cfg.Pipeline.InfoScanBytes,
		Machine:       h.link,
		Events:        h.hub,
		Recorders:     []job.Recorder{h.store, h.ledger},
	})
	h.disp.SetJobControl(h.engine)
	h.disp.Evaluator().AddSource(h.engine)
	h.engine.Start()

	t.Cleanup(func() {
		h.engine.Close()
		h.disp.Close()
		interceptors.Close()
		h.link.Close()
		cancel()
		db.Close()
	})
	return h
}

func (h *host) execute(t *testing.T, ch code.Channel, text string) *code.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.disp.ExecuteText(ctx, ch, text, 0)
	require.NoError(t, err, text)
	require.NotNil(t, res, text)
	return res
}

func (h *host) waitForOutcome(t *testing.T, outcome job.Outcome) job.Run {
	t.Helper()
	var runs []job.Run
	require.Eventually(t, func() bool {
		var err error
		runs, err = h.ledger.List(context.Background(), history.Filter{Outcome: outcome})
		return err == nil && len(runs) > 0
	}, 5*time.Second, 10*time.Millisecond, "no %s run recorded", outcome)
	return runs[0]
}

func (h *host) eventTypes(prefix string) []string {
	var out []string
	for _, ev := range h.hub.SnapshotSince(0, prefix) {
		out = append(out, ev.Type)
	}
	return out
}

func TestHostRunsConfigAndDualReaderJob(t *testing.T) {
	h := startHost(t, fixture{
		motionSystems: 2,
		sd: map[string]string{
			"sys/config.g":  "M550 P\"bench\"\nG28\n",
			"gcodes/part.g": "; generated by e2e\nG1 X1\nM400\nG1 X2 Y4\n",
		},
	})
	ctx := context.Background()

	res, err := h.disp.RunConfig(ctx)
	require.NoError(t, err)
	assert.False(t, res.IsError(), res.Content)
	assert.Equal(t, "bench", h.disp.Hostname())

	res = h.execute(t, code.HTTP, `M32 P"part.g"`)
	assert.False(t, res.IsError(), res.Content)

	run := h.waitForOutcome(t, job.OutcomeCompleted)
	assert.Equal(t, "part.g", run.File)
	assert.False(t, run.Simulated)
	assert.NotNil(t, run.FinishedAt)

	st, err := h.store.Job(ctx)
	require.NoError(t, err)
	assert.Equal(t, "part.g", st.LastFile.Name)
	assert.Equal(t, run.ID, st.LastRunID)

	assert.Equal(t, 2.0, h.link.Status().Systems[0]["X"])
	assert.Contains(t, h.eventTypes("job."), job.EventStarted)
	assert.Contains(t, h.eventTypes("job."), job.EventFinished)
}

func TestHostPauseAndCancelRecordedInLedger(t *testing.T) {
	h := startHost(t, fixture{sd: map[string]string{
		"gcodes/slow.g": "G1 X1\nG4 P300\nG1 X2\nG4 P300\nG1 X3\nG4 P300\nG1 X4\n",
	}})
	ctx := context.Background()

	h.execute(t, code.HTTP, `M32 P"slow.g"`)
	require.Eventually(t, func() bool {
		s, err := h.engine.Snapshot(ctx)
		return err == nil && s.Processing
	}, 5*time.Second, 10*time.Millisecond)

	res := h.execute(t, code.HTTP, "M25")
	assert.False(t, res.IsError(), res.Content)
	require.Eventually(t, func() bool {
		s, err := h.engine.Snapshot(ctx)
		return err == nil && s.Paused
	}, 5*time.Second, 10*time.Millisecond)

	h.execute(t, code.HTTP, "M0")
	run := h.waitForOutcome(t, job.OutcomeCancelled)
	assert.Equal(t, "slow.g", run.File)

	st, err := h.store.Job(ctx)
	require.NoError(t, err)
	assert.True(t, st.LastFile.Cancelled)
	assert.Contains(t, h.eventTypes("job."), job.EventPaused)
}

func TestHostInterceptorResolvesCustomCode(t *testing.T) {
	h := startHost(t, fixture{
		interception: "  interceptors:\n    answer:\n      enabled: true\n      modes: [pre]\n      codes: [M1234]\n",
		interceptors: map[string]string{
			"answer": `cat >/dev/null; echo '{"status":"ok","action":"resolve","result":{"type":"success","content":"custom handled"}}'`,
		},
	})

	res := h.execute(t, code.HTTP, "M1234")
	assert.Equal(t, "custom handled", res.Content)

	res = h.execute(t, code.HTTP, "G28")
	assert.False(t, res.IsError(), "codes outside the filter reach the firmware")
	assert.Contains(t, h.link.History(), "G28")
}

func TestHostMacroAndSimulatedJob(t *testing.T) {
	h := startHost(t, fixture{sd: map[string]string{
		"macros/home-all.g": "G28\nG1 X5\n",
		"gcodes/sim.g":      "G1 X1\nG1 X2\n",
	}})
	ctx := context.Background()

	res := h.execute(t, code.Telnet, `M98 P"home-all.g"`)
	assert.False(t, res.IsError(), res.Content)
	assert.Equal(t, 5.0, h.link.Status().Systems[0]["X"])

	h.execute(t, code.HTTP, `M37 P"sim.g"`)
	run := h.waitForOutcome(t, job.OutcomeCompleted)
	assert.True(t, run.Simulated)

	runs, err := h.ledger.List(ctx, history.Filter{File: "sim.g"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
