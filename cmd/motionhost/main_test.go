package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/motionhost/internal/api"
	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/job"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

// writeTestConfig lays out a config.yaml with an include and a virtual SD card.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	sd := filepath.Join(tmpDir, "sd")
	for _, sub := range []string{"sys", "macros", "gcodes"} {
		if err := os.MkdirAll(filepath.Join(sd, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(sd, "sys", "config.g"), []byte("M550 P\"bench\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	configPath := filepath.Join(tmpDir, "config.yaml")
	configYAML := `
include:
  - machine.yaml
service:
  log_level: info
state:
  path: ` + filepath.Join(tmpDir, "data", "state.db") + `
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	machineYAML := `
machine:
  base_dir: ` + sd + `
  hostname: bench
`
	if err := os.WriteFile(filepath.Join(tmpDir, "machine.yaml"), []byte(machineYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestRunConfigHashUpdateVerboseDryRun(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigHashUpdate([]string{"--config", configPath, "-v", "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("runConfigHashUpdate() code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"Processing directory:", "HASH config.yaml:", "HASH machine.yaml:", "DRY-RUN .checksums", "Dry run completed"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q: %s", want, stdout)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), ".checksums")); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote checksums (stat err = %v)", err)
	}
}

func TestRunConfigHashUpdateWritesChecksums(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigHashUpdate([]string{"--config", configPath, "--verbose"})
	})
	if code != 0 {
		t.Fatalf("runConfigHashUpdate() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "WROTE .checksums") {
		t.Fatalf("stdout missing write line: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), ".checksums")); err != nil {
		t.Fatalf("checksums not written: %v", err)
	}

	// once locked the integrity audit is clean
	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	if strings.Contains(stdout, `"integrity"`) {
		t.Fatalf("unexpected integrity issue after lock: %s", stdout)
	}
}

func TestRunConfigCheckReportsMissingManifest(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "WARN  [integrity]") {
		t.Fatalf("expected integrity warning, got: %s", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath, "--strict"})
	})
	if code != 2 {
		t.Fatalf("--strict with warnings should exit 2, got %d", code)
	}
}

func TestRunConfigGetAndSet(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"machine.hostname", "--config", configPath})
	})
	if code != 0 || strings.TrimSpace(stdout) != "bench" {
		t.Fatalf("config get = %d %q, stderr: %s", code, stdout, stderr)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config", configPath, "daemon.interval=30s", "--dry-run"})
	})
	if code != 0 || !strings.Contains(stdout, "would set") {
		t.Fatalf("config set --dry-run = %d %q, stderr: %s", code, stdout, stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config", configPath, "daemon.interval=30s"})
	})
	if code != 1 || !strings.Contains(stderr, "--dry-run or --apply") {
		t.Fatalf("config set without mode = %d, stderr: %s", code, stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"--config", configPath, "daemon.interval=30s", "--apply"})
	})
	if code != 0 {
		t.Fatalf("config set --apply = %d, stderr: %s", code, stderr)
	}
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Daemon.Interval != 30*time.Second {
		t.Fatalf("daemon.interval = %s after apply", cfg.Daemon.Interval)
	}
}

func TestRunConfigShowEntity(t *testing.T) {
	configPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"machine", "--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("config show = %d, stderr: %s", code, stderr)
	}
	var machine map[string]any
	if err := json.Unmarshal([]byte(stdout), &machine); err != nil {
		t.Fatalf("config show output is not JSON: %v\n%s", err, stdout)
	}
	if machine["hostname"] != "bench" {
		t.Fatalf("unexpected machine section: %v", machine)
	}
}

func TestRunConfigNounActionHelp(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"check", "--help"})
	})
	if code != 0 {
		t.Fatalf("runConfigNoun() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Usage: motionhost config check") {
		t.Fatalf("unexpected help: %s", stdout)
	}
}

func TestRunJobNounActionHelp(t *testing.T) {
	for _, action := range []string{"status", "select", "pause", "resume", "position", "history"} {
		code, stdout, stderr := captureOutputWithExitCode(t, func() int {
			return runJobNoun([]string{action, "--help"})
		})
		if code != 0 {
			t.Fatalf("runJobNoun(%s) code = %d, stderr: %s", action, code, stderr)
		}
		if !strings.Contains(stdout, "Usage: motionhost job "+action) {
			t.Fatalf("help for %s: %s", action, stdout)
		}
	}
}

func TestRunNounUnknownAction(t *testing.T) {
	for name, run := range map[string]func([]string) int{
		"system": runSystemNoun,
		"config": runConfigNoun,
		"job":    runJobNoun,
		"code":   runCodeNoun,
	} {
		code, _, stderr := captureOutputWithExitCode(t, func() int { return run([]string{"explode"}) })
		if code != 1 || !strings.Contains(stderr, "Unknown "+name+" action") {
			t.Fatalf("%s explode = %d, stderr: %s", name, code, stderr)
		}
	}
}

func TestPrintUsageUsesActionTerminology(t *testing.T) {
	_, stdout, _ := captureOutputWithExitCode(t, func() int {
		printUsage()
		return 0
	})
	for _, want := range []string{"system start", "job select <file>", "code send <text>", "config lock"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("usage missing %q", want)
		}
	}
}

func TestListenURL(t *testing.T) {
	tests := []struct {
		listen, want string
	}{
		{":8080", "http://127.0.0.1:8080"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{"10.0.0.5:8080", "http://10.0.0.5:8080"},
		{"https://host.example", "https://host.example"},
	}
	for _, tt := range tests {
		if got := listenURL(tt.listen); got != tt.want {
			t.Errorf("listenURL(%q) = %q, want %q", tt.listen, got, tt.want)
		}
	}
}

// fakeHost serves canned API replies and records what it was asked.
type fakeHost struct {
	paths  []string
	bodies []string
	auth   string
}

func (f *fakeHost) server(t *testing.T) *httptest.Server {
	t.Helper()
	pos := int64(2048)
	status := job.Status{
		File:          "part.g",
		Processing:    true,
		Paused:        true,
		Position:      1024,
		Length:        4096,
		PausePosition: &pos,
		RunID:         "run-1",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.paths = append(f.paths, r.Method+" "+r.URL.Path)
		f.auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		f.bodies = append(f.bodies, string(b))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/code":
			var req api.CodeRequest
			_ = json.Unmarshal(b, &req)
			res := code.Result{Type: code.MessageSuccess, Content: "ok " + req.Code}
			if req.Code == "G99" {
				res = code.Result{Type: code.MessageError, Content: "unknown code"}
			}
			_ = json.NewEncoder(w).Encode(api.CodeResponse{Channel: req.Channel, Result: res})
		case "/job/history":
			finished := time.Now().Add(-time.Minute)
			_ = json.NewEncoder(w).Encode(api.HistoryResponse{Runs: []job.Run{{
				ID: "run-1", File: "part.g", Outcome: job.OutcomeCancelled,
				StartedAt: finished.Add(-90 * time.Second), FinishedAt: &finished,
			}}})
		case "/job/select":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "job file not found"})
		default:
			_ = json.NewEncoder(w).Encode(api.JobResponse{Job: status})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunJobCommandsAgainstHost(t *testing.T) {
	host := &fakeHost{}
	srv := host.server(t)
	remote := []string{"--api", srv.URL, "--token", "job-token"}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runJobStatus(remote)
	})
	if code != 0 {
		t.Fatalf("job status = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"File:       part.g", "State:      paused", "(25.0%)", "byte 2,048 (user)"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("job status missing %q:\n%s", want, stdout)
		}
	}
	if host.auth != "Bearer job-token" {
		t.Fatalf("token not sent: %q", host.auth)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runJobPause(append([]string{"--reason", "filament", "--position", "100"}, remote...))
	})
	if code != 0 {
		t.Fatalf("job pause = %d, stderr: %s", code, stderr)
	}
	last := host.bodies[len(host.bodies)-1]
	if !strings.Contains(last, `"reason":"filament"`) || !strings.Contains(last, `"position":100`) {
		t.Fatalf("unexpected pause body: %s", last)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runJobPause(append([]string{"--reason", "nap"}, remote...))
	})
	if code != 1 || !strings.Contains(stderr, "unknown pause reason") {
		t.Fatalf("bad reason = %d, stderr: %s", code, stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runJobPosition(append([]string{"1,024", "--motion-system", "1"}, remote...))
	})
	if code != 0 {
		t.Fatalf("job position = %d, stderr: %s", code, stderr)
	}
	last = host.bodies[len(host.bodies)-1]
	if !strings.Contains(last, `"motion_system":1`) || !strings.Contains(last, `"position":1024`) {
		t.Fatalf("unexpected position body: %s", last)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runJobSelect(append([]string{"missing.g", "--start"}, remote...))
	})
	if code != 1 || !strings.Contains(stderr, "job file not found (HTTP 404)") {
		t.Fatalf("select missing = %d, stderr: %s", code, stderr)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runJobHistory(append([]string{"--limit", "5"}, remote...))
	})
	if code != 0 || !strings.Contains(stdout, "cancelled") || !strings.Contains(stdout, "1m30s") {
		t.Fatalf("job history = %d %q, stderr: %s", code, stdout, stderr)
	}

	want := []string{"GET /job", "POST /job/pause", "POST /job/position", "POST /job/select", "GET /job/history"}
	if strings.Join(host.paths, ",") != strings.Join(want, ",") {
		t.Fatalf("requests = %v, want %v", host.paths, want)
	}
}

func TestRunCodeSend(t *testing.T) {
	host := &fakeHost{}
	srv := host.server(t)
	remote := []string{"--api", srv.URL}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCodeSend(append([]string{"G28", "X", "--channel", "telnet"}, remote...))
	})
	if code != 0 || strings.TrimSpace(stdout) != "ok G28 X" {
		t.Fatalf("code send = %d %q, stderr: %s", code, stdout, stderr)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runCodeSend(append([]string{"G99"}, remote...))
	})
	if code != 2 {
		t.Fatalf("error reply should exit 2, got %d", code)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCodeSend(append([]string{"G28", "--channel", "pigeon"}, remote...))
	})
	if code != 1 || !strings.Contains(stderr, "pigeon") {
		t.Fatalf("unknown channel = %d, stderr: %s", code, stderr)
	}
}

func TestPrintRunsEmpty(t *testing.T) {
	var b strings.Builder
	printRuns(&b, nil, time.Now())
	if b.String() != "No runs recorded.\n" {
		t.Fatalf("unexpected output %q", b.String())
	}
}
