package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/motionhost/internal/api"
	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/dispatch"
	"github.com/mattjoyce/motionhost/internal/job"
	"github.com/mattjoyce/motionhost/internal/tui"
)

const (
	defaultAPIURL = "http://127.0.0.1:8080"
	tokenEnv      = "MOTIONHOST_TOKEN"
	remoteTimeout = 30 * time.Second
)

// remoteFlags are shared by every command that talks to a running host.
type remoteFlags struct {
	api        string
	token      string
	configPath string
}

func (r *remoteFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.api, "api", "", "API base URL (default from config api.listen)")
	fs.StringVar(&r.token, "token", os.Getenv(tokenEnv), "API bearer token (env "+tokenEnv+")")
	fs.StringVar(&r.configPath, "config", "", "Path to configuration used to find the API")
}

// client resolves the API address and token. Flags win over the config.
func (r *remoteFlags) client() *api.Client {
	base, token := r.api, r.token
	if base == "" || token == "" {
		if cfg, err := loadConfigForTool(r.configPath); err == nil {
			if base == "" && cfg.API.Listen != "" {
				base = listenURL(cfg.API.Listen)
			}
			if token == "" {
				token = cfg.API.Auth.APIKey
			}
		}
	}
	if base == "" {
		base = defaultAPIURL
	}
	return api.NewClient(base, token)
}

// listenURL turns a listen address into a URL a local client can dial.
func listenURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return listen
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	if host, port, ok := strings.Cut(listen, ":"); ok && (host == "0.0.0.0" || host == "[::]") {
		listen = "127.0.0.1:" + port
	}
	return "http://" + listen
}

// parseInterleaved parses flags that may follow positional arguments.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func remoteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), remoteTimeout)
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

func reportRemoteError(action string, err error) int {
	var se *api.StatusError
	if errors.As(err, &se) {
		fmt.Fprintf(os.Stderr, "%s failed: %s (HTTP %d)\n", action, se.Message, se.StatusCode)
		return 1
	}
	fmt.Fprintf(os.Stderr, "%s failed: %v\n", action, err)
	return 1
}

// --- system status ---

func runSystemStatus(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	rf.register(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := remoteContext()
	defer cancel()
	h, err := rf.client().Health(ctx)
	if err != nil {
		return reportRemoteError("status", err)
	}
	if *jsonOut {
		printJSON(os.Stdout, h)
		return 0
	}
	fmt.Printf("status:      %s\n", h.Status)
	now := time.Now()
	uptime := humanize.RelTime(now.Add(-time.Duration(h.UptimeSeconds)*time.Second), now, "", "")
	fmt.Printf("uptime:      %s\n", strings.TrimSpace(uptime))
	fmt.Printf("subscribers: %d\n", h.Subscribers)
	if h.JobFile != "" {
		state := "selected"
		if h.Processing {
			state = "processing"
		}
		fmt.Printf("job:         %s (%s)\n", h.JobFile, state)
	} else {
		fmt.Println("job:         none")
	}
	return 0
}

func runMonitor(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	rf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := tui.NewMonitor(rf.client())
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- job ---

func runJobStatus(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	rf.register(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := remoteContext()
	defer cancel()
	st, err := rf.client().Job(ctx)
	if err != nil {
		return reportRemoteError("job status", err)
	}
	if *jsonOut {
		printJSON(os.Stdout, st)
		return 0
	}
	printJobStatus(os.Stdout, st)
	return 0
}

func printJobStatus(w io.Writer, st job.Status) {
	if st.File == "" {
		fmt.Fprintln(w, "No job selected.")
		if st.LastFile.Name != "" {
			fmt.Fprintf(w, "Last file:  %s (%s)\n", st.LastFile.Name, lastOutcome(st.LastFile))
		}
		return
	}
	fmt.Fprintf(w, "File:       %s\n", st.File)
	fmt.Fprintf(w, "State:      %s\n", jobState(st))
	if st.Length > 0 {
		pct := float64(st.Position) * 100 / float64(st.Length)
		fmt.Fprintf(w, "Progress:   %s / %s (%.1f%%)\n", humanize.Bytes(uint64(st.Position)), humanize.Bytes(uint64(st.Length)), pct)
	}
	if st.Paused && st.PausePosition != nil {
		fmt.Fprintf(w, "Paused at:  byte %s (%s)\n", humanize.Comma(*st.PausePosition), st.PauseReason)
	}
	if st.Info != nil {
		if st.Info.GeneratedBy != "" {
			fmt.Fprintf(w, "Generator:  %s\n", st.Info.GeneratedBy)
		}
		if st.Info.PrintTime > 0 {
			fmt.Fprintf(w, "Estimate:   %s\n", time.Duration(st.Info.PrintTime)*time.Second)
		}
	}
	if st.RunID != "" {
		fmt.Fprintf(w, "Run:        %s\n", st.RunID)
	}
}

func jobState(st job.Status) string {
	switch {
	case st.Aborted:
		return "aborted"
	case st.Cancelled:
		return "cancelled"
	case st.Paused:
		return "paused"
	case st.Processing && st.Simulating:
		return "simulating"
	case st.Processing:
		return "processing"
	default:
		return "selected"
	}
}

func lastOutcome(lf job.LastFile) string {
	switch {
	case lf.Aborted:
		return "aborted"
	case lf.Cancelled:
		return "cancelled"
	case lf.Simulated:
		return "simulated"
	default:
		return "completed"
	}
}

func runJobSelect(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("select", flag.ContinueOnError)
	rf.register(fs)
	start := fs.Bool("start", false, "Start the job after selecting it")
	simulate := fs.Bool("simulate", false, "Run the job as a simulation")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: motionhost job select <file> [--start] [--simulate]")
		return 1
	}

	ctx, cancel := remoteContext()
	defer cancel()
	st, err := rf.client().Select(ctx, api.SelectRequest{File: positional[0], Simulate: *simulate, Start: *start})
	if err != nil {
		return reportRemoteError("select", err)
	}
	printJobStatus(os.Stdout, st)
	return 0
}

func runJobPause(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("pause", flag.ContinueOnError)
	rf.register(fs)
	reason := fs.String("reason", "user", "Pause reason (user, code, trigger, filament, heater, stall, driver, low_voltage)")
	position := fs.Int64("position", -1, "File offset to resume from (default: current position)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if _, err := dispatch.ParsePauseReason(*reason); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	req := api.PauseRequest{Reason: *reason}
	if *position >= 0 {
		req.Position = position
	}
	ctx, cancel := remoteContext()
	defer cancel()
	st, err := rf.client().Pause(ctx, req)
	if err != nil {
		return reportRemoteError("pause", err)
	}
	printJobStatus(os.Stdout, st)
	return 0
}

func runJobAction(action string, args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	rf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := remoteContext()
	defer cancel()
	st, err := rf.client().Action(ctx, action)
	if err != nil {
		return reportRemoteError(action, err)
	}
	printJobStatus(os.Stdout, st)
	return 0
}

func runJobHistory(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	rf.register(fs)
	file := fs.String("file", "", "Only runs of this job file")
	outcome := fs.String("outcome", "", "Only runs with this outcome (running, completed, cancelled, aborted)")
	limit := fs.Int("limit", 20, "Maximum runs to list")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := remoteContext()
	defer cancel()
	runs, err := rf.client().History(ctx, *file, job.Outcome(*outcome), *limit)
	if err != nil {
		return reportRemoteError("history", err)
	}
	if *jsonOut {
		printJSON(os.Stdout, runs)
		return 0
	}
	printRuns(os.Stdout, runs, time.Now())
	return 0
}

func printRuns(w io.Writer, runs []job.Run, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-10s  %-14s  %-10s  %s\n", "RUN", "OUTCOME", "STARTED", "DURATION", "FILE")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		outcome := string(r.Outcome)
		if r.Simulated {
			outcome += "*"
		}
		fmt.Fprintf(w, "%-36s  %-10s  %-14s  %-10s  %s\n",
			r.ID, outcome, humanize.RelTime(r.StartedAt, now, "ago", "from now"), duration, r.File)
	}
}

// --- code ---

func runCodeSend(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	rf.register(fs)
	channel := fs.String("channel", code.HTTP.String(), "Channel to run the codes on")
	prioritized := fs.Bool("prioritized", false, "Run ahead of queued codes")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: motionhost code send <text> [--channel NAME]")
		return 1
	}
	if _, err := code.ParseChannel(*channel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := remoteContext()
	defer cancel()
	res, err := rf.client().Code(ctx, api.CodeRequest{
		Code:        strings.Join(positional, " "),
		Channel:     *channel,
		Prioritized: *prioritized,
	})
	if err != nil {
		return reportRemoteError("code", err)
	}
	if *jsonOut {
		printJSON(os.Stdout, res)
		return 0
	}
	if res.Result.Content != "" {
		fmt.Println(res.Result.Content)
	}
	if res.Result.IsError() {
		return 2
	}
	return 0
}

func runJobPosition(args []string) int {
	var rf remoteFlags
	fs := flag.NewFlagSet("position", flag.ContinueOnError)
	rf.register(fs)
	motionSystem := fs.Int("motion-system", 0, "Reader to move (0 or 1)")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: motionhost job position <offset> [--motion-system N]")
		return 1
	}
	pos, err := parsePosition(positional[0])
	if err != nil || pos < 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid file offset %q\n", positional[0])
		return 1
	}

	ctx, cancel := remoteContext()
	defer cancel()
	st, err := rf.client().SetPosition(ctx, api.PositionRequest{MotionSystem: *motionSystem, Position: pos})
	if err != nil {
		return reportRemoteError("position", err)
	}
	printJobStatus(os.Stdout, st)
	return 0
}

// parsePosition accepts plain or comma-grouped byte offsets.
func parsePosition(s string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
}
