package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/motionhost/internal/auth"
	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/dispatch"
	"github.com/mattjoyce/motionhost/internal/events"
	"github.com/mattjoyce/motionhost/internal/history"
	"github.com/mattjoyce/motionhost/internal/job"
	"github.com/mattjoyce/motionhost/internal/pipeline"
)

// fakeCodes implements CodeRunner for testing
type fakeCodes struct {
	mu      sync.Mutex
	sent    []string
	flags   []code.Flags
	execute func(ctx context.Context, ch code.Channel, text string) (*code.Result, error)
}

func (f *fakeCodes) ExecuteText(ctx context.Context, ch code.Channel, text string, flags code.Flags) (*code.Result, error) {
	f.mu.Lock()
	f.sent = append(f.sent, ch.String()+":"+text)
	f.flags = append(f.flags, flags)
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, ch, text)
	}
	return code.Success(""), nil
}

func (f *fakeCodes) Snapshot() []pipeline.ChannelState {
	return []pipeline.ChannelState{{Channel: "HTTP", Idle: true}}
}

func (f *fakeCodes) Diagnostics(w io.Writer) {
	fmt.Fprintln(w, "=== Code pipelines ===")
}

// fakeJob implements JobController for testing
type fakeJob struct {
	mu       sync.Mutex
	status   job.Status
	calls    []string
	selected string
	pausePos *int64
	reason   dispatch.PauseReason
	err      error
}

func (f *fakeJob) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeJob) SelectFile(ctx context.Context, path string, simulating bool) error {
	if err := f.record("select"); err != nil {
		return err
	}
	f.mu.Lock()
	f.selected = path
	f.status.File = path
	f.status.Simulating = simulating
	f.mu.Unlock()
	return nil
}

func (f *fakeJob) Resume(ctx context.Context) error { return f.record("resume") }
func (f *fakeJob) Cancel(ctx context.Context) error { return f.record("cancel") }
func (f *fakeJob) Abort(ctx context.Context) error  { return f.record("abort") }

func (f *fakeJob) Pause(ctx context.Context, position *int64, reason dispatch.PauseReason) error {
	f.mu.Lock()
	f.pausePos, f.reason = position, reason
	f.mu.Unlock()
	return f.record("pause")
}

func (f *fakeJob) SetFilePosition(ctx context.Context, motionSystem int, pos int64) error {
	return f.record(fmt.Sprintf("position:%d:%d", motionSystem, pos))
}

func (f *fakeJob) Snapshot(ctx context.Context) (job.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeJob) Diagnostics(w io.Writer) {
	fmt.Fprintln(w, "=== Job ===")
}

func (f *fakeJob) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeHistory implements RunHistory for testing
type fakeHistory struct {
	runs   []job.Run
	filter history.Filter
}

func (f *fakeHistory) List(ctx context.Context, flt history.Filter) ([]job.Run, error) {
	f.filter = flt
	return f.runs, nil
}

func (f *fakeHistory) Get(ctx context.Context, id string) (*job.Run, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, history.ErrNotFound
}

type gcodesDir string

func (d gcodesDir) GCodeFile(name string) string { return string(d) + "/" + name }

type testServer struct {
	srv     *Server
	codes   *fakeCodes
	job     *fakeJob
	history *fakeHistory
	hub     *events.Hub
}

const adminKey = "admin-key-0123456789"

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		codes:   &fakeCodes{},
		job:     &fakeJob{},
		history: &fakeHistory{},
		hub:     events.NewHub(32),
	}
	cfg := Config{
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: "reader-token", Scopes: []string{"ro"}},
			{Token: "job-token", Scopes: []string{"job:rw"}},
			{Token: "code-token", Scopes: []string{"code:rw"}},
		},
		CodeTimeout: time.Second,
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ts.srv = New(cfg, ts.codes, ts.job, ts.history, gcodesDir("/gcodes"), ts.hub, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.job.status = job.Status{File: "/gcodes/part.g", Processing: true}

	rec := ts.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[HealthzResponse](t, rec)
	if resp.Status != "ok" || resp.JobFile != "/gcodes/part.g" || !resp.Processing {
		t.Fatalf("unexpected healthz response: %+v", resp)
	}
}

func TestAuthAndScopes(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"missing token", http.MethodGet, "/job", "", "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/job", "nope", "", http.StatusUnauthorized},
		{"reader can read job", http.MethodGet, "/job", "reader-token", "", http.StatusOK},
		{"reader cannot pause", http.MethodPost, "/job/pause", "reader-token", "", http.StatusForbidden},
		{"reader cannot send codes", http.MethodPost, "/code", "reader-token", `{"code":"G28"}`, http.StatusForbidden},
		{"job writer can read job", http.MethodGet, "/job", "job-token", "", http.StatusOK},
		{"job writer cannot read diagnostics", http.MethodGet, "/diagnostics", "job-token", "", http.StatusForbidden},
		{"code writer cannot read job", http.MethodGet, "/job", "code-token", "", http.StatusForbidden},
		{"code writer can send codes", http.MethodPost, "/code", "code-token", `{"code":"G28"}`, http.StatusOK},
		{"admin can do anything", http.MethodGet, "/diagnostics", adminKey, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.token, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleCode(t *testing.T) {
	ts := newTestServer(t)
	ts.codes.execute = func(ctx context.Context, ch code.Channel, text string) (*code.Result, error) {
		if text == "M115" {
			return code.Success("FIRMWARE_NAME: loopback"), nil
		}
		return code.Errorf("unknown"), nil
	}

	rec := ts.do(t, http.MethodPost, "/code", adminKey, `{"code":"M115","channel":"telnet","prioritized":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[CodeResponse](t, rec)
	if resp.Channel != "Telnet" || resp.Result.Content != "FIRMWARE_NAME: loopback" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if ts.codes.sent[0] != "Telnet:M115" {
		t.Fatalf("sent %v", ts.codes.sent)
	}
	if ts.codes.flags[0]&code.Prioritized == 0 {
		t.Fatalf("expected prioritized flag, got %s", ts.codes.flags[0])
	}
}

func TestHandleCodeErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.codes.execute = func(ctx context.Context, ch code.Channel, text string) (*code.Result, error) {
		switch text {
		case "M400":
			<-ctx.Done()
			return nil, fmt.Errorf("wait for M400: %w", ctx.Err())
		case "M98 P\"missing.g\"":
			return nil, fmt.Errorf("macro file missing.g not found: %w", os.ErrNotExist)
		default:
			return nil, &code.ParseError{Line: 1, Reason: "unterminated string"}
		}
	}
	ts.srv.config.CodeTimeout = 20 * time.Millisecond

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"empty code", `{"code":"  "}`, http.StatusBadRequest},
		{"unknown channel", `{"code":"G28","channel":"moon"}`, http.StatusBadRequest},
		{"file channel refused", `{"code":"G28","channel":"File"}`, http.StatusBadRequest},
		{"parse error", `{"code":"M117 \"oops"}`, http.StatusBadRequest},
		{"missing macro", `{"code":"M98 P\"missing.g\""}`, http.StatusNotFound},
		{"timeout", `{"code":"M400"}`, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/code", adminKey, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if resp := decode[ErrorResponse](t, rec); resp.Error == "" {
				t.Fatal("expected error message")
			}
		})
	}
}

func TestJobActions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/job/select", "job-token", `{"file":"part.g","simulate":true,"start":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[JobResponse](t, rec)
	if resp.Job.File != "/gcodes/part.g" || !resp.Job.Simulating {
		t.Fatalf("unexpected job after select: %+v", resp.Job)
	}

	rec = ts.do(t, http.MethodPost, "/job/pause", "job-token", `{"position":120,"reason":"filament"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.job.pausePos == nil || *ts.job.pausePos != 120 || ts.job.reason != dispatch.PauseFilament {
		t.Fatalf("pause arguments not forwarded: %v %s", ts.job.pausePos, ts.job.reason)
	}

	for _, action := range []string{"resume", "cancel", "abort"} {
		if rec := ts.do(t, http.MethodPost, "/job/"+action, "job-token", ""); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", action, rec.Code)
		}
	}
	if rec := ts.do(t, http.MethodPost, "/job/position", "job-token", `{"motion_system":1,"position":42}`); rec.Code != http.StatusOK {
		t.Fatalf("position: expected 200, got %d", rec.Code)
	}

	want := []string{"select", "resume", "pause", "resume", "cancel", "abort", "position:1:42"}
	if got := ts.job.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestJobActionErrors(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, http.MethodPost, "/job/select", adminKey, `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("select without file: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/job/pause", adminKey, `{"reason":"bored"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown reason: expected 400, got %d", rec.Code)
	}

	ts.job.err = job.ErrNoJob
	if rec := ts.do(t, http.MethodPost, "/job/resume", adminKey, ""); rec.Code != http.StatusConflict {
		t.Fatalf("resume without job: expected 409, got %d", rec.Code)
	}
	ts.job.err = fmt.Errorf("position 900 past end of file: %w", code.ErrInvalidState)
	if rec := ts.do(t, http.MethodPost, "/job/position", adminKey, `{"position":900}`); rec.Code != http.StatusConflict {
		t.Fatalf("bad position: expected 409, got %d", rec.Code)
	}
	ts.job.err = fmt.Errorf("open /gcodes/none.g: %w", os.ErrNotExist)
	if rec := ts.do(t, http.MethodPost, "/job/select", adminKey, `{"file":"none.g"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("missing file: expected 404, got %d", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.history.runs = []job.Run{
		{ID: "run-2", File: "part.g", Outcome: job.OutcomeCompleted},
		{ID: "run-1", File: "part.g", Outcome: job.OutcomeCancelled},
	}

	rec := ts.do(t, http.MethodGet, "/job/history?file=part.g&outcome=completed&limit=5", "reader-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[HistoryResponse](t, rec)
	if len(resp.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(resp.Runs))
	}
	if ts.history.filter.File != "part.g" || ts.history.filter.Outcome != job.OutcomeCompleted || ts.history.filter.Limit != 5 {
		t.Fatalf("filter not forwarded: %+v", ts.history.filter)
	}

	if rec := ts.do(t, http.MethodGet, "/job/history?limit=x", "reader-token", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/job/history/run-1", "reader-token", "")
	if run := decode[job.Run](t, rec); run.Outcome != job.OutcomeCancelled {
		t.Fatalf("unexpected run: %+v", run)
	}
	if rec := ts.do(t, http.MethodGet, "/job/history/none", "reader-token", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run: expected 404, got %d", rec.Code)
	}
}

func TestDiagnostics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/diagnostics", "reader-token", "")
	body := rec.Body.String()
	if !strings.Contains(body, "=== Code pipelines ===") || !strings.Contains(body, "=== Job ===") {
		t.Fatalf("unexpected diagnostics:\n%s", body)
	}

	rec = ts.do(t, http.MethodGet, "/diagnostics?format=json", "reader-token", "")
	resp := decode[DiagnosticsResponse](t, rec)
	if len(resp.Channels) != 1 || resp.Channels[0].Channel != "HTTP" {
		t.Fatalf("unexpected channels: %+v", resp.Channels)
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.Publish("code.executed", map[string]any{"code": "G28"})
	ts.hub.Publish("job.selected", map[string]any{"file": "part.g"})

	srv := httptest.NewServer(ts.srv.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?types=job.", nil)
	req.Header.Set("Authorization", "Bearer reader-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	go func() {
		for ts.hub.Subscribers() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		ts.hub.Publish("message", map[string]any{"content": "ignored"})
		ts.hub.Publish("job.paused", map[string]any{"reason": "user"})
	}()

	var got []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(got) < 2 {
		if line := sc.Text(); strings.HasPrefix(line, "event: ") {
			got = append(got, strings.TrimPrefix(line, "event: "))
		}
	}
	if strings.Join(got, ",") != "job.selected,job.paused" {
		t.Fatalf("events = %v", got)
	}
}

func TestWriteSSE(t *testing.T) {
	rec := httptest.NewRecorder()
	ev := events.Event{ID: 7, Type: "job.finished", Data: json.RawMessage(`{"outcome":"completed"}`)}
	if err := writeSSE(rec, ev); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}
	want := "id: 7\nevent: job.finished\ndata: {\"outcome\":\"completed\"}\n\n"
	if !bytes.Equal(rec.Body.Bytes(), []byte(want)) {
		t.Fatalf("got %q, want %q", rec.Body.String(), want)
	}
}

func TestParseLastEventID(t *testing.T) {
	cases := map[string]int64{"": 0, "12": 12, " 5 ": 5, "-1": 0, "x": 0}
	for in, want := range cases {
		if got := parseLastEventID(in); got != want {
			t.Errorf("parseLastEventID(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.config.CORSOrigins = []string{"http://dashboard.local"}

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/job", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		req.Header.Set("Access-Control-Request-Headers", "authorization")
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("http://dashboard.local")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Fatalf("allowed origin header = %q", got)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}

	rec = preflight("http://elsewhere.local")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q for unlisted origin", got)
	}
}

func TestNoCORSByDefault(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want none", got)
	}
}
