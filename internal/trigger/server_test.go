package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/events"
)

type call struct {
	ch   code.Channel
	name string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	release chan struct{}
	err     error
}

func (f *fakeRunner) RunMacro(ctx context.Context, ch code.Channel, name string, start *code.Code) (*code.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{ch: ch, name: name})
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return code.Success(""), nil
}

func (f *fakeRunner) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

const testSecret = "test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(runner MacroRunner, hub *events.Hub) *Server {
	return New(Config{
		Listen: "127.0.0.1:0",
		Endpoints: []EndpointConfig{{
			Path:            "/trigger/door",
			Trigger:         3,
			Secret:          testSecret,
			SignatureHeader: "X-Signature-256",
			MaxBodySize:     64,
		}},
	}, runner, hub, testLogger())
}

func signedRequest(path string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("X-Signature-256", Signature(body, testSecret))
	return req
}

func TestHandleTriggerRunsMacro(t *testing.T) {
	runner := &fakeRunner{}
	hub := events.NewHub(16)
	s := newTestServer(runner, hub)

	rec := httptest.NewRecorder()
	s.handleTrigger(rec, signedRequest("/trigger/door", []byte(`{"open":true}`)))
	s.Wait()

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Trigger != 3 || resp.Macro != "trigger3.g" {
		t.Errorf("response = %+v", resp)
	}

	calls := runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("RunMacro called %d times, want 1", len(calls))
	}
	if calls[0].ch != code.Trigger || calls[0].name != "trigger3.g" {
		t.Errorf("RunMacro(%s, %q), want Trigger trigger3.g", calls[0].ch, calls[0].name)
	}
}

func TestHandleTriggerRejects(t *testing.T) {
	body := []byte(`{}`)
	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{
			name: "missing signature",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/trigger/door", bytes.NewReader(body))
			},
			status: http.StatusForbidden,
		},
		{
			name: "bad signature",
			req: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/trigger/door", bytes.NewReader(body))
				req.Header.Set("X-Signature-256", Signature(body, "wrong"))
				return req
			},
			status: http.StatusForbidden,
		},
		{
			name: "body too large",
			req: func() *http.Request {
				return signedRequest("/trigger/door", bytes.Repeat([]byte("x"), 65))
			},
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name: "unknown path",
			req: func() *http.Request {
				return signedRequest("/trigger/other", body)
			},
			status: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			s := newTestServer(runner, nil)
			rec := httptest.NewRecorder()
			s.handleTrigger(rec, tt.req())
			s.Wait()

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Error == "" {
				t.Errorf("error body = %q (%v)", resp.Error, err)
			}
			if n := len(runner.Calls()); n != 0 {
				t.Errorf("RunMacro called %d times, want 0", n)
			}
		})
	}
}

func TestHandleTriggerBusy(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s := newTestServer(runner, nil)

	first := httptest.NewRecorder()
	s.handleTrigger(first, signedRequest("/trigger/door", []byte("a")))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	s.handleTrigger(second, signedRequest("/trigger/door", []byte("b")))
	if second.Code != http.StatusConflict {
		t.Errorf("second status = %d, want %d", second.Code, http.StatusConflict)
	}

	close(runner.release)
	s.Wait()

	third := httptest.NewRecorder()
	s.handleTrigger(third, signedRequest("/trigger/door", []byte("c")))
	s.Wait()
	if third.Code != http.StatusAccepted {
		t.Errorf("third status = %d, want %d", third.Code, http.StatusAccepted)
	}
	if n := len(runner.Calls()); n != 2 {
		t.Errorf("RunMacro called %d times, want 2", n)
	}
}

func TestHandleTriggerMissingMacroPublishesFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("macro file trigger3.g not found: %w", os.ErrNotExist)}
	hub := events.NewHub(16)
	s := newTestServer(runner, hub)

	rec := httptest.NewRecorder()
	s.handleTrigger(rec, signedRequest("/trigger/door", []byte("{}")))
	s.Wait()

	var types []string
	for _, ev := range hub.SnapshotSince(0, "trigger.") {
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != "trigger.started" || types[1] != "trigger.failed" {
		t.Errorf("events = %v, want [trigger.started trigger.failed]", types)
	}
}

func TestStartServesRoutes(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(runner, nil)
	srv := httptest.NewServer(s.setupRoutes())
	defer srv.Close()

	body := []byte(`{"k":1}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/trigger/door", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Signature-256", Signature(body, testSecret))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	s.Wait()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	get, err := http.Get(srv.URL + "/trigger/door")
	if err != nil {
		t.Fatal(err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", get.StatusCode)
	}
}
