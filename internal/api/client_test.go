package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/motionhost/internal/events"
	"github.com/mattjoyce/motionhost/internal/job"
)

func TestClientAgainstServer(t *testing.T) {
	ts := newTestServer(t)
	ts.history.runs = []job.Run{{ID: "r1", File: "part.g", Outcome: job.OutcomeAborted}}
	srv := httptest.NewServer(ts.srv.Handler())
	defer srv.Close()

	c := NewClient(srv.URL+"/", adminKey)
	ctx := context.Background()

	if h, err := c.Health(ctx); err != nil || h.Status != "ok" {
		t.Fatalf("Health = %+v, %v", h, err)
	}
	st, err := c.Select(ctx, SelectRequest{File: "part.g"})
	if err != nil || st.File != "/gcodes/part.g" {
		t.Fatalf("Select = %+v, %v", st, err)
	}
	if _, err := c.Pause(ctx, PauseRequest{Reason: "user"}); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := c.Action(ctx, "resume"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := c.Action(ctx, "explode"); err == nil {
		t.Fatal("expected error for unknown action")
	}
	res, err := c.Code(ctx, CodeRequest{Code: "G28"})
	if err != nil || res.Channel != "HTTP" {
		t.Fatalf("Code = %+v, %v", res, err)
	}
	runs, err := c.History(ctx, "part.g", job.OutcomeAborted, 3)
	if err != nil || len(runs) != 1 {
		t.Fatalf("History = %+v, %v", runs, err)
	}
	if ts.history.filter.Limit != 3 {
		t.Fatalf("limit not sent: %+v", ts.history.filter)
	}

	var b strings.Builder
	if err := c.DiagnosticsText(ctx, &b); err != nil || !strings.Contains(b.String(), "=== Job ===") {
		t.Fatalf("DiagnosticsText = %q, %v", b.String(), err)
	}
}

func TestClientStatusError(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.srv.Handler())
	defer srv.Close()

	_, err := NewClient(srv.URL, "reader-token").Action(context.Background(), "abort")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusForbidden || se.Message != "insufficient scope" {
		t.Fatalf("unexpected status error: %+v", se)
	}
}

func TestReadSSE(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"id: 3\nevent: job.paused\ndata: {\"reason\":\"user\"}\n\n" +
		"id: 4\nevent: message\ndata: {\"a\":\ndata: 1}\n\n" +
		"id: 5\nevent: partial\n"

	var got []events.Event
	err := ReadSSE(strings.NewReader(stream), func(ev events.Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSSE: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %+v", got)
	}
	if got[0].ID != 3 || got[0].Type != "job.paused" || string(got[0].Data) != `{"reason":"user"}` {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if string(got[1].Data) != "{\"a\":\n1}" {
		t.Fatalf("multi-line data joined as %q", got[1].Data)
	}
}

func TestClientEventsStopsOnCallbackError(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.Publish("job.selected", nil)
	srv := httptest.NewServer(ts.srv.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stop := errors.New("stop")
	err := NewClient(srv.URL, adminKey).Events(ctx, []string{"job."}, func(ev events.Event) error {
		if ev.Type != "job.selected" {
			t.Errorf("unexpected event %q", ev.Type)
		}
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}
