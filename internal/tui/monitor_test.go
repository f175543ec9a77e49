package tui

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/motionhost/internal/api"
	"github.com/mattjoyce/motionhost/internal/dispatch"
	"github.com/mattjoyce/motionhost/internal/events"
	"github.com/mattjoyce/motionhost/internal/job"
	"github.com/mattjoyce/motionhost/internal/pipeline"
)

func newModel(t *testing.T) Model {
	t.Helper()
	m := NewMonitor(api.NewClient("http://127.0.0.1:0", ""))
	t.Cleanup(m.cancel)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model)
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		pos, length int64
		want        string
	}{
		{0, 0, "░░░░░░░░░░   0%"},
		{50, 100, "█████░░░░░  50%"},
		{150, 100, "██████████ 100%"},
		{-5, 100, "░░░░░░░░░░   0%"},
	}
	for _, tt := range tests {
		if got := progressBar(tt.pos, tt.length, 10); got != tt.want {
			t.Errorf("progressBar(%d, %d) = %q, want %q", tt.pos, tt.length, got, tt.want)
		}
	}
}

func TestEventLogIsBounded(t *testing.T) {
	m := newModel(t)
	for i := range maxEventLog + 5 {
		next, _ := m.Update(eventMsg(events.Event{ID: int64(i + 1), Type: "code.executed", Data: json.RawMessage(`{}`)}))
		m = next.(Model)
	}
	if len(m.eventLog) != maxEventLog {
		t.Fatalf("event log has %d entries, want %d", len(m.eventLog), maxEventLog)
	}
	if m.eventLog[0].ID != maxEventLog+5 {
		t.Fatalf("newest event should come first, got id %d", m.eventLog[0].ID)
	}
}

func TestJobViewShowsPause(t *testing.T) {
	m := newModel(t)
	pos := int64(12345)
	next, _ := m.Update(jobMsg(job.Status{
		File:          "part.g",
		Paused:        true,
		Position:      500,
		Length:        1000,
		PausePosition: &pos,
		PauseReason:   dispatch.PauseFilament,
		Info:          &job.Info{Size: 1000, LastModified: time.Now().Add(-time.Hour), PrintTime: 90},
	}))
	view := next.(Model).View()

	for _, want := range []string{"part.g", "50%", "Paused (filament) at byte 12,345", "1.0 kB", "1m30s", "paused"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestChannelTable(t *testing.T) {
	m := newModel(t)
	next, _ := m.Update(diagMsg{
		{Channel: "HTTP", Idle: true},
		{Channel: "File", Stages: []pipeline.StageState{
			{Stage: "Pre", Frames: []pipeline.FrameState{{Pending: 2, Busy: true}}},
			{Stage: "Post"},
		}},
	})
	rows := next.(Model).channelTable.Rows()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[1][1] != "File" || rows[1][2] != "Pre(3)" {
		t.Fatalf("unexpected row %v", rows[1])
	}
}

func TestErrorsMarkDisconnected(t *testing.T) {
	m := newModel(t)
	next, _ := m.Update(errMsg{errors.New("connection refused")})
	view := next.(Model).View()
	if !strings.Contains(view, "DISCONNECTED") || !strings.Contains(view, "connection refused") {
		t.Fatalf("error not rendered:\n%s", view)
	}
}

func TestSummarize(t *testing.T) {
	ev := events.Event{Data: json.RawMessage(`{"channel":"HTTP","content":"ok"}`)}
	if got := summarize(ev); got != "ok" {
		t.Fatalf("summarize = %q", got)
	}
	ev.Data = json.RawMessage(`not json`)
	if got := summarize(ev); got != "not json" {
		t.Fatalf("summarize = %q", got)
	}
}
