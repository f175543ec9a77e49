package pipeline

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/motionhost/internal/code"
)

// FrameState is a point-in-time view of one frame.
type FrameState struct {
	Depth     int    `json:"depth"`
	Source    string `json:"source,omitempty"`
	Busy      bool   `json:"busy"`
	Executing string `json:"executing,omitempty"`
	Pending   int    `json:"pending"`
}

// StageState lists the frames of one stage from bottom to top.
type StageState struct {
	Stage  string       `json:"stage"`
	Frames []FrameState `json:"frames"`
}

// ChannelState is a point-in-time view of a channel pipeline.
type ChannelState struct {
	Channel string       `json:"channel"`
	Idle    bool         `json:"idle"`
	Stages  []StageState `json:"stages"`
}

// Snapshot captures every stage with a stack.
func (ch *Channel) Snapshot() ChannelState {
	out := ChannelState{Channel: ch.id.String(), Idle: ch.IsIdle(nil)}
	for _, st := range ch.stages {
		if !st.kind.HasStack() {
			continue
		}
		out.Stages = append(out.Stages, st.snapshot())
	}
	return out
}

func (s *stage) snapshot() StageState {
	s.mu.Lock()
	frames := append([]*frame(nil), s.frames...)
	s.mu.Unlock()

	state := StageState{Stage: s.kind.String()}
	for _, f := range frames {
		f.mu.Lock()
		fs := FrameState{
			Depth:   f.depth,
			Source:  sourceName(f.source),
			Busy:    f.inflight > 0,
			Pending: f.queue.len(),
		}
		if f.executing != nil {
			fs.Executing = diagnosticText(f.executing)
		}
		f.mu.Unlock()
		state.Frames = append(state.Frames, fs)
	}
	return state
}

// diagnosticText avoids echoing the full diagnostics request into its own report.
func diagnosticText(c *code.Code) string {
	if c.Is(code.TypeM, 122) {
		return "M122"
	}
	return c.String()
}

// Diagnostics writes one block per stage that has a busy frame, listing the
// frames from the bottom of the stack upwards.
func (ch *Channel) Diagnostics(w io.Writer) {
	for _, st := range ch.Snapshot().Stages {
		writing := false
		prefix := ">"
		for _, f := range st.Frames {
			if f.Busy || writing {
				if !writing {
					fmt.Fprintf(w, "%s+%s:\n", ch.id, st.Stage)
					writing = true
				}
				var b strings.Builder
				b.WriteString(prefix)
				b.WriteByte(' ')
				if f.Source != "" {
					b.WriteString("Macro ")
					b.WriteString(filepath.Base(f.Source))
					b.WriteString(": ")
				}
				switch {
				case f.Executing != "":
					b.WriteString("Executing ")
					b.WriteString(f.Executing)
				case f.Busy:
					b.WriteString("Busy")
				default:
					b.WriteString("Idle")
				}
				if f.Pending > 0 {
					fmt.Fprintf(&b, " (%d more codes pending)", f.Pending)
				}
				fmt.Fprintln(w, b.String())
			}
			prefix += ">"
		}
	}
}
