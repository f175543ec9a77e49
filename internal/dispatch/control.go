package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/plugin"
)

// PauseReason tells why a job was paused.
type PauseReason int

const (
	PauseUser PauseReason = iota
	PauseCode
	PauseTrigger
	PauseFilament
	PauseHeater
	PauseStall
	PauseDriver
	PauseLowVoltage
)

var pauseReasonNames = [...]string{"user", "code", "trigger", "filament", "heater", "stall", "driver", "low_voltage"}

func (r PauseReason) String() string {
	if r < 0 || int(r) >= len(pauseReasonNames) {
		return fmt.Sprintf("PauseReason(%d)", int(r))
	}
	return pauseReasonNames[r]
}

// ParsePauseReason resolves a reason name; the empty string means user.
func ParsePauseReason(s string) (PauseReason, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PauseUser, nil
	}
	for i, name := range pauseReasonNames {
		if name == s {
			return PauseReason(i), nil
		}
	}
	return 0, fmt.Errorf("unknown pause reason %q", s)
}

func (r PauseReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *PauseReason) UnmarshalText(b []byte) error {
	parsed, err := ParsePauseReason(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// JobControl is the job engine as seen by the host code handlers.
type JobControl interface {
	SelectFile(ctx context.Context, path string, simulating bool) error
	Resume(ctx context.Context) error
	Pause(ctx context.Context, position *int64, reason PauseReason) error
	Cancel(ctx context.Context) error
	// Sync is the rendezvous of the two job readers at c's file offset.
	Sync(ctx context.Context, c *code.Code) bool
	// CodeExecuted is told about every completed job file code.
	CodeExecuted(c *code.Code)
}

// Interceptor is the external interception collaborator.
type Interceptor interface {
	Intercept(ctx context.Context, c *code.Code, mode plugin.Mode) (bool, error)
	CodeBeingIntercepted(conn int) (*code.Code, plugin.Mode, bool)
}

// Publisher receives dispatcher events. *events.Hub implements it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Paths maps file names used by codes to paths on disk.
// config.MachineConfig implements it.
type Paths interface {
	MacroCandidates(name string) []string
	GCodeFile(name string) string
}
