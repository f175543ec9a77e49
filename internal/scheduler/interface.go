package scheduler

import (
	"context"

	"github.com/mattjoyce/motionhost/internal/code"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/motionhost/internal/scheduler MacroRunner

// MacroRunner runs a macro file on a channel. *dispatch.Dispatcher implements it.
type MacroRunner interface {
	RunMacro(ctx context.Context, ch code.Channel, name string, start *code.Code) (*code.Result, error)
}
