package dispatch

import (
	"context"
	"strings"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/pipeline"
	"github.com/mattjoyce/motionhost/internal/plugin"
)

// Event types published by the dispatcher.
const (
	EventCodeExecuted  = "code.executed"
	EventCodeCancelled = "code.cancelled"
	EventMessage       = "message"
)

// CodeEvent describes a code that left the pipeline.
type CodeEvent struct {
	Channel code.Channel `json:"channel"`
	Code    string       `json:"code"`
	Result  *code.Result `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// MessageEvent is a reply of an asynchronous code nobody waits for.
type MessageEvent struct {
	Channel code.Channel     `json:"channel"`
	Type    code.MessageType `json:"type"`
	Content string           `json:"content"`
}

// stageHooks connects the pipeline stages to the dispatcher.
type stageHooks struct {
	d *Dispatcher
}

var _ pipeline.Hooks = (*stageHooks)(nil)

func (h *stageHooks) Intercept(ctx context.Context, c *code.Code, stage code.Stage) (bool, error) {
	ic := h.d.opts.Interceptor
	if ic == nil {
		return false, nil
	}
	mode := plugin.ModePre
	if stage == code.StagePost {
		mode = plugin.ModePost
	}
	return ic.Intercept(ctx, c, mode)
}

func (h *stageHooks) ProcessInternally(ctx context.Context, c *code.Code) (bool, error) {
	return h.d.processInternally(ctx, c)
}

func (h *stageHooks) Executed(c *code.Code) {
	d := h.d
	if c.Result != nil && c.Result.Type != code.MessageSuccess && c.Result.Content != "" {
		prefix := c.ShortString() + ": "
		if !strings.HasPrefix(c.Result.Content, prefix) {
			c.Result.Content = prefix + c.Result.Content
		}
	}

	fromJob := c.IsFromFileChannel() && !c.Flags.Has(code.FromMacro)
	if fromJob {
		if job := d.jobControl(); job != nil {
			job.CodeExecuted(c)
		}
	}

	if c.Result != nil && d.opts.Interceptor != nil {
		if _, err := d.opts.Interceptor.Intercept(d.ctx, c, plugin.ModeExecuted); err != nil {
			d.logger.Debug("executed notification failed", "code", c.String(), "error", err)
		}
	}

	if d.opts.Events == nil {
		return
	}
	err := c.Err()
	switch {
	case c.Result == nil:
		if err != nil || !(fromJob || c.Flags.Has(code.FromMacro)) {
			ev := CodeEvent{Channel: c.Channel, Code: c.String()}
			if err != nil {
				ev.Error = err.Error()
			}
			d.publish(EventCodeCancelled, ev)
		}
	case c.Flags.Has(code.Asynchronous):
		if c.Result.Content != "" {
			d.publish(EventMessage, MessageEvent{Channel: c.Channel, Type: c.Result.Type, Content: c.Result.Content})
		}
	case !fromJob || c.Result.IsError():
		d.publish(EventCodeExecuted, CodeEvent{Channel: c.Channel, Code: c.String(), Result: c.Result})
	}
}
