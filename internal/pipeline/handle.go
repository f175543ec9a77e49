package pipeline

import (
	"context"

	"github.com/mattjoyce/motionhost/internal/code"
)

// Transport is the firmware link. It is told about every Firmware frame and
// drains it through the frame's handle.
type Transport interface {
	Attach(h *FrameHandle)
	Detach(h *FrameHandle)
}

// FrameHandle is the opaque per-frame handle of the Firmware stage. The
// transport pulls codes with Next and reports replies with Complete so they
// reach the right nesting level.
type FrameHandle struct {
	st *stage
	f  *frame
}

// Channel returns the channel owning the frame.
func (h *FrameHandle) Channel() code.Channel {
	return h.st.owner.id
}

// Depth returns the nesting level, 0 for the root frame.
func (h *FrameHandle) Depth() int {
	return h.f.depth
}

// Source returns the file or macro that opened the frame, nil for the root.
func (h *FrameHandle) Source() code.Source {
	return h.f.source
}

// Done is closed when the frame has been popped or the channel shut down.
func (h *FrameHandle) Done() <-chan struct{} {
	return h.f.ctx.Done()
}

// Next blocks until this frame is on top and has a code ready to send.
// Cancelled codes are resolved without being returned.
func (h *FrameHandle) Next(ctx context.Context) (*code.Code, error) {
	for {
		c, err := h.st.next(ctx, h.f)
		if err != nil {
			return nil, err
		}
		if c.Cancelled() {
			h.st.owner.Cancel(c, nil)
			h.f.release()
			continue
		}
		h.f.setExecuting(c)
		c.Stage = code.StageFirmware
		return c, nil
	}
}

// Complete attaches the firmware reply and moves c to Executed.
func (h *FrameHandle) Complete(c *code.Code, result *code.Result) {
	if result == nil {
		result = code.Success("")
	}
	c.Result = result
	h.f.setExecuting(nil)
	h.st.owner.Write(c, code.StageExecuted)
	h.f.release()
}

// Fail resolves c with an error, e.g. when the link rejected it.
func (h *FrameHandle) Fail(c *code.Code, err error) {
	h.f.setExecuting(nil)
	h.st.owner.Cancel(c, err)
	h.f.release()
}

// Flush waits until every code written to this frame has been answered.
func (h *FrameHandle) Flush(ctx context.Context) bool {
	return h.f.wait(ctx)
}
