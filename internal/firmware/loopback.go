// Package firmware provides the link between the Firmware stage and the
// motion controller. Loopback answers codes in-process so the host can run
// without hardware attached.
package firmware

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/log"
	"github.com/mattjoyce/motionhost/internal/pipeline"
)

const historySize = 64

// Options configures the loopback link.
type Options struct {
	Name          string
	Latency       time.Duration
	MotionSystems int
}

// Loopback is a pipeline.Transport that drains each Firmware frame in its
// own goroutine and replies like a firmware would.
type Loopback struct {
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	machine *machine

	mu      sync.Mutex
	handles map[*pipeline.FrameHandle]context.CancelFunc
	history []string

	sent atomic.Int64
}

// NewLoopback creates a loopback link. Draining stops when ctx ends or Close is called.
func NewLoopback(ctx context.Context, opts Options) *Loopback {
	if opts.Name == "" {
		opts.Name = "motionhost-loopback"
	}
	lctx, cancel := context.WithCancel(ctx)
	return &Loopback{
		opts:    opts,
		ctx:     lctx,
		cancel:  cancel,
		logger:  log.WithComponent("firmware"),
		machine: newMachine(opts.Name, opts.MotionSystems),
		handles: make(map[*pipeline.FrameHandle]context.CancelFunc),
	}
}

// Attach starts draining a newly pushed Firmware frame.
func (l *Loopback) Attach(h *pipeline.FrameHandle) {
	hctx, cancel := context.WithCancel(l.ctx)
	l.mu.Lock()
	l.handles[h] = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.drain(hctx, h)
	}()
}

// Detach stops draining a popped frame.
func (l *Loopback) Detach(h *pipeline.FrameHandle) {
	l.mu.Lock()
	cancel, ok := l.handles[h]
	delete(l.handles, h)
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every drain loop and waits for them.
func (l *Loopback) Close() {
	l.cancel()
	l.wg.Wait()
}

// Sent returns the number of codes answered so far.
func (l *Loopback) Sent() int64 {
	return l.sent.Load()
}

// History returns the most recent codes sent, oldest first.
func (l *Loopback) History() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.history...)
}

// Status returns the simulated machine state.
func (l *Loopback) Status() MachineStatus {
	return l.machine.status()
}

// MotionSystems returns the number of independent motion systems.
func (l *Loopback) MotionSystems() int {
	return l.machine.motionSystems()
}

// Fields publishes the machine state for {...} expressions.
func (l *Loopback) Fields() map[string]any {
	st := l.machine.status()
	fields := map[string]any{
		"tool":          st.Tool,
		"move.absolute": st.Absolute,
		"move.systems":  len(st.Systems),
		"firmware.name": l.opts.Name,
		"firmware.sent": l.Sent(),
	}
	for _, axis := range axes {
		name := strings.ToLower(string(axis))
		fields["move."+name] = st.Systems[0][string(axis)]
	}
	return fields
}

func (l *Loopback) drain(ctx context.Context, h *pipeline.FrameHandle) {
	logger := l.logger.With("channel", h.Channel().String(), "depth", h.Depth())
	for {
		c, err := h.Next(ctx)
		if err != nil {
			return
		}
		if !l.wait(ctx, c) {
			h.Fail(c, code.ErrCancelled)
			continue
		}

		result, err := l.machine.execute(ctx, c)
		if err != nil {
			if !code.IsCancelled(err) && !errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("firmware rejected code", "code", c.String(), "error", err)
			}
			h.Fail(c, err)
			continue
		}
		l.record(c)
		h.Complete(c, result)
	}
}

// wait simulates link latency. It reports false when the code or link was
// cancelled meanwhile.
func (l *Loopback) wait(ctx context.Context, c *code.Code) bool {
	if l.opts.Latency <= 0 {
		return !c.Cancelled()
	}
	timer := time.NewTimer(l.opts.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !c.Cancelled()
	case <-c.Context().Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (l *Loopback) record(c *code.Code) {
	l.sent.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, c.String())
	if len(l.history) > historySize {
		l.history = l.history[len(l.history)-historySize:]
	}
}

var _ pipeline.Transport = (*Loopback)(nil)
