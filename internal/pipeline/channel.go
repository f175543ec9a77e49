// Package pipeline implements the per-channel code pipeline: one stage per
// step of code execution, each keeping a stack of frames so that macros and
// files run isolated from the codes queued beneath them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/log"
)

// DefaultMaxCodesPerInput bounds each frame queue when Options leaves it unset.
const DefaultMaxCodesPerInput = 32

// Hooks supplies the behaviour of the interception and host stages.
type Hooks interface {
	// Intercept runs interceptors for the Pre or Post stage. resolved means
	// the code was answered and skips straight to Executed.
	Intercept(ctx context.Context, c *code.Code, stage code.Stage) (resolved bool, err error)
	// ProcessInternally handles codes the host answers itself.
	ProcessInternally(ctx context.Context, c *code.Code) (resolved bool, err error)
	// Executed performs final bookkeeping before the code is completed.
	Executed(c *code.Code)
}

// Evaluator resolves embedded field references of a code.
type Evaluator interface {
	Evaluate(ctx context.Context, c *code.Code) error
}

// Options configures a Channel.
type Options struct {
	MaxCodesPerInput int
	Hooks            Hooks
	Transport        Transport
	Evaluator        Evaluator
}

// Channel is the pipeline of one logical channel.
type Channel struct {
	id         code.Channel
	opts       Options
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stages     [code.StageCount]*stage
	unbuffered *countdown
	logger     *slog.Logger

	// serializes push and pop across stages
	stackMu sync.Mutex
}

// NewChannel builds the stages of channel id in pipeline order. Every
// stage loop stops when ctx ends or Close is called.
func NewChannel(ctx context.Context, id code.Channel, opts Options) *Channel {
	if opts.MaxCodesPerInput <= 0 {
		opts.MaxCodesPerInput = DefaultMaxCodesPerInput
	}
	cctx, cancel := context.WithCancel(ctx)
	ch := &Channel{
		id:         id,
		opts:       opts,
		ctx:        cctx,
		cancel:     cancel,
		unbuffered: newCountdown(),
		logger:     log.WithChannel("pipeline", id.String()),
	}
	for _, st := range code.Stages() {
		ch.stages[st] = newStage(ch, st)
	}
	return ch
}

// ID returns the logical channel.
func (ch *Channel) ID() code.Channel {
	return ch.id
}

// Close stops every stage loop and waits for them to exit.
func (ch *Channel) Close() {
	ch.cancel()
	ch.wg.Wait()
}

// Push opens a new frame for source on every stage with a stack and returns
// the Firmware stage's handle.
func (ch *Channel) Push(source code.Source) *FrameHandle {
	ch.stackMu.Lock()
	defer ch.stackMu.Unlock()

	var handle *FrameHandle
	for _, st := range ch.stages {
		if !st.kind.HasStack() {
			continue
		}
		if h := st.push(source); h != nil {
			handle = h
		}
	}
	ch.logger.Debug("pushed frame", "source", sourceName(source), "depth", handle.Depth())
	return handle
}

// Pop removes the top frame of every stage with a stack. All top frames
// must be idle; otherwise nothing is popped and an ErrInvalidState error is
// returned.
func (ch *Channel) Pop() error {
	ch.stackMu.Lock()
	defer ch.stackMu.Unlock()

	var stacked []*stage
	for _, st := range ch.stages {
		if st.kind.HasStack() {
			stacked = append(stacked, st)
		}
	}
	for _, st := range stacked {
		st.mu.Lock()
	}
	defer func() {
		for _, st := range stacked {
			st.mu.Unlock()
		}
	}()

	for _, st := range stacked {
		if len(st.frames) <= 1 {
			return fmt.Errorf("%w: stack underrun on %s", code.ErrInvalidState, ch.id)
		}
		if top := st.frames[len(st.frames)-1]; top.busy(nil) {
			return fmt.Errorf("%w: cannot pop busy frame of %s on %s+%s",
				code.ErrInvalidState, sourceName(top.source), ch.id, st.kind)
		}
	}
	for _, st := range stacked {
		if err := st.popLocked(); err != nil {
			return err
		}
	}
	ch.logger.Debug("popped frame")
	return nil
}

// Depth returns the number of frames above the root frame.
func (ch *Channel) Depth() int {
	st := ch.stages[code.StageStart]
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.frames) - 1
}

// IsIdle reports whether every stage with a stack has an idle top frame
// that belongs to c's macro. c may be nil.
func (ch *Channel) IsIdle(c *code.Code) bool {
	for _, st := range ch.stages {
		if !st.kind.HasStack() {
			continue
		}
		top := st.top()
		if c != nil && !top.matches(c.Macro) {
			return false
		}
		if top.busy(c) {
			return false
		}
	}
	return true
}

// Write hands c to stage without blocking. Used for Executed, which is
// unbounded, and for channels that must accept work out of band.
func (ch *Channel) Write(c *code.Code, stage code.Stage) {
	st := ch.stages[stage]
	f, ok := st.frameFor(c.Macro)
	if !ok {
		ch.logger.Error("no frame for code, cancelling it", "code", c.String(), "stage", stage.String())
		ch.Cancel(c, nil)
		return
	}
	f.acquire()
	if f.queue.tryPush(c) {
		return
	}
	f.release()
	// bounded and full, fall back to a blocking write off the caller's goroutine
	go func() {
		if err := ch.WriteAsync(c.Context(), c, stage); err != nil {
			ch.Cancel(c, err)
		}
	}()
}

// WriteAsync hands c to stage, blocking while the target frame is full.
func (ch *Channel) WriteAsync(ctx context.Context, c *code.Code, stage code.Stage) error {
	if err := ch.stages[stage].write(ctx, c); err != nil {
		return fmt.Errorf("write %s to %s+%s: %w", c.ShortString(), ch.id, stage, err)
	}
	return nil
}

// Cancel resolves c as cancelled, attaching err unless it is itself a
// cancellation, by routing it straight to Executed.
func (ch *Channel) Cancel(c *code.Code, err error) {
	c.Result = nil
	if err != nil && !code.IsCancelled(err) {
		c.SetError(err)
	}
	f, _ := ch.stages[code.StageExecuted].frameFor(nil)
	f.acquire()
	if !f.queue.tryPush(c) {
		f.release()
		c.Complete()
	}
}

// Flush waits until every stage after c.Stage (every stage when c is
// already Executed) has drained the frame of c's macro. Stages are flushed
// in order and the first failure stops the flush. With evaluateExpressions
// the expressions of c are resolved afterwards; evaluateAll extends this to
// codes still queued in the stages before Firmware.
func (ch *Channel) Flush(ctx context.Context, c *code.Code, evaluateExpressions, evaluateAll bool) bool {
	ctx, cancel := mergeContext(ctx, c.Context())
	defer cancel()

	for _, st := range ch.stages {
		if c.Stage != code.StageExecuted && st.kind <= c.Stage {
			continue
		}
		f, ok := st.frameFor(c.Macro)
		if !ok {
			ch.logger.Warn("no frame for flush request, falling back to top frame", "code", c.String(), "stage", st.kind.String())
			f = st.top()
		}
		if !waitFrame(ctx, f, c) {
			return false
		}
	}

	if evaluateExpressions && ch.opts.Evaluator != nil {
		if err := ch.evaluate(ctx, c, evaluateAll); err != nil {
			ch.logger.Warn("failed to evaluate expressions", "code", c.String(), "error", err)
			return false
		}
	}
	return true
}

// FlushAll waits until every frame of every stage is idle.
func (ch *Channel) FlushAll(ctx context.Context) bool {
	for _, st := range ch.stages {
		st.mu.Lock()
		frames := append([]*frame(nil), st.frames...)
		st.mu.Unlock()
		for _, f := range frames {
			if !f.wait(ctx) {
				return false
			}
		}
	}
	return true
}

// FlushTop waits until the top frame of every stage is idle.
func (ch *Channel) FlushTop(ctx context.Context) bool {
	for _, st := range ch.stages {
		if !st.top().wait(ctx) {
			return false
		}
	}
	return true
}

// waitFrame waits for f to drain, ignoring c itself when it is the only code in flight.
func waitFrame(ctx context.Context, f *frame, c *code.Code) bool {
	for {
		if !f.busy(c) {
			return true
		}
		select {
		case <-f.idleSignal():
			return true
		case <-ctx.Done():
			return false
		case <-f.ctx.Done():
			return false
		}
	}
}

func (ch *Channel) evaluate(ctx context.Context, c *code.Code, all bool) error {
	if hasExpressions(c) {
		if err := ch.opts.Evaluator.Evaluate(ctx, c); err != nil {
			return err
		}
	}
	if !all {
		return nil
	}
	var firstErr error
	for _, st := range ch.stages[:code.StageFirmware] {
		st.mu.Lock()
		frames := append([]*frame(nil), st.frames...)
		st.mu.Unlock()
		for _, f := range frames {
			f.queue.each(func(queued *code.Code) {
				if firstErr != nil || !hasExpressions(queued) {
					return
				}
				firstErr = ch.opts.Evaluator.Evaluate(ctx, queued)
			})
		}
	}
	return firstErr
}

func hasExpressions(c *code.Code) bool {
	for _, p := range c.Params {
		if p.IsExpression {
			return true
		}
	}
	return false
}

// mergeContext returns a context cancelled when either parent ends.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func sourceName(s code.Source) string {
	if s == nil {
		return ""
	}
	return s.Name()
}
