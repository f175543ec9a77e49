package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/mattjoyce/motionhost/internal/code"
)

// stage owns the frame stack of one pipeline step. The behaviour of the
// step lives in process, chosen once by newStage.
type stage struct {
	kind    code.Stage
	owner   *Channel
	process func(c *code.Code)

	mu         sync.Mutex
	frames     []*frame
	topChanged chan struct{}
}

func newStage(owner *Channel, kind code.Stage) *stage {
	s := &stage{kind: kind, owner: owner, topChanged: make(chan struct{})}
	switch kind {
	case code.StageStart:
		s.process = s.processStart
	case code.StagePre:
		s.process = func(c *code.Code) { s.processInterception(c, code.PreProcessed, code.StageProcessInternally) }
	case code.StageProcessInternally:
		s.process = s.processInternally
	case code.StagePost:
		s.process = func(c *code.Code) { s.processInterception(c, code.PostProcessed, code.StageFirmware) }
	case code.StageFirmware:
		// drained by the transport through FrameHandle
	case code.StageExecuted:
		s.process = s.processExecuted
	default:
		panic(fmt.Sprintf("pipeline: unknown stage %d", kind))
	}
	s.push(nil)
	return s
}

func (s *stage) capacity() int {
	if s.kind == code.StageExecuted {
		return 0
	}
	return s.owner.opts.MaxCodesPerInput
}

// push opens a new top frame and starts its loop.
func (s *stage) push(source code.Source) *FrameHandle {
	s.mu.Lock()
	f := newFrame(s.owner.ctx, source, len(s.frames), s.capacity())
	s.frames = append(s.frames, f)
	close(s.topChanged)
	s.topChanged = make(chan struct{})
	s.mu.Unlock()

	if s.kind == code.StageFirmware {
		f.handle = &FrameHandle{st: s, f: f}
		if s.owner.opts.Transport != nil {
			s.owner.opts.Transport.Attach(f.handle)
		}
		return f.handle
	}
	s.owner.wg.Add(1)
	go func() {
		defer s.owner.wg.Done()
		s.run(f)
	}()
	return nil
}

// popLocked removes the top frame. The caller holds s.mu.
func (s *stage) popLocked() error {
	if len(s.frames) <= 1 {
		return fmt.Errorf("%w: stack underrun on %s+%s", code.ErrInvalidState, s.owner.id, s.kind)
	}
	top := s.frames[len(s.frames)-1]
	if top.busy(nil) {
		return fmt.Errorf("%w: pop of busy frame on %s+%s", code.ErrInvalidState, s.owner.id, s.kind)
	}
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
	close(s.topChanged)
	s.topChanged = make(chan struct{})

	top.queue.close()
	top.cancel()
	if top.handle != nil && s.owner.opts.Transport != nil {
		s.owner.opts.Transport.Detach(top.handle)
	}
	return nil
}

func (s *stage) top() *frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

// frameFor returns the frame owning codes of the given macro, searching from the top.
func (s *stage) frameFor(source code.Source) (*frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == code.StageExecuted {
		return s.frames[0], true
	}
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].matches(source) {
			return s.frames[i], true
		}
	}
	return nil, false
}

// write enqueues c on its frame. Bounded frames block until space is free.
func (s *stage) write(ctx context.Context, c *code.Code) error {
	f, ok := s.frameFor(c.Macro)
	if !ok {
		return fmt.Errorf("%w: no frame for %s on %s+%s", code.ErrInvalidState, c.ShortString(), s.owner.id, s.kind)
	}
	f.acquire()
	if err := f.queue.push(ctx, c); err != nil {
		f.release()
		return err
	}
	return nil
}

// next waits until f is the top frame and has a queued code.
func (s *stage) next(ctx context.Context, f *frame) (*code.Code, error) {
	for {
		s.mu.Lock()
		isTop := len(s.frames) > 0 && s.frames[len(s.frames)-1] == f
		changed := s.topChanged
		s.mu.Unlock()

		if !isTop && s.kind != code.StageExecuted {
			select {
			case <-changed:
				continue
			case <-f.ctx.Done():
				return nil, f.ctx.Err()
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		select {
		case <-f.queue.ready():
			if c, ok := f.queue.tryPop(); ok {
				return c, nil
			}
		case <-changed:
		case <-f.ctx.Done():
			return nil, f.ctx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *stage) run(f *frame) {
	for {
		c, err := s.next(f.ctx, f)
		if err != nil {
			return
		}
		if c.Cancelled() && s.kind != code.StageExecuted {
			s.owner.Cancel(c, nil)
			f.release()
			continue
		}

		f.setExecuting(c)
		c.Stage = s.kind
		s.safeProcess(c)
		f.setExecuting(nil)
		f.release()
	}
}

func (s *stage) safeProcess(c *code.Code) {
	defer func() {
		if r := recover(); r != nil {
			s.owner.logger.Error("failed to process code", "stage", s.kind.String(), "code", c.String(), "panic", r)
			if s.kind != code.StageExecuted {
				s.owner.Cancel(c, fmt.Errorf("%s stage: %v", s.kind, r))
			} else {
				c.Complete()
			}
		}
	}()
	s.process(c)
}

// forward hands c to the given stage, cancelling it when that fails.
func (s *stage) forward(c *code.Code, to code.Stage) {
	if err := s.owner.WriteAsync(c.Context(), c, to); err != nil {
		s.owner.Cancel(c, err)
	}
}

func (s *stage) processStart(c *code.Code) {
	if !c.Flags.Has(code.Prioritized) {
		if err := s.owner.unbuffered.wait(c.Context()); err != nil {
			s.owner.Cancel(c, err)
			return
		}
	}
	if c.Flags.Has(code.Unbuffered) {
		s.owner.unbuffered.add(c)
	}

	switch {
	case c.Flags.Has(code.Prioritized):
		s.owner.logger.Debug("starting code", "code", c.String(), "kind", "prioritized")
	case c.Flags.Has(code.FromMacro):
		s.owner.logger.Debug("starting code", "code", c.String(), "kind", "macro")
	default:
		s.owner.logger.Debug("starting code", "code", c.String())
	}
	s.forward(c, code.StagePre)
}

func (s *stage) processInterception(c *code.Code, done code.Flags, next code.Stage) {
	if hooks := s.owner.opts.Hooks; hooks != nil {
		resolved, err := hooks.Intercept(c.Context(), c, s.kind)
		if err != nil {
			s.owner.Cancel(c, err)
			return
		}
		if resolved {
			c.Flags |= done
			s.owner.Write(c, code.StageExecuted)
			return
		}
	}
	c.Flags |= done
	s.forward(c, next)
}

func (s *stage) processInternally(c *code.Code) {
	if hooks := s.owner.opts.Hooks; hooks != nil {
		resolved, err := hooks.ProcessInternally(c.Context(), c)
		if err != nil {
			s.owner.Cancel(c, err)
			return
		}
		if resolved {
			s.owner.Write(c, code.StageExecuted)
			return
		}
	}
	s.forward(c, code.StagePost)
}

func (s *stage) processExecuted(c *code.Code) {
	s.owner.unbuffered.release(c)
	if hooks := s.owner.opts.Hooks; hooks != nil {
		hooks.Executed(c)
	}
	if c.Result != nil {
		s.owner.logger.Debug("finished code", "code", c.String())
	} else {
		s.owner.logger.Debug("cancelled code", "code", c.String())
	}
	c.Complete()
}
