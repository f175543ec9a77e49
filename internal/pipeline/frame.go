package pipeline

import (
	"context"
	"sync"

	"github.com/mattjoyce/motionhost/internal/code"
)

// frame is one nesting level of a stage. The root frame has no source.
type frame struct {
	source code.Source
	depth  int
	queue  *queue

	ctx    context.Context
	cancel context.CancelFunc
	handle *FrameHandle

	mu        sync.Mutex
	inflight  int
	executing *code.Code
	idle      chan struct{}
}

func newFrame(parent context.Context, source code.Source, depth, capacity int) *frame {
	ctx, cancel := context.WithCancel(parent)
	idle := make(chan struct{})
	close(idle)
	return &frame{
		source: source,
		depth:  depth,
		queue:  newQueue(capacity),
		ctx:    ctx,
		cancel: cancel,
		idle:   idle,
	}
}

// acquire registers an incoming code before it is queued.
func (f *frame) acquire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight == 0 {
		f.idle = make(chan struct{})
	}
	f.inflight++
}

// release marks one code as done with this frame.
func (f *frame) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight == 0 {
		return
	}
	f.inflight--
	if f.inflight == 0 {
		close(f.idle)
	}
}

func (f *frame) setExecuting(c *code.Code) {
	f.mu.Lock()
	f.executing = c
	f.mu.Unlock()
}

// busy reports whether codes other than self are in flight.
func (f *frame) busy(self *code.Code) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight == 0 {
		return false
	}
	return !(self != nil && f.inflight == 1 && f.executing == self)
}

func (f *frame) idleSignal() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

// wait blocks until the frame has no codes in flight.
func (f *frame) wait(ctx context.Context) bool {
	select {
	case <-f.idleSignal():
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *frame) matches(source code.Source) bool {
	return f.source == source
}
