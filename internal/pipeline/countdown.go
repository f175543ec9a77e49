package pipeline

import (
	"context"
	"sync"

	"github.com/mattjoyce/motionhost/internal/code"
)

// countdown tracks unbuffered codes that have left the Start stage but not
// yet reached Executed.
type countdown struct {
	mu      sync.Mutex
	pending map[*code.Code]struct{}
	zero    chan struct{}
}

func newCountdown() *countdown {
	zero := make(chan struct{})
	close(zero)
	return &countdown{pending: make(map[*code.Code]struct{}), zero: zero}
}

func (cd *countdown) add(c *code.Code) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if len(cd.pending) == 0 {
		cd.zero = make(chan struct{})
	}
	cd.pending[c] = struct{}{}
}

func (cd *countdown) release(c *code.Code) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if _, ok := cd.pending[c]; !ok {
		return
	}
	delete(cd.pending, c)
	if len(cd.pending) == 0 {
		close(cd.zero)
	}
}

func (cd *countdown) wait(ctx context.Context) error {
	cd.mu.Lock()
	zero := cd.zero
	cd.mu.Unlock()
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
