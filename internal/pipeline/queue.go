package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/mattjoyce/motionhost/internal/code"
)

var errQueueClosed = errors.New("queue closed")

// queue is a FIFO of pending codes. A capacity of zero makes it unbounded.
type queue struct {
	mu       sync.Mutex
	items    []*code.Code
	capacity int
	closed   bool
	avail    chan struct{}
	space    chan struct{}
	done     chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		capacity: capacity,
		avail:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push appends c, blocking while a bounded queue is full.
func (q *queue) push(ctx context.Context, c *code.Code) error {
	q.mu.Lock()
	for q.capacity > 0 && len(q.items) >= q.capacity && !q.closed {
		q.mu.Unlock()
		select {
		case <-q.space:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	q.items = append(q.items, c)
	signal(q.avail)
	if q.capacity > 0 && len(q.items) < q.capacity {
		signal(q.space)
	}
	return nil
}

// tryPush appends c without blocking; false when full or closed.
func (q *queue) tryPush(c *code.Code) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (q.capacity > 0 && len(q.items) >= q.capacity) {
		return false
	}
	q.items = append(q.items, c)
	signal(q.avail)
	return true
}

func (q *queue) tryPop() (*code.Code, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	signal(q.space)
	if len(q.items) > 0 {
		signal(q.avail)
	}
	return c, true
}

// ready is signalled whenever an item may be available.
func (q *queue) ready() <-chan struct{} {
	return q.avail
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// each calls fn for every queued code in order.
func (q *queue) each(fn func(*code.Code)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.items {
		fn(c)
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
