package job

import (
	"context"

	"github.com/mattjoyce/motionhost/internal/code"
)

// syncRequest is one reader waiting at a file offset for the other reader.
type syncRequest struct {
	channel  code.Channel
	position int64
	done     chan bool
}

// Sync is the rendezvous of the two job readers at the file offset of c.
// The first reader to arrive waits for a code of the other reader at the
// same offset. It returns false when the wait was released without the
// counterpart: the job was paused, cancelled, aborted or repositioned, the
// other reader finished, or ctx ended. With fewer than two live readers
// there is nothing to wait for.
func (e *Engine) Sync(ctx context.Context, c *code.Code) bool {
	if !c.IsFromFileChannel() {
		return true
	}
	if c.FilePosition < 0 {
		e.logger.Warn("code without file position cannot sync", "code", c.String(), "channel", c.Channel.String())
		return false
	}
	if ctx.Err() != nil || c.Cancelled() {
		return false
	}

	e.syncMu.Lock()
	if len(e.live) < 2 || !e.live[c.Channel] {
		e.syncMu.Unlock()
		return true
	}
	for i, req := range e.syncs {
		if req.channel != c.Channel && req.position == c.FilePosition {
			e.syncs = append(e.syncs[:i], e.syncs[i+1:]...)
			e.syncMu.Unlock()
			req.done <- true
			return true
		}
	}
	req := &syncRequest{channel: c.Channel, position: c.FilePosition, done: make(chan bool, 1)}
	e.syncs = append(e.syncs, req)
	e.syncMu.Unlock()

	e.logger.Debug("waiting for other reader", "channel", c.Channel.String(), "position", c.FilePosition)
	select {
	case ok := <-req.done:
		return ok
	case <-ctx.Done():
		e.releaseSyncs(func(r *syncRequest) bool { return r == req })
		return false
	}
}

// setLive replaces the set of readers taking part in syncs and fails every
// pending request.
func (e *Engine) setLive(channels ...code.Channel) {
	e.syncMu.Lock()
	e.live = make(map[code.Channel]bool, len(channels))
	for _, ch := range channels {
		e.live[ch] = true
	}
	e.syncMu.Unlock()
	e.releaseSyncs(releaseAll)
}

// readerFinished drops ch from the sync set. Pending requests of the
// remaining reader can no longer be matched and fail; later requests pass
// because there is nobody left to wait for.
func (e *Engine) readerFinished(ch code.Channel) {
	e.syncMu.Lock()
	delete(e.live, ch)
	e.syncMu.Unlock()
	e.releaseSyncs(func(r *syncRequest) bool { return r.channel != ch })
}

// releaseSyncs fails every pending request matching pred.
func (e *Engine) releaseSyncs(pred func(*syncRequest) bool) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	kept := e.syncs[:0]
	for _, req := range e.syncs {
		if pred(req) {
			req.done <- false
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(e.syncs); i++ {
		e.syncs[i] = nil
	}
	e.syncs = kept
}

func releaseAll(*syncRequest) bool { return true }

// releaseFrom matches requests of either reader at or past pos.
func releaseFrom(pos int64) func(*syncRequest) bool {
	return func(r *syncRequest) bool { return r.position >= pos }
}

// pendingSyncs returns the number of readers waiting for a counterpart.
func (e *Engine) pendingSyncs() int {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return len(e.syncs)
}
