package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/files"
	"github.com/mattjoyce/motionhost/internal/log"
)

// reader feeds one motion system from its own view of the job file.
type reader struct {
	e       *Engine
	index   int
	channel code.Channel
	file    *files.CodeFile
	logger  *slog.Logger

	// resumeAt is where the reader continues after a stop; guarded by e.lock.
	resumeAt *int64
}

func newReader(e *Engine, index int, f *files.CodeFile) *reader {
	return &reader{
		e:       e,
		index:   index,
		channel: f.Channel(),
		file:    f,
		logger:  log.WithChannel("job", f.Channel().String()).With("file", f.Name(), "motion_system", index),
	}
}

// run processes the file until it ends or the job is cancelled. A pause
// stops the reader; it continues from its resume offset once resumed.
func (r *reader) run(ctx context.Context) error {
	for {
		jobCtx, ok, err := r.e.jobContext(ctx)
		if err != nil || !ok {
			return err
		}

		next, finished, err := r.feed(ctx, jobCtx)
		if err != nil {
			return err
		}
		if finished {
			r.e.readerFinished(r.channel)
			if r.e.disp.FlushChannel(jobCtx, r.channel) {
				r.logger.Debug("reader finished", "position", next)
				return nil
			}
		}

		cont, err := r.e.afterStop(ctx, r, next)
		if err != nil || !cont {
			return err
		}
	}
}

// feed starts codes while keeping at most BufferedCodes of them in flight
// and waits for them in file order. It returns the offset after the last
// code that was processed and whether the whole file went through without
// the job context being cancelled.
func (r *reader) feed(ctx, jobCtx context.Context) (int64, bool, error) {
	next := r.file.Position()
	pending := make([]*code.Code, 0, r.e.opts.BufferedCodes)
	eof := false

	for {
		for !eof && len(pending) < cap(pending) && jobCtx.Err() == nil {
			c, err := r.file.Read()
			if err != nil {
				var perr *code.ParseError
				if errors.As(err, &perr) {
					r.logger.Warn("skipping malformed line", "error", err)
					r.e.report(r.channel, fmt.Sprintf("%s: %v", r.file.Name(), err))
					continue
				}
				r.logger.Error("failed to read job file", "error", err)
				r.e.report(r.channel, fmt.Sprintf("failed to read %s: %v", r.file.Name(), err))
				if aerr := r.e.Abort(ctx); aerr != nil {
					return next, false, aerr
				}
				break
			}
			if c == nil {
				eof = true
				break
			}

			c.WithContext(jobCtx)
			c.Flags |= code.Asynchronous | code.FromJobFile
			if err := r.e.disp.StartCode(jobCtx, c); err != nil {
				if !code.IsCancelled(err) {
					r.logger.Warn("failed to start code", "code", c.String(), "error", err)
				}
				continue
			}
			pending = append(pending, c)
		}

		if len(pending) == 0 {
			return next, eof && jobCtx.Err() == nil, nil
		}
		c := pending[0]
		pending = append(pending[:0], pending[1:]...)

		if _, err := c.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return next, false, ctx.Err()
			}
			if code.IsCancelled(err) {
				continue
			}
		}
		next = c.FilePosition + c.Length
	}
}

// jobContext returns the context for the codes of the next pass, or false
// when the job was cancelled or aborted.
func (e *Engine) jobContext(ctx context.Context) (context.Context, bool, error) {
	if err := e.lock.Lock(ctx); err != nil {
		return nil, false, err
	}
	defer e.lock.Unlock()
	if e.cancelled || e.aborted {
		return nil, false, nil
	}
	return e.jobCtx, true, nil
}

// afterStop parks a reader whose pass was interrupted. It waits while the
// job is paused, seeks to the resume offset and reports whether the reader
// should continue.
func (e *Engine) afterStop(ctx context.Context, r *reader, next int64) (bool, error) {
	if err := e.lock.Lock(ctx); err != nil {
		return false, err
	}
	if e.cancelled || e.aborted {
		e.lock.Unlock()
		return false, nil
	}
	if r.resumeAt == nil {
		r.resumeAt = &next
	}
	for e.paused {
		wake, at := e.resumeCh, *r.resumeAt
		e.lock.Unlock()
		r.logger.Debug("reader paused", "position", at)

		select {
		case <-wake:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if err := e.lock.Lock(ctx); err != nil {
			return false, err
		}
		if e.cancelled || e.aborted {
			e.lock.Unlock()
			return false, nil
		}
	}

	pos := *r.resumeAt
	r.resumeAt = nil
	err := r.file.SetPosition(pos)
	e.lock.Unlock()
	if err != nil {
		return false, fmt.Errorf("resume %s at %d: %w", r.file.Name(), pos, err)
	}
	e.rejoin(r.channel)
	r.logger.Debug("reader continues", "position", pos)
	return true, nil
}

// rejoin puts a continuing reader back into the sync set.
func (e *Engine) rejoin(ch code.Channel) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.live == nil {
		e.live = make(map[code.Channel]bool)
	}
	e.live[ch] = true
}
