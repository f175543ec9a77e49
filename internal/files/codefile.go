// Package files reads codes from job files and macros.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/log"
)

// CodeFile reads codes sequentially from a file on disk.
type CodeFile struct {
	name    string
	path    string
	channel code.Channel
	length  int64
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	f       *os.File
	parser  *code.Parser
	closed  bool
	aborted bool
}

// OpenCodeFile opens path for reading codes on channel. The reader's
// context is derived from ctx. A missing file yields an error wrapping
// fs.ErrNotExist.
func OpenCodeFile(ctx context.Context, path string, channel code.Channel) (*CodeFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open %s: is a directory", path)
	}

	cctx, cancel := context.WithCancel(ctx)
	name := filepath.Base(path)
	return &CodeFile{
		name:    name,
		path:    path,
		channel: channel,
		length:  info.Size(),
		logger:  log.WithFile(name).With("channel", channel.String()),
		ctx:     cctx,
		cancel:  cancel,
		f:       f,
		parser:  code.NewParser(f),
	}, nil
}

// Name returns the base name of the file.
func (cf *CodeFile) Name() string { return cf.name }

// Path returns the path the file was opened with.
func (cf *CodeFile) Path() string { return cf.path }

// Channel returns the channel codes are read for.
func (cf *CodeFile) Channel() code.Channel { return cf.channel }

// Length returns the file size in bytes at open time.
func (cf *CodeFile) Length() int64 { return cf.length }

// Context is cancelled when the reader is aborted or closed. Every code
// read from the file carries it.
func (cf *CodeFile) Context() context.Context { return cf.ctx }

// Read returns the next code, or nil at end of file and after Abort or
// Close. A *code.ParseError concerns only the offending line; reading can
// continue afterwards.
func (cf *CodeFile) Read() (*code.Code, error) {
	c := code.New(cf.channel)
	ok, err := cf.ReadInto(c)
	if err != nil || !ok {
		return nil, err
	}
	return c, nil
}

// ReadInto fills c with the next code and reports whether one was read.
func (cf *CodeFile) ReadInto(c *code.Code) (bool, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.closed {
		return false, nil
	}

	err := cf.parser.NextInto(c)
	switch {
	case errors.Is(err, io.EOF):
		return false, nil
	case err != nil:
		var perr *code.ParseError
		if errors.As(err, &perr) && perr.Code != nil {
			cf.tag(perr.Code)
		}
		return false, err
	}
	cf.tag(c)
	return true, nil
}

func (cf *CodeFile) tag(c *code.Code) {
	c.Channel = cf.channel
	c.File = cf
	c.WithContext(cf.ctx)
}

// Position returns the offset of the next unread line.
func (cf *CodeFile) Position() int64 {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.parser.Offset()
}

// LineNumber returns the number of the next line, 0 when unknown.
func (cf *CodeFile) LineNumber() int64 {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.parser.Line()
}

// SetPosition seeks to pos and drops any partially read line. The line
// counter restarts at 1 for offset 0 and becomes unknown otherwise.
func (cf *CodeFile) SetPosition(pos int64) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.closed {
		return nil
	}
	if pos < 0 || pos > cf.length {
		return fmt.Errorf("%w: position %d outside %s (%d bytes)", code.ErrInvalidState, pos, cf.name, cf.length)
	}
	if _, err := cf.f.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w: %w", cf.name, code.ErrIO, err)
	}
	cf.parser.Reset(cf.f, pos)
	return nil
}

// Abort terminates the reader. Codes it produced observe the cancellation.
func (cf *CodeFile) Abort() {
	cf.mu.Lock()
	if cf.aborted {
		cf.mu.Unlock()
		return
	}
	cf.aborted = true
	cf.mu.Unlock()

	cf.Close()
	cf.logger.Debug("aborted file")
}

// IsAborted reports whether Abort was called.
func (cf *CodeFile) IsAborted() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.aborted
}

// Close releases the file and cancels the reader context.
func (cf *CodeFile) Close() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.closed {
		return nil
	}
	cf.closed = true
	cf.cancel()
	return cf.f.Close()
}

// IsClosed reports whether the reader was closed or aborted.
func (cf *CodeFile) IsClosed() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.closed
}
