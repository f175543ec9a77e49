package files

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/motionhost/internal/code"
)

// DefaultBufferedMacroCodes is how far a macro may read ahead of execution.
const DefaultBufferedMacroCodes = 16

// Starter submits a code for execution without waiting for it.
type Starter interface {
	StartCode(ctx context.Context, c *code.Code) error
}

// MacroOptions configures a macro run.
type MacroOptions struct {
	// ConfigPath is the startup configuration file. Opening it without a
	// start code emits the bootstrap codes first.
	ConfigPath    string
	Hostname      string
	BufferedCodes int
	// Now is used for the date/time bootstrap code; time.Now when nil.
	Now func() time.Time
}

// MacroFile is a CodeFile executed as a macro. Codes it reads belong to
// the frame opened for the macro.
type MacroFile struct {
	*CodeFile

	opts             MacroOptions
	startCode        *code.Code
	sourceConnection int
	isConfig         bool
	bootstrap        []*code.Code

	mu        sync.Mutex
	executing bool
	finished  chan struct{}
	output    []*code.Result
	err       error
}

// OpenMacroFile opens path as a macro on channel. startCode is the code
// that called the macro, nil for system-initiated runs.
func OpenMacroFile(ctx context.Context, path string, channel code.Channel, startCode *code.Code, opts MacroOptions) (*MacroFile, error) {
	if opts.BufferedCodes <= 0 {
		opts.BufferedCodes = DefaultBufferedMacroCodes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if startCode != nil {
		ctx = mergeCancel(ctx, startCode.Context())
	}
	cf, err := OpenCodeFile(ctx, path, channel)
	if err != nil {
		return nil, err
	}

	mf := &MacroFile{
		CodeFile:  cf,
		opts:      opts,
		startCode: startCode,
		finished:  make(chan struct{}),
	}
	if startCode != nil {
		mf.sourceConnection = startCode.SourceConnection
	} else if opts.ConfigPath != "" && samePath(path, opts.ConfigPath) {
		mf.isConfig = true
		mf.bootstrap = mf.bootstrapCodes()
	}
	cf.logger.Info("starting macro file", "nested", startCode != nil)
	return mf, nil
}

// mergeCancel returns a context of parent that is also cancelled with other.
func mergeCancel(parent, other context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	context.AfterFunc(ctx, func() { stop() })
	return ctx
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}

func (mf *MacroFile) bootstrapCodes() []*code.Code {
	now := mf.opts.Now()

	hostname := code.New(mf.channel)
	hostname.Type, hostname.Major = code.TypeM, 550
	hostname.Params = []code.Parameter{{Letter: 'P', Value: mf.opts.Hostname, IsString: true}}

	datetime := code.New(mf.channel)
	datetime.Type, datetime.Major = code.TypeM, 905
	datetime.Params = []code.Parameter{
		{Letter: 'P', Value: now.Format("2006-01-02"), IsString: true},
		{Letter: 'S', Value: now.Format("15:04:05"), IsString: true},
	}
	return []*code.Code{hostname, datetime}
}

// IsConfig reports whether this is the startup configuration run.
func (mf *MacroFile) IsConfig() bool { return mf.isConfig }

// IsNested reports whether another code started the macro.
func (mf *MacroFile) IsNested() bool { return mf.startCode != nil }

// StartCode returns the code that called the macro, if any.
func (mf *MacroFile) StartCode() *code.Code { return mf.startCode }

// Read returns the next macro code tagged with the macro's flags, or nil
// when the macro is done.
func (mf *MacroFile) Read() (*code.Code, error) {
	var c *code.Code
	mf.mu.Lock()
	if len(mf.bootstrap) > 0 && !mf.IsClosed() {
		c = mf.bootstrap[0]
		mf.bootstrap = mf.bootstrap[1:]
		c.File = mf
		c.WithContext(mf.ctx)
	}
	mf.mu.Unlock()

	if c == nil {
		var err error
		c, err = mf.CodeFile.Read()
		if err != nil {
			var perr *code.ParseError
			if errors.As(err, &perr) && perr.Code != nil {
				mf.tagMacro(perr.Code)
			}
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
	}

	if c.Type == code.TypeKeyword {
		switch strings.ToLower(c.Keyword) {
		case "return":
			mf.logger.Debug("return from macro")
			mf.Close()
			return nil, nil
		case "abort":
			mf.logger.Info("macro aborted by keyword", "message", c.Comment)
			mf.Abort()
			return nil, fmt.Errorf("%w: %s", code.ErrCancelled, strings.Trim(c.Comment, `"`))
		}
	}
	mf.tagMacro(c)
	return c, nil
}

func (mf *MacroFile) tagMacro(c *code.Code) {
	c.Flags |= code.Asynchronous | code.FromMacro
	if mf.isConfig {
		c.Flags |= code.FromConfig
	}
	if mf.startCode != nil {
		c.Flags |= code.NestedMacro
	}
	c.SourceConnection = mf.sourceConnection
	c.File = mf
	c.Macro = mf
}

// Run executes the macro. It keeps up to BufferedCodes codes in flight
// through starter and awaits them in order. Errors reported by codes are
// collected in Output; a failing read or submission aborts the macro and
// is returned.
func (mf *MacroFile) Run(ctx context.Context, starter Starter) error {
	mf.mu.Lock()
	if mf.executing {
		mf.mu.Unlock()
		return fmt.Errorf("%w: macro %s is already running", code.ErrInvalidState, mf.name)
	}
	mf.executing = true
	mf.mu.Unlock()

	err := mf.run(ctx, starter)

	mf.mu.Lock()
	mf.executing = false
	mf.err = err
	mf.mu.Unlock()
	mf.Close()
	close(mf.finished)

	switch {
	case err == nil:
		mf.logger.Info("finished macro file")
	case code.IsCancelled(err):
		mf.logger.Debug("macro file cancelled")
	default:
		mf.logger.Error("macro file failed", "error", err)
	}
	return err
}

func (mf *MacroFile) run(ctx context.Context, starter Starter) error {
	var pending []*code.Code
	for {
		for len(pending) < mf.opts.BufferedCodes {
			c, err := mf.Read()
			if err != nil {
				var perr *code.ParseError
				if errors.As(err, &perr) {
					mf.report(code.Errorf("in file %s line %d: %s", mf.name, perr.Line, perr.Reason))
					continue
				}
				mf.Abort()
				return err
			}
			if c == nil {
				break
			}
			if err := starter.StartCode(ctx, c); err != nil {
				mf.Abort()
				return fmt.Errorf("start %s: %w", c.ShortString(), err)
			}
			pending = append(pending, c)
		}

		if len(pending) == 0 {
			return nil
		}
		c := pending[0]
		pending = pending[1:]

		res, err := c.Wait(ctx)
		switch {
		case err == nil:
			if res != nil && res.Content != "" {
				mf.report(res)
			}
		case code.IsCancelled(err):
			if ctx.Err() != nil {
				mf.Abort()
				return code.ErrCancelled
			}
			if mf.IsAborted() {
				return code.ErrCancelled
			}
		default:
			mf.report(code.Errorf("in file %s line %d: %v", mf.name, c.LineNumber, err))
			mf.Abort()
			return err
		}
	}
}

func (mf *MacroFile) report(r *code.Result) {
	mf.mu.Lock()
	mf.output = append(mf.output, r)
	mf.mu.Unlock()
	if r.IsError() {
		mf.logger.Warn("macro error", "message", r.Content)
	}
}

// Output returns the non-empty replies collected while the macro ran.
func (mf *MacroFile) Output() []*code.Result {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return append([]*code.Result(nil), mf.output...)
}

// Result folds the collected output into one reply for the calling code.
func (mf *MacroFile) Result() *code.Result {
	out := mf.Output()
	res := code.Success("")
	var parts []string
	for _, r := range out {
		parts = append(parts, r.Content)
		if r.Type > res.Type {
			res.Type = r.Type
		}
	}
	res.Content = strings.Join(parts, "\n")
	return res
}

// IsExecuting reports whether Run is in progress.
func (mf *MacroFile) IsExecuting() bool {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.executing
}

// WaitForFinish blocks until Run has returned and reports its error.
func (mf *MacroFile) WaitForFinish(ctx context.Context) error {
	select {
	case <-mf.finished:
		mf.mu.Lock()
		defer mf.mu.Unlock()
		return mf.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
