package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/files"
	"github.com/mattjoyce/motionhost/internal/log"
	"github.com/mattjoyce/motionhost/internal/pipeline"
	"github.com/mattjoyce/motionhost/internal/plugin"
)

// Options configures a Dispatcher.
type Options struct {
	MaxCodesPerInput int
	Transport        pipeline.Transport
	Interceptor      Interceptor
	Events           Publisher
	Paths            Paths
	// Macro is applied to every macro run. ConfigPath marks the startup
	// configuration file.
	Macro files.MacroOptions
	// Fields feed {...} expressions next to the dispatcher's own fields.
	Fields []FieldSource
}

// FlushOptions modifies Flush.
type FlushOptions struct {
	// EvaluateExpressions resolves the {...} fields of the flushed code.
	EvaluateExpressions bool
	// EvaluateAll also resolves fields of codes still queued on the channel.
	EvaluateAll bool
	// SyncFileStreams makes job file codes wait for the other reader.
	SyncFileStreams bool
	// IfExecuting fails the flush unless the channel is active.
	IfExecuting bool
}

// Dispatcher routes codes into the channel pipelines.
type Dispatcher struct {
	opts      Options
	ctx       context.Context
	logger    *slog.Logger
	evaluator *FieldEvaluator
	started   time.Time

	// fixed after New, read without locking
	channels [code.ChannelCount]*pipeline.Channel
	active   [code.ChannelCount]atomic.Bool

	mu          sync.Mutex
	job         JobControl
	hostname    string
	clockOffset time.Duration
}

// New builds one pipeline per channel. Pipelines stop when ctx ends or
// Close is called. Every channel except the job file channels starts
// active.
func New(ctx context.Context, opts Options) *Dispatcher {
	d := &Dispatcher{
		opts:     opts,
		ctx:      ctx,
		logger:   log.WithComponent("dispatch"),
		hostname: opts.Macro.Hostname,
		started:  time.Now(),
	}
	d.evaluator = NewFieldEvaluator(append([]FieldSource{d}, opts.Fields...)...)

	hooks := &stageHooks{d: d}
	for _, ch := range code.Channels() {
		d.channels[ch] = pipeline.NewChannel(ctx, ch, pipeline.Options{
			MaxCodesPerInput: opts.MaxCodesPerInput,
			Hooks:            hooks,
			Transport:        opts.Transport,
			Evaluator:        d.evaluator,
		})
		d.active[ch].Store(!ch.IsFile())
	}
	return d
}

// Close stops every channel pipeline.
func (d *Dispatcher) Close() {
	for _, ch := range d.channels {
		ch.Close()
	}
}

// Channel returns the pipeline of ch.
func (d *Dispatcher) Channel(ch code.Channel) *pipeline.Channel {
	return d.channels[ch]
}

// Evaluator returns the field evaluator used for {...} expressions.
func (d *Dispatcher) Evaluator() *FieldEvaluator {
	return d.evaluator
}

// SetJobControl wires the job engine into the host code handlers.
func (d *Dispatcher) SetJobControl(j JobControl) {
	d.mu.Lock()
	d.job = j
	d.mu.Unlock()
}

func (d *Dispatcher) jobControl() JobControl {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.job
}

// SetActive marks whether something is driving ch.
func (d *Dispatcher) SetActive(ch code.Channel, active bool) {
	d.active[ch].Store(active)
}

// IsActive reports whether ch is marked active.
func (d *Dispatcher) IsActive(ch code.Channel) bool {
	return d.active[ch].Load()
}

// StartCode submits c without waiting for its result. The code resolves
// through its Wait method. When c cannot be queued it is cancelled and the
// error returned.
func (d *Dispatcher) StartCode(ctx context.Context, c *code.Code) error {
	if !c.Channel.Valid() {
		return fmt.Errorf("%w: invalid channel %d", code.ErrInvalidState, int(c.Channel))
	}
	ch := d.channels[c.Channel]
	stage := code.StageStart

	if c.Flags.Has(code.Prioritized) {
		if ch.IsIdle(c) {
			return d.write(ctx, ch, c, stage)
		}
		for _, other := range code.Channels() {
			if other == c.Channel {
				continue
			}
			if next := d.channels[other]; next.IsIdle(c) {
				d.logger.Debug("moved priority code to idle channel", "code", c.String(), "from", c.Channel.String(), "to", other.String())
				c.Channel = other
				return d.write(ctx, next, c, stage)
			}
		}
		d.logger.Warn("failed to move priority code to an idle channel because all of them are occupied",
			"code", c.String(), "channel", c.Channel.String())
	}

	if d.opts.Interceptor != nil && c.SourceConnection > 0 {
		if intercepted, mode, ok := d.opts.Interceptor.CodeBeingIntercepted(c.SourceConnection); ok {
			if intercepted.Flags.Has(code.FromMacro) {
				c.Flags |= code.FromMacro
				c.File = intercepted.File
				c.Macro = intercepted.Macro
			}
			// the stage holding the intercepted code is blocked until it returns
			if intercepted.Channel == c.Channel {
				if mode == plugin.ModePre {
					stage = code.StageProcessInternally
				} else {
					stage = code.StagePre
				}
			}
		}
	}
	return d.write(ctx, ch, c, stage)
}

func (d *Dispatcher) write(ctx context.Context, ch *pipeline.Channel, c *code.Code, stage code.Stage) error {
	c.Stage = stage
	if err := ch.WriteAsync(ctx, c, stage); err != nil {
		ch.Cancel(c, err)
		return err
	}
	return nil
}

// Execute starts c and waits for its result.
func (d *Dispatcher) Execute(ctx context.Context, c *code.Code) (*code.Result, error) {
	if err := d.StartCode(ctx, c); err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// ExecuteText parses one line and executes it on ch.
func (d *Dispatcher) ExecuteText(ctx context.Context, ch code.Channel, text string, flags code.Flags) (*code.Result, error) {
	c, err := code.Parse(text)
	if err != nil {
		return nil, err
	}
	c.Channel = ch
	c.Flags |= flags
	c.WithContext(ctx)
	return d.Execute(ctx, c)
}

// Flush waits until the stages after c have drained the frame of c. It
// returns false when the flush was cancelled, the other job reader never
// arrived, or IfExecuting was requested for an inactive channel.
func (d *Dispatcher) Flush(ctx context.Context, c *code.Code, opts FlushOptions) bool {
	if opts.IfExecuting && !d.IsActive(c.Channel) {
		return false
	}
	if !d.channels[c.Channel].Flush(ctx, c, opts.EvaluateExpressions, opts.EvaluateAll) {
		return false
	}
	if opts.SyncFileStreams && c.IsFromFileChannel() && !c.Flags.Has(code.FromMacro) {
		if job := d.jobControl(); job != nil {
			return job.Sync(ctx, c)
		}
	}
	return true
}

// FlushChannel waits until every frame of ch has drained.
func (d *Dispatcher) FlushChannel(ctx context.Context, ch code.Channel) bool {
	return d.channels[ch].FlushAll(ctx)
}

// Cancel resolves c as cancelled, attaching err unless it is a cancellation.
func (d *Dispatcher) Cancel(c *code.Code, err error) {
	d.channels[c.Channel].Cancel(c, err)
}

// Complete hands a code with its result to the Executed stage.
func (d *Dispatcher) Complete(c *code.Code) {
	d.channels[c.Channel].Write(c, code.StageExecuted)
}

// Push opens a new frame on ch for source.
func (d *Dispatcher) Push(ch code.Channel, source code.Source) *pipeline.FrameHandle {
	return d.channels[ch].Push(source)
}

// Pop closes the top frame of ch. The frame must be idle.
func (d *Dispatcher) Pop(ch code.Channel) error {
	return d.channels[ch].Pop()
}

// Snapshot captures the state of every channel.
func (d *Dispatcher) Snapshot() []pipeline.ChannelState {
	out := make([]pipeline.ChannelState, 0, code.ChannelCount)
	for _, ch := range d.channels {
		out = append(out, ch.Snapshot())
	}
	return out
}

// Diagnostics writes the busy frames of every channel.
func (d *Dispatcher) Diagnostics(w io.Writer) {
	fmt.Fprintln(w, "=== Code pipelines ===")
	for _, ch := range d.channels {
		ch.Diagnostics(w)
	}
}

// Hostname returns the name set by M550 or the configuration.
func (d *Dispatcher) Hostname() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostname
}

// Now returns the host clock as adjusted by M905.
func (d *Dispatcher) Now() time.Time {
	d.mu.Lock()
	offset := d.clockOffset
	d.mu.Unlock()
	return time.Now().Add(offset)
}

// Fields publishes the host fields of the object model.
func (d *Dispatcher) Fields() map[string]any {
	now := d.Now()
	return map[string]any{
		"network.hostname": d.Hostname(),
		"state.time":       now.Format("2006-01-02T15:04:05"),
		"state.up_time":    int64(time.Since(d.started).Seconds()),
	}
}

// RunMacro executes the macro called name on ch in a new frame. start is
// the code that called it, nil for system runs. The result folds the
// replies of the macro's codes.
func (d *Dispatcher) RunMacro(ctx context.Context, ch code.Channel, name string, start *code.Code) (*code.Result, error) {
	path, err := d.findMacro(name)
	if err != nil {
		return nil, err
	}
	return d.runMacroFile(ctx, ch, path, start)
}

// RunConfig executes the startup configuration file on the SBC channel.
func (d *Dispatcher) RunConfig(ctx context.Context) (*code.Result, error) {
	if d.opts.Macro.ConfigPath == "" {
		return nil, errors.New("no configuration file set")
	}
	return d.runMacroFile(ctx, code.SBC, d.opts.Macro.ConfigPath, nil)
}

func (d *Dispatcher) findMacro(name string) (string, error) {
	if d.opts.Paths == nil {
		return "", fmt.Errorf("macro %s: %w", name, os.ErrNotExist)
	}
	for _, path := range d.opts.Paths.MacroCandidates(name) {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("macro file %s not found: %w", name, os.ErrNotExist)
}

func (d *Dispatcher) runMacroFile(ctx context.Context, ch code.Channel, path string, start *code.Code) (*code.Result, error) {
	opts := d.opts.Macro
	opts.Hostname = d.Hostname()
	opts.Now = d.Now
	mf, err := files.OpenMacroFile(ctx, path, ch, start, opts)
	if err != nil {
		return nil, err
	}

	pch := d.channels[ch]
	pch.Push(mf)
	runErr := mf.Run(ctx, d)

	// stage loops release their frames slightly after the codes resolve
	pch.FlushTop(d.ctx)
	if err := pch.Pop(); err != nil {
		d.logger.Error("failed to pop macro frame", "macro", mf.Name(), "channel", ch.String(), "error", err)
		return nil, err
	}

	if runErr != nil {
		return mf.Result(), runErr
	}
	return mf.Result(), nil
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.opts.Events != nil {
		d.opts.Events.Publish(eventType, data)
	}
}
