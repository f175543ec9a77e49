// Package job runs job files through the dispatcher. A job is read by one
// reader per motion system; the readers meet at synchronisation points and
// share pause, resume, cancel and abort.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/dispatch"
	"github.com/mattjoyce/motionhost/internal/files"
	"github.com/mattjoyce/motionhost/internal/log"
)

// ErrNoJob is returned by operations that need a selected job file.
var ErrNoJob = errors.New("no file is selected")

// Event types published by the engine.
const (
	EventSelected  = "job.selected"
	EventStarted   = "job.started"
	EventPaused    = "job.paused"
	EventResumed   = "job.resumed"
	EventCancelled = "job.cancelled"
	EventAborted   = "job.aborted"
	EventFinished  = "job.finished"
)

// Outcome of a job run.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAborted   Outcome = "aborted"
)

// Dispatcher is the part of the dispatcher the readers feed.
type Dispatcher interface {
	StartCode(ctx context.Context, c *code.Code) error
	FlushChannel(ctx context.Context, ch code.Channel) bool
	SetActive(ch code.Channel, active bool)
}

// MotionSystems reports how many motion systems the machine has.
type MotionSystems interface {
	MotionSystems() int
}

// Recorder persists job runs. It is called when a run starts and again when
// it finishes with the same ID.
type Recorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// Run is one execution of a job file.
type Run struct {
	ID         string     `json:"id"`
	File       string     `json:"file"`
	Path       string     `json:"path"`
	Simulated  bool       `json:"simulated"`
	Outcome    Outcome    `json:"outcome"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Position   int64      `json:"position"`
}

// LastFile describes how the previous job ended.
type LastFile struct {
	Name      string `json:"name,omitempty"`
	Aborted   bool   `json:"aborted"`
	Cancelled bool   `json:"cancelled"`
	Simulated bool   `json:"simulated"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	File          string               `json:"file,omitempty"`
	Info          *Info                `json:"info,omitempty"`
	RunID         string               `json:"run_id,omitempty"`
	Processing    bool                 `json:"processing"`
	Paused        bool                 `json:"paused"`
	Simulating    bool                 `json:"simulating"`
	Cancelled     bool                 `json:"cancelled"`
	Aborted       bool                 `json:"aborted"`
	Position      int64                `json:"position"`
	Length        int64                `json:"length"`
	PausePosition *int64               `json:"pause_position,omitempty"`
	PauseReason   dispatch.PauseReason `json:"pause_reason"`
	LastFile      LastFile             `json:"last_file"`
}

type Options struct {
	// BufferedCodes bounds the codes a reader keeps in flight.
	BufferedCodes int
	// InfoScanBytes is the header and footer size scanned for metadata.
	InfoScanBytes int64
	Machine       MotionSystems
	Events        dispatch.Publisher
	Recorders     []Recorder
	// LastFile seeds the outcome of the previous run, e.g. from the state store.
	LastFile LastFile
}

// Engine owns the selected job file and its readers.
type Engine struct {
	opts   Options
	disp   Dispatcher
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lock guards the fields below; waits never hold it.
	lock       asyncLock
	readers    []*reader
	info       *Info
	fileName   string
	filePath   string
	running    bool
	starting   bool
	paused     bool
	simulating bool
	cancelled  bool
	aborted    bool
	pausePos   *int64
	reason     dispatch.PauseReason
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	resumeCh   chan struct{}
	finishedCh chan struct{}
	run        *Run
	last       LastFile

	executed [2]atomic.Int64

	syncMu sync.Mutex
	live   map[code.Channel]bool
	syncs  []*syncRequest
}

// New returns an idle engine feeding disp. The engine stops when ctx ends
// or Close is called.
func New(ctx context.Context, disp Dispatcher, opts Options) *Engine {
	if opts.BufferedCodes <= 0 {
		opts.BufferedCodes = 32
	}
	if opts.InfoScanBytes <= 0 {
		opts.InfoScanBytes = 32 << 10
	}
	e := &Engine{
		opts:       opts,
		disp:       disp,
		logger:     log.WithComponent("job"),
		lock:       newAsyncLock(),
		resumeCh:   make(chan struct{}),
		finishedCh: make(chan struct{}),
		last:       opts.LastFile,
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.jobCtx, e.jobCancel = context.WithCancel(e.ctx)
	return e
}

// Start runs the job loop in the background until Close.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Run(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("job loop failed", "error", err)
		}
	}()
}

// Close cancels any running job and stops the job loop.
func (e *Engine) Close() {
	if err := e.Cancel(context.Background()); err != nil && !errors.Is(err, ErrNoJob) {
		e.logger.Debug("cancel on close", "error", err)
	}
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) motionSystems() int {
	if e.opts.Machine == nil {
		return 1
	}
	if n := e.opts.Machine.MotionSystems(); n >= 2 {
		return 2
	}
	return 1
}

// SelectFile makes path the current job. A running job is cancelled first
// and SelectFile waits until it has finished.
func (e *Engine) SelectFile(ctx context.Context, path string, simulating bool) error {
	info, err := ParseInfo(path, e.opts.InfoScanBytes)
	if err != nil {
		return err
	}

	channels := []code.Channel{code.File, code.File2}[:e.motionSystems()]
	opened := make([]*reader, 0, len(channels))
	for i, ch := range channels {
		f, err := files.OpenCodeFile(e.ctx, path, ch)
		if err != nil {
			for _, r := range opened {
				r.file.Close()
			}
			return err
		}
		opened = append(opened, newReader(e, i, f))
	}

	if err := e.lock.Lock(ctx); err != nil {
		closeReaders(opened)
		return err
	}
	for e.running {
		finished := e.finishedCh
		e.cancelLocked(false)
		e.lock.Unlock()
		select {
		case <-finished:
		case <-ctx.Done():
			closeReaders(opened)
			return ctx.Err()
		}
		if err := e.lock.Lock(ctx); err != nil {
			closeReaders(opened)
			return err
		}
	}

	closeReaders(e.readers)
	e.readers = opened
	e.info = info
	e.fileName = info.FileName
	e.filePath = path
	e.simulating = simulating
	e.starting = false
	e.paused = false
	e.cancelled = false
	e.aborted = false
	e.pausePos = nil
	e.reason = dispatch.PauseUser
	for i := range e.executed {
		e.executed[i].Store(0)
	}
	e.lock.Unlock()

	e.setLive(channels...)
	e.logger.Info("selected job file", "file", info.FileName, "simulating", simulating, "readers", len(opened))
	e.publish(EventSelected, map[string]any{"file": info.FileName, "simulating": simulating})
	return nil
}

func closeReaders(readers []*reader) {
	for _, r := range readers {
		r.file.Close()
	}
}

// Run starts every selected job once Resume is called and returns when ctx
// ends.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := e.waitForStart(ctx); err != nil {
			return err
		}
		e.runJob(ctx)
	}
}

func (e *Engine) waitForStart(ctx context.Context) error {
	for {
		if err := e.lock.Lock(ctx); err != nil {
			return err
		}
		if e.starting && len(e.readers) > 0 && !e.readers[0].file.IsClosed() {
			e.starting = false
			e.running = true
			e.lock.Unlock()
			return nil
		}
		wake := e.resumeCh
		e.lock.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) runJob(ctx context.Context) {
	// waitForStart leaves running set; the lock cannot fail on Background
	_ = e.lock.Lock(context.Background())
	run := &Run{
		ID:        uuid.NewString(),
		File:      e.fileName,
		Path:      e.filePath,
		Simulated: e.simulating,
		Outcome:   OutcomeRunning,
		StartedAt: time.Now().UTC(),
	}
	e.run = run
	readers := e.readers
	started := *run
	e.lock.Unlock()

	logger := log.WithJob(run.ID).With("file", run.File)
	logger.Info("job started", "simulated", run.Simulated)
	e.publish(EventStarted, started)
	e.record(ctx, started)

	for _, r := range readers {
		e.disp.SetActive(r.channel, true)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range readers {
		g.Go(func() error { return r.run(gctx) })
	}
	err := g.Wait()
	for _, r := range readers {
		e.disp.SetActive(r.channel, false)
	}
	if err != nil && !code.IsCancelled(err) {
		logger.Error("job reader failed", "error", err)
	}

	_ = e.lock.Lock(context.Background())
	outcome := OutcomeCompleted
	switch {
	case e.aborted || (err != nil && ctx.Err() == nil):
		outcome = OutcomeAborted
	case e.cancelled || ctx.Err() != nil:
		outcome = OutcomeCancelled
	}
	now := time.Now().UTC()
	run.Outcome = outcome
	run.FinishedAt = &now
	run.Position = e.executed[0].Load()
	finished := *run
	e.last = LastFile{
		Name:      run.File,
		Aborted:   outcome == OutcomeAborted,
		Cancelled: outcome == OutcomeCancelled,
		Simulated: run.Simulated,
	}
	closeReaders(e.readers)
	e.readers = nil
	e.info = nil
	e.fileName = ""
	e.filePath = ""
	e.running = false
	e.paused = false
	e.simulating = false
	e.pausePos = nil
	e.run = nil
	close(e.finishedCh)
	e.finishedCh = make(chan struct{})
	e.lock.Unlock()

	e.setLive()
	logger.Info("job finished", "outcome", outcome, "position", finished.Position, "duration", now.Sub(run.StartedAt).String())
	e.publish(EventFinished, finished)
	// persist even when ctx ended with the process
	e.record(context.WithoutCancel(ctx), finished)
}

func (e *Engine) record(ctx context.Context, run Run) {
	for _, r := range e.opts.Recorders {
		if err := r.RecordRun(ctx, run); err != nil {
			e.logger.Warn("failed to record job run", "run_id", run.ID, "error", err)
		}
	}
}

// renewJobContextLocked cancels every code started for the job so far.
func (e *Engine) renewJobContextLocked() {
	e.jobCancel()
	e.jobCtx, e.jobCancel = context.WithCancel(e.ctx)
}

func (e *Engine) wakeLocked() {
	close(e.resumeCh)
	e.resumeCh = make(chan struct{})
}

// Pause stops the readers and cancels the codes they started. position is
// where the readers continue on Resume; nil means after the last code that
// completed. Pausing a paused job or a job that is not running does nothing.
func (e *Engine) Pause(ctx context.Context, position *int64, reason dispatch.PauseReason) error {
	if err := e.lock.Lock(ctx); err != nil {
		return err
	}
	if !e.running || e.paused || e.cancelled || e.aborted {
		e.lock.Unlock()
		return nil
	}
	e.renewJobContextLocked()
	e.paused = true
	e.pausePos = position
	e.reason = reason
	for _, r := range e.readers {
		r.resumeAt = position
	}
	file := e.fileName
	e.lock.Unlock()

	e.releaseSyncs(releaseAll)
	e.logger.Info("job paused", "file", file, "reason", reason.String())
	e.publish(EventPaused, map[string]any{"file": file, "position": position, "reason": reason})
	return nil
}

// Resume starts the selected job or continues a paused one.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.lock.Lock(ctx); err != nil {
		return err
	}
	defer e.lock.Unlock()
	if len(e.readers) == 0 {
		return ErrNoJob
	}
	switch {
	case !e.running:
		e.starting = true
	case e.paused:
		e.paused = false
		e.pausePos = nil
		e.logger.Info("job resumed", "file", e.fileName)
		e.publish(EventResumed, map[string]any{"file": e.fileName})
	default:
		return nil
	}
	e.wakeLocked()
	return nil
}

// Cancel stops the job. Pending codes are cancelled and the readers end.
func (e *Engine) Cancel(ctx context.Context) error {
	return e.stop(ctx, false)
}

// Abort stops the job like Cancel but records it as aborted.
func (e *Engine) Abort(ctx context.Context) error {
	return e.stop(ctx, true)
}

func (e *Engine) stop(ctx context.Context, abort bool) error {
	if err := e.lock.Lock(ctx); err != nil {
		return err
	}
	if len(e.readers) == 0 {
		e.lock.Unlock()
		return nil
	}
	file := e.fileName
	e.cancelLocked(abort)
	e.lock.Unlock()

	event := EventCancelled
	if abort {
		event = EventAborted
	}
	e.logger.Info("job stopped", "file", file, "aborted", abort)
	e.publish(event, map[string]any{"file": file})
	return nil
}

// cancelLocked stops the readers. A job that never started is dropped
// right away; a running one is cleaned up by its run loop.
func (e *Engine) cancelLocked(abort bool) {
	e.renewJobContextLocked()
	for _, r := range e.readers {
		if abort {
			r.file.Abort()
		} else {
			r.file.Close()
		}
	}
	if abort {
		e.aborted = true
	} else {
		e.cancelled = true
	}
	e.paused = false
	e.starting = false
	e.setLive()
	if !e.running {
		e.last = LastFile{Name: e.fileName, Aborted: abort, Cancelled: !abort, Simulated: e.simulating}
		e.readers = nil
		e.info = nil
		e.fileName = ""
		e.filePath = ""
	}
	e.wakeLocked()
}

// CodeExecuted advances the executed position of the reader that owns c.
func (e *Engine) CodeExecuted(c *code.Code) {
	if c.FilePosition < 0 {
		return
	}
	i := 0
	if c.Channel == code.File2 {
		i = 1
	}
	e.executed[i].Store(c.FilePosition + c.Length)
}

// FilePosition returns the offset after the last executed code of the
// first motion system.
func (e *Engine) FilePosition() int64 {
	return e.executed[0].Load()
}

// SetFilePosition moves the reader of motionSystem. While the job runs it
// must be paused; the new offset is taken on Resume.
func (e *Engine) SetFilePosition(ctx context.Context, motionSystem int, pos int64) error {
	if err := e.lock.Lock(ctx); err != nil {
		return err
	}
	defer e.lock.Unlock()
	if len(e.readers) == 0 {
		return ErrNoJob
	}
	if motionSystem < 0 || motionSystem >= len(e.readers) {
		return fmt.Errorf("%w: no reader for motion system %d", code.ErrInvalidState, motionSystem)
	}
	r := e.readers[motionSystem]
	if pos < 0 || pos > r.file.Length() {
		return fmt.Errorf("%w: position %d outside %s", code.ErrInvalidState, pos, e.fileName)
	}
	if e.running && !e.paused {
		return fmt.Errorf("%w: job must be paused to change the file position", code.ErrInvalidState)
	}
	e.releaseSyncs(releaseFrom(pos))
	if e.running {
		r.resumeAt = &pos
		return nil
	}
	if err := r.file.SetPosition(pos); err != nil {
		return err
	}
	e.executed[motionSystem].Store(pos)
	return nil
}

// Snapshot returns the current state of the engine.
func (e *Engine) Snapshot(ctx context.Context) (Status, error) {
	if err := e.lock.Lock(ctx); err != nil {
		return Status{}, err
	}
	defer e.lock.Unlock()
	s := Status{
		File:        e.fileName,
		Info:        e.info,
		Processing:  e.running && !e.paused,
		Paused:      e.paused,
		Simulating:  e.simulating,
		Cancelled:   e.cancelled,
		Aborted:     e.aborted,
		Position:    e.executed[0].Load(),
		PauseReason: e.reason,
		LastFile:    e.last,
	}
	if e.run != nil {
		s.RunID = e.run.ID
	}
	if len(e.readers) > 0 {
		s.Length = e.readers[0].file.Length()
	}
	if e.pausePos != nil {
		p := *e.pausePos
		s.PausePosition = &p
	}
	return s, nil
}

// Fields exposes the job state to expressions.
func (e *Engine) Fields() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := e.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("job state unavailable for expressions", "error", err)
		return nil
	}
	return map[string]any{
		"job.file.fileName":     s.File,
		"job.file.size":         s.Length,
		"job.filePosition":      s.Position,
		"job.processing":        s.Processing,
		"job.paused":            s.Paused,
		"job.simulating":        s.Simulating,
		"job.lastFileName":      s.LastFile.Name,
		"job.lastFileAborted":   s.LastFile.Aborted,
		"job.lastFileCancelled": s.LastFile.Cancelled,
		"job.lastFileSimulated": s.LastFile.Simulated,
	}
}

// Diagnostics writes the job state for M122.
func (e *Engine) Diagnostics(w io.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := e.Snapshot(ctx)
	fmt.Fprintln(w, "=== Job ===")
	if err != nil {
		fmt.Fprintf(w, "Failed to lock the job: %v\n", err)
		return
	}
	if s.File == "" {
		fmt.Fprintln(w, "No file selected")
	} else {
		fmt.Fprintf(w, "File %s at %d of %d bytes\n", s.File, s.Position, s.Length)
		fmt.Fprintf(w, "Processing: %t, paused: %t, simulating: %t\n", s.Processing, s.Paused, s.Simulating)
	}
	fmt.Fprintf(w, "Pending syncs: %d\n", e.pendingSyncs())
	if s.LastFile.Name != "" {
		fmt.Fprintf(w, "Last file %s (aborted: %t, cancelled: %t)\n", s.LastFile.Name, s.LastFile.Aborted, s.LastFile.Cancelled)
	}
}

func (e *Engine) publish(eventType string, data any) {
	if e.opts.Events != nil {
		e.opts.Events.Publish(eventType, data)
	}
}

// report announces a job file problem on the channel of the reader.
func (e *Engine) report(ch code.Channel, msg string) {
	e.publish(dispatch.EventMessage, dispatch.MessageEvent{Channel: ch, Type: code.MessageError, Content: msg})
}
