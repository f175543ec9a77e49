package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/motionhost/internal/code"
)

// processInternally answers the codes the host handles itself. It reports
// true when c got its result here and skips the firmware.
func (d *Dispatcher) processInternally(ctx context.Context, c *code.Code) (bool, error) {
	switch c.Type {
	case code.TypeNone, code.TypeComment:
		c.Result = code.Success("")
		return true, nil
	case code.TypeKeyword:
		return d.processKeyword(ctx, c)
	}

	if hasExpressions(c) {
		if !d.Flush(ctx, c, FlushOptions{}) {
			return false, code.ErrCancelled
		}
		if err := d.evaluator.Evaluate(ctx, c); err != nil {
			if code.IsCancelled(err) {
				return false, err
			}
			c.Result = code.Errorf("%v", err)
			return true, nil
		}
	}

	switch c.Type {
	case code.TypeM:
		return d.processMCode(ctx, c)
	case code.TypeT:
		// tool changes move the machine, both job readers must be there
		if c.IsFromFileChannel() && !d.Flush(ctx, c, FlushOptions{SyncFileStreams: true}) {
			return false, code.ErrCancelled
		}
	}
	return false, nil
}

func (d *Dispatcher) processKeyword(ctx context.Context, c *code.Code) (bool, error) {
	switch c.Keyword {
	case "echo":
		if !d.Flush(ctx, c, FlushOptions{}) {
			return false, code.ErrCancelled
		}
		out, err := d.evaluator.Echo(ctx, c.Comment)
		if err != nil {
			if code.IsCancelled(err) {
				return false, err
			}
			c.Result = code.Errorf("%v", err)
			return true, nil
		}
		c.Result = code.Success(out)
	case "return", "abort":
		c.Result = code.Errorf("%s is only valid inside a macro", c.Keyword)
	default:
		c.Result = code.Errorf("meta command %s is not supported", c.Keyword)
	}
	return true, nil
}

func (d *Dispatcher) processMCode(ctx context.Context, c *code.Code) (bool, error) {
	switch c.Major {
	case 0, 1:
		if job := d.jobControl(); job != nil {
			if err := job.Cancel(ctx); err != nil && !code.IsCancelled(err) {
				d.logger.Warn("failed to cancel job", "code", c.String(), "error", err)
			}
		}
		return false, nil

	case 23, 32, 37:
		return d.selectFile(ctx, c)

	case 24:
		job := d.jobControl()
		if job == nil {
			c.Result = code.Errorf("no job engine")
			return true, nil
		}
		if err := job.Resume(ctx); err != nil {
			c.Result = code.Errorf("%v", err)
			return true, nil
		}
		c.Result = code.Success("")
		return true, nil

	case 25, 226:
		return d.pause(ctx, c)

	case 98:
		return d.callMacro(ctx, c)

	case 122:
		if p := strings.ToLower(c.StringParam('P', "")); p == "dsf" || p == "host" {
			var b strings.Builder
			d.Diagnostics(&b)
			c.Result = code.Success(strings.TrimRight(b.String(), "\n"))
			return true, nil
		}
		return false, nil

	case 400, 598:
		if !d.Flush(ctx, c, FlushOptions{SyncFileStreams: true}) {
			return false, code.ErrCancelled
		}
		return false, nil

	case 550:
		name, ok := c.Param('P')
		if !ok {
			c.Result = code.Success("Hostname: " + d.Hostname())
			return true, nil
		}
		if strings.TrimSpace(name.Value) == "" {
			c.Result = code.Errorf("hostname must not be empty")
			return true, nil
		}
		d.mu.Lock()
		d.hostname = name.Value
		d.mu.Unlock()
		c.Result = code.Success("")
		return true, nil

	case 905:
		return d.setDateTime(c)
	}
	return false, nil
}

func (d *Dispatcher) selectFile(ctx context.Context, c *code.Code) (bool, error) {
	job := d.jobControl()
	name := c.StringParam('P', "")
	switch {
	case job == nil:
		c.Result = code.Errorf("no job engine")
		return true, nil
	case c.IsFromFileChannel():
		c.Result = code.Errorf("cannot select a file while a job file is being processed")
		return true, nil
	case name == "":
		c.Result = code.Errorf("missing file name")
		return true, nil
	}

	path := name
	if d.opts.Paths != nil {
		path = d.opts.Paths.GCodeFile(name)
	}
	simulating := c.Major == 37
	if err := job.SelectFile(ctx, path, simulating); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.Result = code.Errorf("could not find file %s", name)
		} else {
			c.Result = code.Errorf("%v", err)
		}
		return true, nil
	}
	if c.Major == 23 {
		c.Result = code.Success(fmt.Sprintf("File %s selected for processing", name))
		return true, nil
	}
	if err := job.Resume(ctx); err != nil {
		c.Result = code.Errorf("%v", err)
		return true, nil
	}
	c.Result = code.Success("")
	return true, nil
}

func (d *Dispatcher) pause(ctx context.Context, c *code.Code) (bool, error) {
	job := d.jobControl()
	if job == nil {
		c.Result = code.Errorf("no job engine")
		return true, nil
	}
	fromJob := c.IsFromFileChannel() && !c.Flags.Has(code.FromMacro)
	if c.Major == 226 && !fromJob {
		c.Result = code.Errorf("M226 is only allowed in a job file")
		return true, nil
	}

	var (
		position *int64
		reason   = PauseUser
	)
	if fromJob {
		if !d.Flush(ctx, c, FlushOptions{SyncFileStreams: true}) {
			return false, code.ErrCancelled
		}
		pos := c.FilePosition + c.Length
		position, reason = &pos, PauseCode
	}
	if err := job.Pause(ctx, position, reason); err != nil {
		c.Result = code.Errorf("%v", err)
		return true, nil
	}
	c.Result = code.Success("")
	return true, nil
}

func (d *Dispatcher) callMacro(ctx context.Context, c *code.Code) (bool, error) {
	name := c.StringParam('P', "")
	if name == "" {
		c.Result = code.Errorf("missing macro file name")
		return true, nil
	}
	// preceding codes of the calling frame must finish before the macro runs
	if !d.Flush(ctx, c, FlushOptions{}) {
		return false, code.ErrCancelled
	}

	res, err := d.RunMacro(ctx, c.Channel, name, c)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.Result = code.Errorf("macro file %s not found", name)
	case code.IsCancelled(err):
		return false, err
	case err != nil:
		c.Result = code.Errorf("%v", err)
		if res != nil && res.Content != "" {
			c.Result.Content = res.Content + "\n" + c.Result.Content
		}
	default:
		c.Result = res
	}
	return true, nil
}

func (d *Dispatcher) setDateTime(c *code.Code) (bool, error) {
	date, hasDate := c.Param('P')
	clock, hasTime := c.Param('S')
	if !hasDate && !hasTime {
		c.Result = code.Success("Current date and time: " + d.Now().Format("2006-01-02 15:04:05"))
		return true, nil
	}

	now := d.Now()
	datePart := now.Format("2006-01-02")
	timePart := now.Format("15:04:05")
	if hasDate {
		datePart = date.Value
	}
	if hasTime {
		timePart = clock.Value
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", datePart+" "+timePart, time.Local)
	if err != nil {
		c.Result = code.Errorf("invalid date or time: %v", err)
		return true, nil
	}
	d.mu.Lock()
	d.clockOffset = time.Until(t)
	d.mu.Unlock()
	c.Result = code.Success("")
	return true, nil
}

func hasExpressions(c *code.Code) bool {
	for _, p := range c.Params {
		if p.IsExpression {
			return true
		}
	}
	return false
}
