package code

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// NoPosition marks a code that was not read from a file.
const NoPosition int64 = -1

// Type is the kind of a parsed code.
type Type byte

const (
	TypeNone    Type = 0
	TypeComment Type = 'C'
	TypeG       Type = 'G'
	TypeM       Type = 'M'
	TypeT       Type = 'T'
	TypeKeyword Type = 'K'
)

// Source identifies the file or macro a code came from.
type Source interface {
	Name() string
}

// Parameter is one letter-value pair of a code.
type Parameter struct {
	Letter       byte   `json:"letter"`
	Value        string `json:"value"`
	IsString     bool   `json:"is_string,omitempty"`
	IsExpression bool   `json:"is_expression,omitempty"`
}

func (p Parameter) String() string {
	switch {
	case p.IsString:
		return string(p.Letter) + `"` + strings.ReplaceAll(p.Value, `"`, `""`) + `"`
	default:
		return string(p.Letter) + p.Value
	}
}

type completion int

const (
	pending completion = iota
	finished
	cancelled
	failed
)

// Code is one machine-control instruction travelling through the pipeline.
//
// A Code is handed from stage to stage; only the stage currently holding it
// mutates it. Completion is signalled exactly once by the Executed stage.
type Code struct {
	Channel Channel
	Stage   Stage
	Flags   Flags

	Type    Type
	Major   int
	Minor   int
	Params  []Parameter
	Comment string
	Keyword string

	LineNumber   int64
	FilePosition int64
	Length       int64

	SourceConnection int
	File             Source
	Macro            Source

	Result *Result

	ctx   context.Context
	mu    sync.Mutex
	state completion
	err   error
	done  chan struct{}
}

// New returns an empty code for channel ch.
func New(ch Channel) *Code {
	c := &Code{}
	c.Reset()
	c.Channel = ch
	return c
}

// Reset returns c to the state of a freshly created code on its channel.
func (c *Code) Reset() {
	ch := c.Channel
	*c = Code{
		Channel:      ch,
		Major:        -1,
		Minor:        -1,
		FilePosition: NoPosition,
		ctx:          context.Background(),
		done:         make(chan struct{}),
	}
}

// Context returns the cancellation signal of the code.
func (c *Code) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// WithContext replaces the cancellation signal of the code.
func (c *Code) WithContext(ctx context.Context) *Code {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx = ctx
	return c
}

// Cancelled reports whether the code's cancellation signal fired.
func (c *Code) Cancelled() bool {
	return c.Context().Err() != nil
}

// Is reports whether c is the given code type and major number.
func (c *Code) Is(t Type, major int) bool {
	return c.Type == t && c.Major == major
}

// Param returns the parameter with the given letter.
func (c *Code) Param(letter byte) (Parameter, bool) {
	letter = upper(letter)
	for _, p := range c.Params {
		if p.Letter == letter {
			return p, true
		}
	}
	return Parameter{}, false
}

// StringParam returns the value of a parameter or def when absent.
func (c *Code) StringParam(letter byte, def string) string {
	if p, ok := c.Param(letter); ok {
		return p.Value
	}
	return def
}

// IntParam returns the integer value of a parameter.
func (c *Code) IntParam(letter byte, def int64) (int64, error) {
	p, ok := c.Param(letter)
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseInt(p.Value, 10, 64)
	if err != nil {
		return def, fmt.Errorf("parameter %c: %w", letter, err)
	}
	return v, nil
}

// FloatParam returns the numeric value of a parameter and whether it was present.
func (c *Code) FloatParam(letter byte) (float64, bool, error) {
	p, ok := c.Param(letter)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(p.Value, 64)
	if err != nil {
		return 0, true, fmt.Errorf("parameter %c: %w", letter, err)
	}
	return v, true, nil
}

// IsFromFileChannel reports whether the code belongs to a job file channel.
func (c *Code) IsFromFileChannel() bool {
	return c.Channel.IsFile()
}

// ShortString returns the command word only, e.g. "G1" or "M98".
func (c *Code) ShortString() string {
	switch c.Type {
	case TypeComment:
		return "(comment)"
	case TypeKeyword:
		return c.Keyword
	case TypeNone:
		return "(empty)"
	}
	if c.Major < 0 {
		return string(c.Type)
	}
	if c.Minor >= 0 {
		return fmt.Sprintf("%c%d.%d", c.Type, c.Major, c.Minor)
	}
	return fmt.Sprintf("%c%d", c.Type, c.Major)
}

func (c *Code) String() string {
	switch c.Type {
	case TypeComment:
		return ";" + c.Comment
	case TypeKeyword:
		if c.Comment == "" {
			return c.Keyword
		}
		return c.Keyword + " " + c.Comment
	}
	var b strings.Builder
	b.WriteString(c.ShortString())
	for _, p := range c.Params {
		b.WriteByte(' ')
		b.WriteString(p.String())
	}
	return b.String()
}

// Done is closed once the code has been executed, cancelled or failed.
func (c *Code) Done() <-chan struct{} {
	return c.done
}

// SetError attaches an error that Wait reports instead of the result.
func (c *Code) SetError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Err returns the error attached to the code.
func (c *Code) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Complete resolves the code: failed when an error is attached, finished
// when a result is present, cancelled otherwise. Later calls are no-ops.
func (c *Code) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != pending {
		return
	}
	switch {
	case c.err != nil:
		c.state = failed
	case c.Result != nil:
		c.state = finished
	default:
		c.state = cancelled
	}
	close(c.done)
}

// Completed reports whether Complete has been called.
func (c *Code) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != pending
}

// Wait blocks until the code completes or ctx ends.
func (c *Code) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s: %w", c.ShortString(), ctx.Err())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case failed:
		return c.Result, c.err
	case cancelled:
		return nil, ErrCancelled
	default:
		return c.Result, nil
	}
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}
