package code

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled marks cooperative cancellation. It is expected during
	// pause, cancel and file exchange and is never logged as an error.
	ErrCancelled = errors.New("code cancelled")

	// ErrMalformedCommand is wrapped by every ParseError.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrInvalidState reports a violated pipeline invariant such as popping a busy frame.
	ErrInvalidState = errors.New("invalid state")

	// ErrIO wraps reader and writer failures.
	ErrIO = errors.New("i/o failure")
)

// ParseError is returned by the parser for malformed input. Code holds
// whatever was parsed before the failure.
type ParseError struct {
	Code   *Code
	Line   int64
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s: %s", e.Line, ErrMalformedCommand, e.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedCommand, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformedCommand
}

// IsCancelled reports whether err stems from cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
