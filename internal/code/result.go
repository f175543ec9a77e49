package code

import (
	"fmt"
	"strings"
)

// MessageType classifies a code result.
type MessageType int

const (
	MessageSuccess MessageType = iota
	MessageWarning
	MessageError
)

func (t MessageType) String() string {
	switch t {
	case MessageWarning:
		return "warning"
	case MessageError:
		return "error"
	default:
		return "success"
	}
}

func (t MessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "success", "":
		*t = MessageSuccess
	case "warning":
		*t = MessageWarning
	case "error":
		*t = MessageError
	default:
		return fmt.Errorf("unknown message type %q", string(b))
	}
	return nil
}

// Result is the reply attached to a code once it has been executed.
type Result struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

// Success returns a success result with the given content.
func Success(content string) *Result {
	return &Result{Type: MessageSuccess, Content: content}
}

// Errorf returns an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Type: MessageError, Content: fmt.Sprintf(format, args...)}
}

// Warnf returns a warning result.
func Warnf(format string, args ...any) *Result {
	return &Result{Type: MessageWarning, Content: fmt.Sprintf(format, args...)}
}

// IsError reports whether the result carries an error message.
func (r *Result) IsError() bool {
	return r != nil && r.Type == MessageError
}

func (r *Result) String() string {
	if r == nil {
		return ""
	}
	switch r.Type {
	case MessageError:
		return "Error: " + r.Content
	case MessageWarning:
		return "Warning: " + r.Content
	default:
		return r.Content
	}
}
