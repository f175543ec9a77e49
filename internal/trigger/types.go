package trigger

import (
	"context"

	"github.com/mattjoyce/motionhost/internal/code"
)

// MacroRunner runs a named macro on a channel.
type MacroRunner interface {
	RunMacro(ctx context.Context, ch code.Channel, name string, start *code.Code) (*code.Result, error)
}

// Config holds trigger server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single trigger endpoint.
type EndpointConfig struct {
	// Path is the URL path, e.g. "/trigger/door".
	Path string

	// Trigger selects the macro sys/trigger<N>.g.
	Trigger int

	// Secret is the HMAC key shared with the caller.
	Secret string

	// SignatureHeader carries the signature, e.g. "X-Hub-Signature-256".
	SignatureHeader string

	// MaxBodySize caps the request body in bytes.
	MaxBodySize int64
}

// Response is the JSON body of an accepted trigger.
type Response struct {
	Trigger   int    `json:"trigger"`
	Macro     string `json:"macro"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse is the JSON body of a rejected request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DefaultMaxBodySize applies when an endpoint sets no limit.
const DefaultMaxBodySize = 1 << 20
