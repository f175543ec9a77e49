package protocol

import "time"

// Version is the only interception protocol version understood by the host.
const Version = 1

// Action tells the host what to do with an intercepted code.
type Action string

const (
	// ActionPass lets the code continue down the pipeline.
	ActionPass Action = "pass"
	// ActionResolve answers the code with Response.Result.
	ActionResolve Action = "resolve"
	// ActionCancel resolves the code as cancelled.
	ActionCancel Action = "cancel"
)

// Request is the envelope written to an interceptor's stdin.
type Request struct {
	Protocol   int            `json:"protocol"`
	RequestID  string         `json:"request_id"`
	Connection int            `json:"connection"`
	Mode       string         `json:"mode"` // pre | post | executed
	Code       CodeMessage    `json:"code"`
	Config     map[string]any `json:"config,omitempty"`
	DeadlineAt time.Time      `json:"deadline_at"`
}

// CodeMessage is the wire form of an intercepted code.
type CodeMessage struct {
	Channel      string      `json:"channel"`
	Text         string      `json:"text"`
	Type         string      `json:"type"`
	Major        int         `json:"major"`
	Minor        int         `json:"minor,omitempty"`
	Params       []Parameter `json:"params,omitempty"`
	Flags        string      `json:"flags,omitempty"`
	File         string      `json:"file,omitempty"`
	LineNumber   int64       `json:"line_number,omitempty"`
	FilePosition int64       `json:"file_position"`
	Result       *Result     `json:"result,omitempty"`
}

// Parameter is one letter/value pair of a code.
type Parameter struct {
	Letter string `json:"letter"`
	Value  string `json:"value"`
}

// Result is the reply of an executed code or the answer of an interceptor.
type Result struct {
	Type    string `json:"type"` // success | warning | error
	Content string `json:"content"`
}

// Response is the envelope read from an interceptor's stdout.
type Response struct {
	Status string     `json:"status"` // ok | error
	Error  string     `json:"error,omitempty"`
	Action Action     `json:"action,omitempty"`
	Result *Result    `json:"result,omitempty"`
	Codes  []string   `json:"codes,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a log line emitted by an interceptor.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// EffectiveAction returns the response action, pass when omitted.
func (r *Response) EffectiveAction() Action {
	if r.Action == "" {
		return ActionPass
	}
	return r.Action
}
