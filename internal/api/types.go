package api

import (
	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/job"
	"github.com/mattjoyce/motionhost/internal/pipeline"
)

// CodeRequest is the JSON body for POST /code.
type CodeRequest struct {
	Code    string `json:"code"`
	Channel string `json:"channel,omitempty"`
	// Prioritized codes bypass the channel queue.
	Prioritized bool `json:"prioritized,omitempty"`
}

// CodeResponse is returned by POST /code.
type CodeResponse struct {
	Channel string      `json:"channel"`
	Result  code.Result `json:"result"`
}

// SelectRequest is the JSON body for POST /job/select.
type SelectRequest struct {
	File     string `json:"file"`
	Simulate bool   `json:"simulate,omitempty"`
	// Start resumes the job right after selecting it, like M32.
	Start bool `json:"start,omitempty"`
}

// PauseRequest is the optional JSON body for POST /job/pause.
type PauseRequest struct {
	Position *int64 `json:"position,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PositionRequest is the JSON body for POST /job/position.
type PositionRequest struct {
	MotionSystem int   `json:"motion_system"`
	Position     int64 `json:"position"`
}

// JobResponse is returned by GET /job and the job actions.
type JobResponse struct {
	Job job.Status `json:"job"`
}

// HistoryResponse is returned by GET /job/history.
type HistoryResponse struct {
	Runs []job.Run `json:"runs"`
}

// DiagnosticsResponse is returned by GET /diagnostics?format=json.
type DiagnosticsResponse struct {
	Channels []pipeline.ChannelState `json:"channels"`
	Job      job.Status              `json:"job"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	JobFile       string `json:"job_file,omitempty"`
	Processing    bool   `json:"processing"`
	Subscribers   int    `json:"event_subscribers"`
}
