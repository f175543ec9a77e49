package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/motionhost/internal/events"
	"github.com/mattjoyce/motionhost/internal/job"
)

// Client talks to a running server. The CLI and the monitor use it.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{},
	}
}

// StatusError is a non-2xx reply.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var er ErrorResponse
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, &er) != nil || er.Error == "" {
			er.Error = strings.TrimSpace(string(b))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: er.Error}
	}
	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err = io.Copy(w, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (HealthzResponse, error) {
	var out HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// Code runs text on channel ("" for HTTP) and returns its result.
func (c *Client) Code(ctx context.Context, req CodeRequest) (CodeResponse, error) {
	var out CodeResponse
	err := c.do(ctx, http.MethodPost, "/code", req, &out)
	return out, err
}

// Job returns the current job state.
func (c *Client) Job(ctx context.Context) (job.Status, error) {
	var out JobResponse
	err := c.do(ctx, http.MethodGet, "/job", nil, &out)
	return out.Job, err
}

// Select selects a job file.
func (c *Client) Select(ctx context.Context, req SelectRequest) (job.Status, error) {
	var out JobResponse
	err := c.do(ctx, http.MethodPost, "/job/select", req, &out)
	return out.Job, err
}

// Pause pauses the running job.
func (c *Client) Pause(ctx context.Context, req PauseRequest) (job.Status, error) {
	var out JobResponse
	err := c.do(ctx, http.MethodPost, "/job/pause", req, &out)
	return out.Job, err
}

// Action posts one of resume, cancel or abort.
func (c *Client) Action(ctx context.Context, action string) (job.Status, error) {
	switch action {
	case "resume", "cancel", "abort":
	default:
		return job.Status{}, fmt.Errorf("unknown job action %q", action)
	}
	var out JobResponse
	err := c.do(ctx, http.MethodPost, "/job/"+action, nil, &out)
	return out.Job, err
}

// SetPosition moves a reader of the paused job.
func (c *Client) SetPosition(ctx context.Context, req PositionRequest) (job.Status, error) {
	var out JobResponse
	err := c.do(ctx, http.MethodPost, "/job/position", req, &out)
	return out.Job, err
}

// History lists past runs.
func (c *Client) History(ctx context.Context, file string, outcome job.Outcome, limit int) ([]job.Run, error) {
	q := url.Values{}
	if file != "" {
		q.Set("file", file)
	}
	if outcome != "" {
		q.Set("outcome", string(outcome))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/job/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out HistoryResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Runs, err
}

// Diagnostics returns the channel and job snapshots.
func (c *Client) Diagnostics(ctx context.Context) (DiagnosticsResponse, error) {
	var out DiagnosticsResponse
	err := c.do(ctx, http.MethodGet, "/diagnostics?format=json", nil, &out)
	return out, err
}

// DiagnosticsText copies the text report to w.
func (c *Client) DiagnosticsText(ctx context.Context, w io.Writer) error {
	return c.do(ctx, http.MethodGet, "/diagnostics", nil, w)
}

// Events streams server-sent events to fn until ctx ends or the stream
// closes. fn returning an error stops the stream with that error.
func (c *Client) Events(ctx context.Context, types []string, fn func(events.Event) error) error {
	path := "/events"
	if len(types) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(types, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	err = ReadSSE(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ReadSSE parses an event stream and calls fn per complete event.
func ReadSSE(r io.Reader, fn func(events.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	var ev events.Event
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				ev.Data = json.RawMessage(strings.Join(data, "\n"))
				ev.At = time.Now().UTC()
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev, data = events.Event{}, nil
		case strings.HasPrefix(line, ":"):
			// comment or keep-alive
		case strings.HasPrefix(line, "id:"):
			ev.ID, _ = strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64)
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line[5:], " "))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
