package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/motionhost/internal/code"
	"github.com/mattjoyce/motionhost/internal/dispatch"
	"github.com/mattjoyce/motionhost/internal/history"
	"github.com/mattjoyce/motionhost/internal/job"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st, err := s.job.Snapshot(ctx)
	if err != nil {
		s.logger.Error("failed to read job state", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "job engine busy")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		JobFile:       st.File,
		Processing:    st.Processing,
		Subscribers:   s.events.Subscribers(),
	})
}

// handleCode handles POST /code. It blocks until the code has a result.
func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	ch := code.HTTP
	if req.Channel != "" {
		parsed, err := code.ParseChannel(req.Channel)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ch = parsed
	}
	if ch.IsFile() {
		s.writeError(w, http.StatusBadRequest, "job file channels only accept codes from the job engine")
		return
	}
	var flags code.Flags
	if req.Prioritized {
		flags |= code.Prioritized
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CodeTimeout)
	defer cancel()
	res, err := s.codes.ExecuteText(ctx, ch, req.Code, flags)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := CodeResponse{Channel: ch.String()}
	if res != nil {
		resp.Result = *res
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.respondJob(w, r)
}

// handleSelect handles POST /job/select.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.File) == "" {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	path := req.File
	if s.files != nil {
		path = s.files.GCodeFile(req.File)
	}
	if err := s.job.SelectFile(r.Context(), path, req.Simulate); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if req.Start {
		if err := s.job.Resume(r.Context()); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	s.logger.Info("job file selected via API", "file", req.File, "simulate", req.Simulate, "start", req.Start)
	s.respondJob(w, r)
}

// handlePause handles POST /job/pause. The body is optional.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	reason, err := dispatch.ParsePauseReason(req.Reason)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.job.Pause(r.Context(), req.Position, reason); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respondJob(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.job.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.job.Cancel)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.job.Abort)
}

// handlePosition handles POST /job/position.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.job.SetFilePosition(r.Context(), req.MotionSystem, req.Position); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respondJob(w, r)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action func(context.Context) error) {
	if err := action(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respondJob(w, r)
}

func (s *Server) respondJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.job.Snapshot(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, JobResponse{Job: st})
}

// handleListHistory handles GET /job/history?file=&outcome=&limit=.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "job history is not enabled")
		return
	}
	q := r.URL.Query()
	f := history.Filter{
		File:    q.Get("file"),
		Outcome: job.Outcome(q.Get("outcome")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	runs, err := s.history.List(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []job.Run{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Runs: runs})
}

// handleGetRun handles GET /job/history/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "job history is not enabled")
		return
	}
	run, err := s.history.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleDiagnostics handles GET /diagnostics. It writes the M122 "DSF"
// report as text, or channel and job snapshots with ?format=json.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		st, err := s.job.Snapshot(r.Context())
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, DiagnosticsResponse{Channels: s.codes.Snapshot(), Job: st})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	s.codes.Diagnostics(w)
	s.job.Diagnostics(w)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var perr *code.ParseError
	switch {
	case errors.As(err, &perr), errors.Is(err, code.ErrMalformedCommand):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrNoJob), errors.Is(err, code.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case code.IsCancelled(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
