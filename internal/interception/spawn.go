package interception

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/motionhost/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr kept from one run.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the wait between SIGTERM and SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// errTimedOut is returned when the interceptor had to be terminated.
var errTimedOut = errors.New("interceptor timed out")

// spawn runs entrypoint once with req on stdin and decodes its response.
// Termination starts when timeout expires or ctx ends.
func spawn(
	ctx context.Context,
	entrypoint string,
	req *protocol.Request,
	timeout time.Duration,
	logger *slog.Logger,
) (*protocol.Response, string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// not CommandContext: termination is staged below
	cmd := exec.Command(entrypoint)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxStderrBytes}

	logger.Debug("spawning interceptor", "entrypoint", entrypoint, "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var stopReason error
	select {
	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return nil, stderr.String(), werr
		}
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return nil, stderr.String(), fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("interceptor exited with non-zero status", "exit_code", exitErr.ExitCode())
		}
		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode interceptor response", "error", err, "stdout", string(raw))
			return nil, stderr.String(), fmt.Errorf("decode response: %w", err)
		}
		return resp, stderr.String(), nil

	case <-timer.C:
		logger.Warn("interceptor timed out, sending SIGTERM")
		stopReason = fmt.Errorf("%w after %v", errTimedOut, timeout)
	case <-ctx.Done():
		logger.Debug("interception cancelled, sending SIGTERM")
		stopReason = ctx.Err()
	}

	terminate(cmd, waitErr, logger)
	return nil, stderr.String(), stopReason
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()
	select {
	case <-waitErr:
		logger.Info("interceptor exited after SIGTERM")
	case <-grace.C:
		logger.Warn("interceptor did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

// limitedWriter keeps the first max bytes and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
