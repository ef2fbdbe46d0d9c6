package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultBinary   = "ffmpeg"
	defaultTimeout  = 2 * time.Hour
	stderrTailLines = 5
)

// FFmpegConfig configures the subprocess encoder.
type FFmpegConfig struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// FFmpeg runs the ffmpeg binary as a child process.
type FFmpeg struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFFmpeg returns an encoder using cfg, defaulting to "ffmpeg" on PATH and
// a two hour guard per invocation.
func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{binary: binary, timeout: timeout, logger: logger}
}

// Binary returns the configured executable.
func (f *FFmpeg) Binary() string {
	return f.binary
}

// Available checks that the binary can be resolved, so operators learn about
// a missing encoder at startup rather than from the first failed job.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.binary); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncoderNotFound, f.binary, err)
	}
	return nil
}

func (f *FFmpeg) Encode(ctx context.Context, inv Invocation) (result Result) {
	start := time.Now()
	logger := f.logger.With("label", inv.Label)
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Result{Status: LaunchFailed, ExitCode: -1, Err: fmt.Errorf("encoder panic: %v", recovered)}
		}
		result.Duration = time.Since(start)
	}()

	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	stderr := newLogWriter(logger, "stderr", stderrTailLines)
	stdout := newLogWriter(logger, "stdout", 0)
	cmd := exec.CommandContext(runCtx, f.binary, inv.Args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	logger.Debug("starting encoder", "binary", f.binary, "args", strings.Join(inv.Args, " "))
	if err := cmd.Start(); err != nil {
		if stopped, ok := f.stopped(ctx, runCtx); ok {
			return stopped
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return Result{Status: NotFound, ExitCode: -1, Err: fmt.Errorf("%w: %s", ErrEncoderNotFound, f.binary)}
		}
		return Result{Status: LaunchFailed, ExitCode: -1, Err: fmt.Errorf("start encoder: %w", err)}
	}

	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	if err == nil {
		return Result{Status: Success}
	}

	if stopped, ok := f.stopped(ctx, runCtx); ok {
		return stopped
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{
			Status:   Exited,
			ExitCode: exitErr.ExitCode(),
			Err:      &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.Tail()},
		}
	}
	return Result{Status: LaunchFailed, ExitCode: -1, Err: fmt.Errorf("wait for encoder: %w", err)}
}

// stopped classifies a run ended by a context. A deadline on either the
// caller's context or the encoder's own timeout is TimedOut; any other end
// of the caller's context is Canceled.
func (f *FFmpeg) stopped(ctx, runCtx context.Context) (Result, bool) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{Status: TimedOut, ExitCode: -1, Err: fmt.Errorf("%w: job deadline passed", ErrTimedOut)}, true
	case ctx.Err() != nil:
		return Result{Status: Canceled, ExitCode: -1, Err: fmt.Errorf("encoder canceled: %w", ctx.Err())}, true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return Result{Status: TimedOut, ExitCode: -1, Err: fmt.Errorf("%w after %s", ErrTimedOut, f.timeout)}, true
	}
	return Result{}, false
}

// logWriter forwards complete output lines to the logger and keeps the last
// few lines for error attribution.
type logWriter struct {
	logger  *slog.Logger
	stream  string
	keep    int
	mu      sync.Mutex
	partial []byte
	tail    []string
}

func newLogWriter(logger *slog.Logger, stream string, keep int) *logWriter {
	return &logWriter{logger: logger, stream: stream, keep: keep}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}

// Flush emits any buffered partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = w.partial[:0]
	}
}

// Tail joins the retained trailing lines.
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, " | ")
}

func (w *logWriter) emit(line []byte) {
	text := string(bytes.TrimSpace(line))
	if text == "" {
		return
	}
	w.logger.Debug("encoder output", "stream", w.stream, "line", text)
	if w.keep <= 0 {
		return
	}
	w.tail = append(w.tail, text)
	if len(w.tail) > w.keep {
		w.tail = w.tail[len(w.tail)-w.keep:]
	}
}
