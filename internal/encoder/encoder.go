// Package encoder runs the external media encoder and classifies how each
// invocation ended.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status classifies the outcome of one encoder invocation.
type Status int

const (
	Success Status = iota
	// Exited means the encoder ran and returned a non-zero status.
	Exited
	// NotFound means the encoder binary is missing from the runtime image.
	NotFound
	// LaunchFailed covers every other error starting the process.
	LaunchFailed
	// TimedOut means the invocation outlived its time budget and was killed.
	TimedOut
	// Canceled means the caller's context ended first, usually on shutdown.
	Canceled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Exited:
		return "exited"
	case NotFound:
		return "not_found"
	case LaunchFailed:
		return "launch_failed"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrEncoderNotFound signals a missing encoder binary.
	ErrEncoderNotFound = errors.New("encoder binary not found")
	// ErrTimedOut signals an invocation killed by its timeout guard.
	ErrTimedOut = errors.New("encoder timed out")
)

// ExitError carries the exit code and the tail of the encoder's stderr.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("encoder exited with status %d", e.Code)
	}
	return fmt.Sprintf("encoder exited with status %d: %s", e.Code, e.Stderr)
}

// Invocation is a complete argument vector plus a label used to attribute
// log lines and errors, e.g. "transcode asset=42 720p".
type Invocation struct {
	Label string
	Args  []string
}

// Result describes how an invocation ended. Output files are a side effect
// the caller is responsible for.
type Result struct {
	Status   Status
	ExitCode int
	Err      error
	Duration time.Duration
}

// OK reports whether the encoder exited cleanly.
func (r Result) OK() bool {
	return r.Status == Success
}

// Error returns a typed error for failed invocations and nil on success.
func (r Result) Error() error {
	if r.Status == Success {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("encoder failed: %s", r.Status)
}

// Encoder runs one invocation to completion. Implementations never panic and
// report every failure through the Result.
type Encoder interface {
	Encode(ctx context.Context, inv Invocation) Result
}

// Func adapts a plain function to the Encoder interface.
type Func func(ctx context.Context, inv Invocation) Result

func (f Func) Encode(ctx context.Context, inv Invocation) Result {
	return f(ctx, inv)
}
