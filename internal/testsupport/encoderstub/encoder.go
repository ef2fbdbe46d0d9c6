// Package encoderstub provides an in-process encoder for tests. It records
// every invocation and writes plausible output files instead of running
// ffmpeg.
package encoderstub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"videoflix/internal/encoder"
)

type Encoder struct {
	mu       sync.Mutex
	calls    []encoder.Invocation
	failures map[string]encoder.Status

	// Gate, when set, blocks every invocation until it receives a value or
	// the context ends.
	Gate chan struct{}
}

func New() *Encoder {
	return &Encoder{failures: make(map[string]encoder.Status)}
}

// FailWhen makes invocations whose label contains fragment end with status.
func (e *Encoder) FailWhen(fragment string, status encoder.Status) {
	e.mu.Lock()
	e.failures[fragment] = status
	e.mu.Unlock()
}

// Calls returns a copy of the recorded invocations.
func (e *Encoder) Calls() []encoder.Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]encoder.Invocation, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallsMatching counts invocations whose label contains fragment.
func (e *Encoder) CallsMatching(fragment string) int {
	count := 0
	for _, call := range e.Calls() {
		if strings.Contains(call.Label, fragment) {
			count++
		}
	}
	return count
}

func (e *Encoder) Encode(ctx context.Context, inv encoder.Invocation) encoder.Result {
	e.mu.Lock()
	e.calls = append(e.calls, encoder.Invocation{Label: inv.Label, Args: append([]string(nil), inv.Args...)})
	status, fail := encoder.Success, false
	for fragment, configured := range e.failures {
		if strings.Contains(inv.Label, fragment) {
			status, fail = configured, true
			break
		}
	}
	gate := e.Gate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return encoder.Result{Status: encoder.Canceled, ExitCode: -1, Err: ctx.Err()}
		}
	}

	if fail {
		switch status {
		case encoder.NotFound:
			return encoder.Result{Status: status, ExitCode: -1, Err: encoder.ErrEncoderNotFound}
		case encoder.TimedOut:
			return encoder.Result{Status: status, ExitCode: -1, Err: encoder.ErrTimedOut}
		case encoder.Exited:
			return encoder.Result{Status: status, ExitCode: 1, Err: &encoder.ExitError{Code: 1, Stderr: "simulated failure"}}
		default:
			return encoder.Result{Status: status, ExitCode: -1, Err: fmt.Errorf("simulated %s", status)}
		}
	}

	if err := writeOutputs(inv.Args); err != nil {
		return encoder.Result{Status: encoder.Exited, ExitCode: 1, Err: &encoder.ExitError{Code: 1, Stderr: err.Error()}}
	}
	return encoder.Result{Status: encoder.Success}
}

// writeOutputs mimics ffmpeg: the last argument is the output, and HLS runs
// also produce one segment named after the segment pattern.
func writeOutputs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	output := args[len(args)-1]
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-hls_segment_filename" {
			segment := fmt.Sprintf(args[i+1], 0)
			if err := writeFile(segment, "segment"); err != nil {
				return err
			}
			return writeFile(output, "#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:10.0,\n"+filepath.Base(segment)+"\n#EXT-X-ENDLIST\n")
		}
	}
	return writeFile(output, "encoded")
}

func writeFile(path, content string) error {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return fmt.Errorf("output directory missing: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
