// Package proc invokes the external video-processing collaborator.
//
// The collaborator is an opaque executable: it gets the absolute segment
// path and a per-segment output directory appended to its configured argv,
// and reports through its exit status. Non-zero exit and timeouts are
// failure signals; exit code 2 is the documented "unrecoverable input"
// contract and is never retried.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ExitUnrecoverable is the exit code the collaborator uses to report input
// that no retry can fix (corrupt segment, unsupported codec).
const ExitUnrecoverable = 2

// stderrKeep bounds how much collaborator stderr is kept for error detail.
const stderrKeep = 8 * 1024

// waitDelay bounds how long Run may block on the collaborator's pipes after
// the process is gone, in case a descendant escaped the group kill and still
// holds a write end.
const waitDelay = 5 * time.Second

// Invocation is one processing attempt of one segment.
type Invocation struct {
	// Path is the absolute segment file path.
	Path string
	// OutDir is the per-segment output directory, created before the run.
	OutDir string
	// Attempt is 1-based; attempts beyond the first may clean OutDir first.
	Attempt int
}

// Outcome is what one invocation produced. A failed run is still a valid
// Outcome; Process returns an error only when the invocation itself could
// not run or was cancelled from outside.
type Outcome struct {
	ExitCode int
	TimedOut bool
	Stderr   string
	Duration time.Duration
}

// Succeeded reports a clean exit.
func (o Outcome) Succeeded() bool { return !o.TimedOut && o.ExitCode == 0 }

// Permanent reports the unrecoverable-input exit. Timeouts are always
// transient.
func (o Outcome) Permanent() bool { return !o.TimedOut && o.ExitCode == ExitUnrecoverable }

// Options configures the Command runner.
type Options struct {
	// Argv is the collaborator command and its fixed arguments. Segment
	// path and output directory get appended per invocation. Required.
	Argv []string
	// Timeout bounds one invocation; on expiry the whole process group is
	// killed and the attempt counts as a transient failure. Default: 30m.
	Timeout time.Duration
	// CleanOnRetry removes the per-segment output directory before retry
	// attempts, for collaborators that are not idempotent-safe.
	CleanOnRetry bool
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Command runs the collaborator via os/exec.
type Command struct {
	opts Options
}

// NewCommand validates the argv and returns a runner.
func NewCommand(opts Options) (*Command, error) {
	if len(opts.Argv) == 0 || strings.TrimSpace(opts.Argv[0]) == "" {
		return nil, errors.New("proc: empty processor command")
	}
	opts.defaults()
	return &Command{opts: opts}, nil
}

// Check verifies the collaborator binary resolves on PATH. Called once at
// startup so a missing binary aborts before any work starts.
func (c *Command) Check() error {
	if _, err := exec.LookPath(c.opts.Argv[0]); err != nil {
		return fmt.Errorf("proc: processor not found: %w", err)
	}
	return nil
}

// Process runs one invocation. The returned error is non-nil only for
// infrastructure problems (cannot start, cancelled from outside); the
// collaborator's own failures come back inside the Outcome.
func (c *Command) Process(ctx context.Context, inv Invocation) (Outcome, error) {
	if c.opts.CleanOnRetry && inv.Attempt > 1 {
		if err := os.RemoveAll(inv.OutDir); err != nil {
			return Outcome{}, fmt.Errorf("proc: clean output for retry: %w", err)
		}
	}
	if err := os.MkdirAll(inv.OutDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("proc: create output dir: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	args := append(append([]string{}, c.opts.Argv[1:]...), inv.Path, inv.OutDir)
	cmd := exec.CommandContext(rctx, c.opts.Argv[0], args...)

	var stderr tailWriter
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	// The collaborator gets its own process group. Wrappers spawn children
	// of their own (a shell driving ffmpeg is the production shape) and
	// those inherit the stderr pipe; a kill that misses them leaves Run
	// blocked on the pipe until the last descendant exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = waitDelay

	c.opts.Logger.Debug("proc: invoking processor",
		"path", inv.Path,
		"out_dir", inv.OutDir,
		"attempt", inv.Attempt,
	)

	start := time.Now()
	err := cmd.Run()
	out := Outcome{
		Duration: time.Since(start),
		Stderr:   stderr.String(),
	}

	switch {
	case err == nil:
		return out, nil
	case ctx.Err() != nil:
		// Cancelled from outside (shutdown), not our own timeout.
		return out, ctx.Err()
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		out.ExitCode = -1
		return out, nil
	case errors.Is(err, exec.ErrWaitDelay):
		// The collaborator exited but something it spawned still holds the
		// pipes. The recorded wait status is what counts.
		out.ExitCode = cmd.ProcessState.ExitCode()
		return out, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("proc: run processor: %w", err)
	}
}

// tailWriter keeps the last stderrKeep bytes of the stream. Collaborators
// print progress first and the line that explains the failure last, so the
// tail is the part worth keeping.
type tailWriter struct {
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > stderrKeep {
		p = p[len(p)-stderrKeep:]
	}
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - stderrKeep; over > 0 {
		w.buf = w.buf[:copy(w.buf, w.buf[over:])]
	}
	return n, nil
}

func (w *tailWriter) String() string { return strings.TrimSpace(string(w.buf)) }
