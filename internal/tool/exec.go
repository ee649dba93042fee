package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/zjrosen/aio/internal/log"
)

// CommandRequest describes one shell command to run on a worker's behalf.
type CommandRequest struct {
	Command    string
	Dir        string
	Timeout    time.Duration // <= 0 means no limit
	Background bool
}

// CommandResult is the outcome of a completed (or killed) command.
// Background commands report only PID.
type CommandResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	Truncated bool
	PID       int
	Duration  time.Duration
}

// CommandRunner executes screened shell commands. Implementations capture
// bounded output; an error return means the command could not be started
// at all, not that it exited nonzero.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (CommandResult, error)
}

var _ CommandRunner = (*ShellRunner)(nil)

// ShellRunner runs commands under sh -c with capped output capture.
type ShellRunner struct {
	outputLimit int
}

// NewShellRunner builds a runner capping each output stream at limit bytes.
func NewShellRunner(outputLimit int) *ShellRunner {
	if outputLimit <= 0 {
		outputLimit = 64 * 1024
	}
	return &ShellRunner{outputLimit: outputLimit}
}

// Run executes the command. Foreground commands block until exit or
// timeout; background commands return immediately with the child's PID.
func (r *ShellRunner) Run(ctx context.Context, req CommandRequest) (CommandResult, error) {
	if req.Command == "" {
		return CommandResult{}, fmt.Errorf("command is empty")
	}
	if req.Background {
		return r.startBackground(req)
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	stdout := &cappedBuffer{limit: r.outputLimit}
	stderr := &cappedBuffer{limit: r.outputLimit}

	cmd := exec.CommandContext(runCtx, "sh", "-c", req.Command)
	cmd.Dir = req.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// A killed shell can leave grandchildren holding the output pipes;
	// WaitDelay unblocks Wait regardless.
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}
	if cmd.Process != nil {
		res.PID = cmd.Process.Pid
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return CommandResult{}, fmt.Errorf("starting command: %w", err)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	if ctx.Err() != nil && !res.TimedOut {
		return CommandResult{}, ctx.Err()
	}

	log.Debug(log.CatTool, "Command finished",
		"exit", res.ExitCode, "timed_out", res.TimedOut, "duration", res.Duration)
	return res, nil
}

// startBackground launches the command detached from the call's context
// and reaps it asynchronously. Output is discarded.
func (r *ShellRunner) startBackground(req CommandRequest) (CommandResult, error) {
	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Dir = req.Dir
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return CommandResult{}, fmt.Errorf("starting background command: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	log.Debug(log.CatTool, "Background command started", "pid", pid)
	return CommandResult{PID: pid}, nil
}

const truncationMarker = "\n[output truncated]"

// cappedBuffer accepts writes up to limit bytes and silently drops the
// rest, so a chatty child never blocks or errors on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}
