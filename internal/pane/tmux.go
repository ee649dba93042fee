package pane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/zjrosen/aio/internal/log"
)

// Runner executes multiplexer commands and returns their stdout. It
// exists so TmuxManager can be tested without a tmux server.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// Compile-time check that TmuxManager implements Manager.
var _ Manager = (*TmuxManager)(nil)

// TmuxManager implements Manager over the tmux CLI.
type TmuxManager struct {
	runner Runner
}

// NewTmuxManager creates a manager over tmux from PATH.
func NewTmuxManager() *TmuxManager {
	return &TmuxManager{runner: execRunner{binary: "tmux"}}
}

// NewTmuxManagerWithRunner creates a manager over a custom runner.
func NewTmuxManagerWithRunner(runner Runner) *TmuxManager {
	return &TmuxManager{runner: runner}
}

// Open creates a new window named title with a shell in cwd.
func (m *TmuxManager) Open(ctx context.Context, cwd, roleTag, title string) (Handle, error) {
	args := []string{"new-window", "-P", "-F", "#{pane_id}"}
	if title != "" {
		args = append(args, "-n", title)
	}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}

	out, err := m.runner.Run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("opening pane: %w", err)
	}
	h := Handle(strings.TrimSpace(out))
	if h == "" {
		return "", fmt.Errorf("opening pane: tmux returned no pane id")
	}

	m.tagPane(ctx, h, roleTag)
	log.Info(log.CatPane, "Pane opened", "handle", string(h), "role", roleTag, "title", title)
	return h, nil
}

// Split creates a pane next to base on the given side.
func (m *TmuxManager) Split(ctx context.Context, base Handle, side Side, cwd string) (Handle, error) {
	args := []string{"split-window", "-P", "-F", "#{pane_id}", "-t", string(base)}
	if side == SideRight {
		args = append(args, "-h")
	} else {
		args = append(args, "-v")
	}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}

	out, err := m.runner.Run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("splitting pane %s: %w", base, err)
	}
	h := Handle(strings.TrimSpace(out))
	if h == "" {
		return "", fmt.Errorf("splitting pane %s: tmux returned no pane id", base)
	}

	log.Info(log.CatPane, "Pane split", "base", string(base), "handle", string(h), "side", string(side))
	return h, nil
}

// SendText types text literally into the pane, then presses Enter when
// submit is set. Literal mode keeps tmux from interpreting the text as
// key names.
func (m *TmuxManager) SendText(ctx context.Context, h Handle, text string, submit bool) error {
	if _, err := m.runner.Run(ctx, "send-keys", "-t", string(h), "-l", "--", text); err != nil {
		return fmt.Errorf("sending text to pane %s: %w", h, err)
	}
	if submit {
		if _, err := m.runner.Run(ctx, "send-keys", "-t", string(h), "Enter"); err != nil {
			return fmt.Errorf("submitting text to pane %s: %w", h, err)
		}
	}
	return nil
}

// Close kills the pane. A pane that already vanished is not an error.
func (m *TmuxManager) Close(ctx context.Context, h Handle) error {
	_, err := m.runner.Run(ctx, "kill-pane", "-t", string(h))
	if err != nil && !isGone(err) {
		return fmt.Errorf("closing pane %s: %w", h, err)
	}
	log.Info(log.CatPane, "Pane closed", "handle", string(h))
	return nil
}

// Alive probes the pane. A dead-but-held pane (remain-on-exit) counts
// as gone.
func (m *TmuxManager) Alive(h Handle) bool {
	out, err := m.runner.Run(context.Background(), "display-message", "-p", "-t", string(h), "#{pane_dead}")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "0"
}

// tagPane sets the pane title to the role tag. Purely cosmetic, so
// failures are logged and swallowed.
func (m *TmuxManager) tagPane(ctx context.Context, h Handle, roleTag string) {
	if roleTag == "" {
		return
	}
	if _, err := m.runner.Run(ctx, "select-pane", "-t", string(h), "-T", roleTag); err != nil {
		log.Debug(log.CatPane, "Pane tagging failed", "handle", string(h), "error", err)
	}
}

func isGone(err error) bool {
	return errors.Is(err, ErrPaneNotFound) || errors.Is(err, ErrNoServer)
}

// execRunner runs tmux as a subprocess, classifying stderr into
// sentinel errors.
type execRunner struct {
	binary string
}

func (r execRunner) Run(ctx context.Context, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, r.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if stderr.Len() > 0 {
			return "", parseTmuxError(strings.TrimSpace(stderr.String()), err)
		}
		return "", fmt.Errorf("tmux %s failed: %w", args[0], err)
	}
	return stdout.String(), nil
}

// parseTmuxError maps tmux stderr to sentinel errors.
func parseTmuxError(stderr string, cmdErr error) error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "can't find pane"),
		strings.Contains(lower, "can't find window"),
		strings.Contains(lower, "can't find session"):
		return fmt.Errorf("%w: %s", ErrPaneNotFound, stderr)
	case strings.Contains(lower, "no server running"),
		strings.Contains(lower, "error connecting to"):
		return fmt.Errorf("%w: %s", ErrNoServer, stderr)
	default:
		return fmt.Errorf("tmux failed: %s: %w", stderr, cmdErr)
	}
}
