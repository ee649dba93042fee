// Package pane drives terminal multiplexer panes for agent processes.
package pane

import (
	"context"
	"errors"
)

// Handle identifies a pane in the multiplexer. For tmux this is the
// pane id, e.g. "%12". Handles stay valid across window renames.
type Handle string

// Side selects where a split pane appears relative to its base.
type Side string

const (
	SideRight Side = "right"
	SideBelow Side = "below"
)

var (
	// ErrPaneNotFound indicates the target pane no longer exists.
	ErrPaneNotFound = errors.New("pane not found")

	// ErrNoServer indicates the multiplexer server is not running.
	ErrNoServer = errors.New("multiplexer server not running")
)

// Manager abstracts the terminal multiplexer. Role tags and titles are
// cosmetic hints for human operators; implementations may ignore them.
type Manager interface {
	// Open creates a new pane running a shell in cwd and returns its handle.
	Open(ctx context.Context, cwd, roleTag, title string) (Handle, error)

	// Split creates a pane adjacent to base and returns its handle.
	Split(ctx context.Context, base Handle, side Side, cwd string) (Handle, error)

	// SendText types text into the pane. With submit it also presses
	// Enter, activating the agent's prompt. A missing pane returns
	// ErrPaneNotFound.
	SendText(ctx context.Context, h Handle, text string, submit bool) error

	// Close kills the pane. Closing a pane that is already gone is a no-op.
	Close(ctx context.Context, h Handle) error

	// Alive reports whether the pane still exists and its process runs.
	Alive(h Handle) bool
}
