package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/paths"
	"github.com/zjrosen/aio/internal/store"
)

var stopCmd = &cobra.Command{
	Use:   "stop [session]",
	Short: "Stop a running session",
	Long: `Stop kills a session's panes and marks it stopped. With no argument every
running session stops. Worker worktrees stay on disk; the next session's
reaper fails their tasks and reclaims them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(_ *cobra.Command, args []string) error {
	root, err := repoRoot()
	if err != nil {
		return fmt.Errorf("resolving repository root: %w", err)
	}
	st, err := store.Open(storePath(paths.Resolve(root)))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var sessions []store.Session
	if len(args) == 1 {
		sess, err := findSession(st, args[0])
		if err != nil {
			return err
		}
		sessions = append(sessions, sess)
	} else {
		if sessions, err = st.ActiveSessions(); err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
	}
	if len(sessions) == 0 {
		fmt.Println("no running sessions")
		return nil
	}

	ctx := context.Background()
	panes := pane.NewTmuxManager()
	for _, sess := range sessions {
		if err := stopSession(ctx, st, panes, sess); err != nil {
			return err
		}
	}
	return nil
}

func stopSession(ctx context.Context, st *store.Store, panes pane.Manager, sess store.Session) error {
	workers, err := st.ListWorkers()
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}
	for _, w := range workers {
		closePaneQuiet(ctx, panes, w.PaneHandle)
	}
	closePaneQuiet(ctx, panes, sess.OrchestratorPane)
	// The planner pane may be the one this command runs in; closing it
	// would cut the stop short.
	if sess.PlannerPane != os.Getenv("TMUX_PANE") {
		closePaneQuiet(ctx, panes, sess.PlannerPane)
	}

	if err := st.UpdateSessionState(sess.GUID, store.SessionStopped); err != nil {
		return fmt.Errorf("marking session %s stopped: %w", shortID(sess.GUID), err)
	}
	fmt.Printf("session %s stopped\n", shortID(sess.GUID))
	return nil
}

// findSession looks a session up by full GUID, falling back to unique
// prefix match so the short IDs printed by status work as arguments.
func findSession(st *store.Store, ref string) (store.Session, error) {
	sess, err := st.GetSessionByGUID(ref)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return store.Session{}, fmt.Errorf("looking up session %s: %w", ref, err)
	}

	all, err := st.ListSessions(0)
	if err != nil {
		return store.Session{}, fmt.Errorf("listing sessions: %w", err)
	}
	var matches []store.Session
	for _, s := range all {
		if strings.HasPrefix(s.GUID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return store.Session{}, fmt.Errorf("no session matches %q", ref)
	default:
		return store.Session{}, fmt.Errorf("%q matches %d sessions; use the full GUID", ref, len(matches))
	}
}

func closePaneQuiet(ctx context.Context, panes pane.Manager, handle string) {
	if handle == "" {
		return
	}
	_ = panes.Close(ctx, pane.Handle(handle))
}
