package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/aio/internal/paths"
	"github.com/zjrosen/aio/internal/store"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the .aio state directory",
	Long: `Clean deletes the kernel state directory: the store, generated agent
configs, logs and traces. It refuses while a session is running. Worker
worktrees under .worktrees/ are left for 'git worktree remove'.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(_ *cobra.Command, _ []string) error {
	root, err := repoRoot()
	if err != nil {
		return fmt.Errorf("resolving repository root: %w", err)
	}
	aioDir := paths.Resolve(root)
	if _, err := os.Stat(aioDir); errors.Is(err, fs.ErrNotExist) {
		fmt.Println("nothing to clean")
		return nil
	}

	dbPath := storePath(aioDir)
	if _, err := os.Stat(dbPath); err == nil {
		active, err := activeSessionCount(dbPath)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%d running session(s); run 'aio stop' first", active)
		}
	}

	if err := os.RemoveAll(aioDir); err != nil {
		return fmt.Errorf("removing %s: %w", aioDir, err)
	}
	fmt.Printf("removed %s\n", aioDir)
	return nil
}

// activeSessionCount opens the store just long enough to count running
// sessions; the file must be closed again before RemoveAll.
func activeSessionCount(dbPath string) (int, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return 0, fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	active, err := st.ActiveSessions()
	if err != nil {
		return 0, fmt.Errorf("checking sessions: %w", err)
	}
	return len(active), nil
}
