package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/aio/internal/cache"
	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/paths"
)

// WorkspaceConfig configures the workspace manager.
type WorkspaceConfig struct {
	RepoRoot      string
	BranchPrefix  string // default "task/"
	Remote        string // default "origin"
	DefaultBranch string // empty means detect
}

// Workspace is an isolated per-worker working tree on a task branch.
type Workspace struct {
	TaskID   string
	WorkerID string
	Path     string
	Branch   string
}

// Manager creates and removes per-worker worktrees, each on a branch
// forked from the default line.
type Manager struct {
	exec          Executor
	cfg           WorkspaceConfig
	defaultBranch *cache.ReadThrough[string]
	remoteURL     *cache.ReadThrough[string]
}

// NewManager builds a workspace manager. Default-branch and remote-URL
// lookups subprocess out to git, so they run through a TTL cache.
func NewManager(exec Executor, cfg WorkspaceConfig) *Manager {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "task/"
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}

	m := &Manager{exec: exec, cfg: cfg}
	m.defaultBranch = cache.NewReadThrough(
		cache.NewInMemory[string]("default-branch", cache.DefaultExpiration, cache.DefaultCleanupInterval),
		func(ctx context.Context) (string, error) {
			return exec.GetMainBranch(cfg.Remote)
		},
		false,
	)
	m.remoteURL = cache.NewReadThrough(
		cache.NewInMemory[string]("remote-url", cache.DefaultExpiration, cache.DefaultCleanupInterval),
		func(ctx context.Context) (string, error) {
			return exec.GetRemoteURL(cfg.Remote)
		},
		false,
	)
	return m
}

// BranchName derives the task branch from the task ID.
func (m *Manager) BranchName(taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return m.cfg.BranchPrefix + short
}

// DefaultBranch returns the configured default branch, or the detected one.
func (m *Manager) DefaultBranch(ctx context.Context) (string, error) {
	if m.cfg.DefaultBranch != "" {
		return m.cfg.DefaultBranch, nil
	}
	return m.defaultBranch.Get(ctx, m.cfg.RepoRoot, cache.DefaultExpiration)
}

// RemoteURL returns the configured remote's URL, cached.
func (m *Manager) RemoteURL(ctx context.Context) (string, error) {
	return m.remoteURL.Get(ctx, m.cfg.Remote, cache.DefaultExpiration)
}

// CreateWorkspace ensures a worktree exists for the task, owned by the
// worker. An empty branch derives the name from the task ID. Safe to
// re-run after a crash: an existing worktree for the worker is adopted,
// an existing task branch is attached rather than recreated.
func (m *Manager) CreateWorkspace(ctx context.Context, taskID, workerID, branch string) (Workspace, error) {
	if taskID == "" || workerID == "" {
		return Workspace{}, fmt.Errorf("task id and worker id are required")
	}

	path := paths.WorktreePath(m.cfg.RepoRoot, workerID)
	if branch == "" {
		branch = m.BranchName(taskID)
	}
	ws := Workspace{TaskID: taskID, WorkerID: workerID, Path: path, Branch: branch}

	if err := m.exec.ValidateBranchName(branch); err != nil {
		return Workspace{}, err
	}

	// Replay path: the worktree already exists from a previous attempt
	if existing, ok, err := m.findWorktree(path); err != nil {
		return Workspace{}, err
	} else if ok {
		ws.Branch = existing.Branch
		log.Info(log.CatGit, "Reusing existing worktree", "path", path, "branch", existing.Branch)
		return ws, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Workspace{}, fmt.Errorf("creating worktrees directory: %w", err)
	}

	if m.exec.BranchExists(branch) {
		// The branch survived an earlier run; attach instead of forking
		if err := m.exec.AttachWorktree(ctx, path, branch); err != nil && !m.adoptOnConflict(path, err) {
			return Workspace{}, err
		}
		log.Info(log.CatGit, "Workspace attached to existing branch", "path", path, "branch", branch)
		return ws, nil
	}

	base, err := m.DefaultBranch(ctx)
	if err != nil {
		return Workspace{}, fmt.Errorf("resolving default branch: %w", err)
	}
	if !m.exec.BranchExists(base) {
		// Fresh clone without a local default branch; fork from HEAD
		base = ""
	}

	if err := m.exec.CreateWorktree(ctx, path, branch, base); err != nil && !m.adoptOnConflict(path, err) {
		return Workspace{}, err
	}

	log.Info(log.CatGit, "Workspace created", "path", path, "branch", branch, "base", base)
	return ws, nil
}

// adoptOnConflict resolves worktree-add races: when the path or branch
// already exists, a previous attempt won, so adopt it if it is registered.
func (m *Manager) adoptOnConflict(path string, addErr error) bool {
	if !errors.Is(addErr, ErrPathAlreadyExists) && !errors.Is(addErr, ErrBranchAlreadyCheckedOut) {
		return false
	}
	_, ok, err := m.findWorktree(path)
	return err == nil && ok
}

// findWorktree looks up a registered worktree by path.
func (m *Manager) findWorktree(path string) (WorktreeInfo, bool, error) {
	worktrees, err := m.exec.ListWorktrees()
	if err != nil {
		return WorktreeInfo{}, false, fmt.Errorf("listing worktrees: %w", err)
	}
	for _, wt := range worktrees {
		if wt.Path == path {
			return wt, true, nil
		}
	}
	// macOS resolves /var to /private/var; compare resolved paths too
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return WorktreeInfo{}, false, nil
	}
	for _, wt := range worktrees {
		if wt.Path == resolved {
			return wt, true, nil
		}
	}
	return WorktreeInfo{}, false, nil
}

// PushBranch pushes a task branch to the configured remote.
func (m *Manager) PushBranch(ctx context.Context, branch string) error {
	if err := m.exec.Push(ctx, m.cfg.Remote, branch); err != nil {
		return fmt.Errorf("pushing %s to %s: %w", branch, m.cfg.Remote, err)
	}
	return nil
}

// RemoveWorkspace removes a worker's worktree. Absent paths only prune
// stale references, so teardown converges after crashes.
func (m *Manager) RemoveWorkspace(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug(log.CatGit, "Worktree already absent, pruning", "path", path)
		return m.exec.PruneWorktrees()
	}
	if err := m.exec.RemoveWorktree(path); err != nil {
		return fmt.Errorf("removing worktree %s: %w", path, err)
	}
	return m.exec.PruneWorktrees()
}
