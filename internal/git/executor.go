package git

import "context"

// WorktreeInfo holds information about a git worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Executor defines the git operations the workspace manager needs.
// This abstraction allows for easy testing with mock implementations.
type Executor interface {
	IsGitRepo() bool
	GetRepoRoot() (string, error)
	GetCurrentBranch() (string, error)

	// GetMainBranch detects the default branch: remote HEAD, then a local
	// main/master, then "main".
	GetMainBranch(remote string) (string, error)

	// GetRemoteURL returns the URL for the named remote. Returns empty
	// string and nil error if the remote doesn't exist.
	GetRemoteURL(name string) (string, error)

	BranchExists(name string) bool

	// ValidateBranchName validates a branch name using
	// git check-ref-format --branch. Returns ErrInvalidBranchName if invalid.
	ValidateBranchName(name string) error

	// CreateWorktree creates a new worktree at path with a new branch.
	// baseBranch is the starting point; empty means current HEAD.
	CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error

	// AttachWorktree creates a worktree at path checking out an existing
	// branch.
	AttachWorktree(ctx context.Context, path, branch string) error

	RemoveWorktree(path string) error
	PruneWorktrees() error
	ListWorktrees() ([]WorktreeInfo, error)

	Fetch(ctx context.Context, remote string) error

	// Push pushes branch to remote with -u so later pushes from the
	// worktree need no arguments.
	Push(ctx context.Context, remote, branch string) error
}
