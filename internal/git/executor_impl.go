package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/zjrosen/aio/internal/log"
)

// Git-specific errors for worktree operations.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another worktree.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")

	// ErrPathAlreadyExists indicates the worktree path already exists.
	ErrPathAlreadyExists = errors.New("worktree path already exists")

	// ErrWorktreeLocked indicates the worktree is locked.
	ErrWorktreeLocked = errors.New("worktree is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrDetachedHead indicates HEAD is not on a branch.
	ErrDetachedHead = errors.New("detached HEAD")

	// ErrInvalidBranchName indicates the branch name fails check-ref-format.
	ErrInvalidBranchName = errors.New("invalid branch name")
)

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates a new RealExecutor rooted at workDir.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

// runGit executes a git command and returns an error if it fails.
func (e *RealExecutor) runGit(args ...string) error {
	_, err := e.runGitOutput(context.Background(), args...)
	return err
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *RealExecutor) runGitOutput(ctx context.Context, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked worktree: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	}

	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks if the working directory is inside a git repository.
func (e *RealExecutor) IsGitRepo() bool {
	err := e.runGit("rev-parse", "--git-dir")
	return err == nil
}

// GetRepoRoot returns the root directory of the git repository.
func (e *RealExecutor) GetRepoRoot() (string, error) {
	return e.runGitOutput(context.Background(), "rev-parse", "--show-toplevel")
}

// GetCurrentBranch returns the name of the current branch.
func (e *RealExecutor) GetCurrentBranch() (string, error) {
	// git branch --show-current prints nothing on a detached HEAD
	output, err := e.runGitOutput(context.Background(), "branch", "--show-current")
	if err == nil && output != "" {
		return output, nil
	}

	output, err = e.runGitOutput(context.Background(), "symbolic-ref", "--short", "HEAD")
	if err != nil {
		if _, revErr := e.runGitOutput(context.Background(), "rev-parse", "HEAD"); revErr == nil {
			return "", ErrDetachedHead
		}
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return output, nil
}

// GetMainBranch detects the default branch name using multiple strategies.
// Order: remote HEAD → main/master existence → fallback to "main".
func (e *RealExecutor) GetMainBranch(remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}

	// Remote HEAD works for cloned repos:
	// refs/remotes/origin/main -> "main"
	if ref, err := e.runGitOutput(context.Background(), "symbolic-ref", "refs/remotes/"+remote+"/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 && parts[len(parts)-1] != "" {
			return parts[len(parts)-1], nil
		}
	}

	if err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/main"); err == nil {
		return "main", nil
	}
	if err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/master"); err == nil {
		return "master", nil
	}

	return "main", nil
}

// GetRemoteURL returns the URL for the named remote.
func (e *RealExecutor) GetRemoteURL(name string) (string, error) {
	output, err := e.runGitOutput(context.Background(), "remote", "get-url", name)
	if err != nil {
		// Missing remotes are common (fresh repos); treat as empty
		if strings.Contains(strings.ToLower(err.Error()), "no such remote") {
			return "", nil
		}
		return "", err
	}
	return output, nil
}

// BranchExists checks if a local branch with the given name exists.
func (e *RealExecutor) BranchExists(name string) bool {
	err := e.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// ValidateBranchName validates a branch name using git check-ref-format.
func (e *RealExecutor) ValidateBranchName(name string) error {
	if err := e.runGit("check-ref-format", "--branch", name); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBranchName, name)
	}
	return nil
}

// CreateWorktree creates a new worktree at path with a new branch.
func (e *RealExecutor) CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error {
	// git worktree add -b <new-branch> <path> [<start-point>]
	args := []string{"worktree", "add", "-b", newBranch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}

	log.Debug(log.CatGit, "Creating worktree", "path", path, "branch", newBranch, "base", baseBranch)
	_, err := e.runGitOutput(ctx, args...)
	return err
}

// AttachWorktree creates a worktree at path checking out an existing branch.
func (e *RealExecutor) AttachWorktree(ctx context.Context, path, branch string) error {
	log.Debug(log.CatGit, "Attaching worktree", "path", path, "branch", branch)
	_, err := e.runGitOutput(ctx, "worktree", "add", path, branch)
	return err
}

// RemoveWorktree removes a worktree at the specified path.
func (e *RealExecutor) RemoveWorktree(path string) error {
	// Normal remove first; fall back to --force for dirty trees
	err := e.runGit("worktree", "remove", path)
	if err != nil {
		return e.runGit("worktree", "remove", "--force", path)
	}
	return nil
}

// PruneWorktrees removes stale worktree references.
func (e *RealExecutor) PruneWorktrees() error {
	return e.runGit("worktree", "prune")
}

// ListWorktrees returns information about all worktrees.
func (e *RealExecutor) ListWorktrees() ([]WorktreeInfo, error) {
	output, err := e.runGitOutput(context.Background(), "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// Fetch updates remote tracking refs.
func (e *RealExecutor) Fetch(ctx context.Context, remote string) error {
	_, err := e.runGitOutput(ctx, "fetch", remote)
	return err
}

// Push pushes branch to remote, setting the upstream.
func (e *RealExecutor) Push(ctx context.Context, remote, branch string) error {
	log.Debug(log.CatGit, "Pushing branch", "remote", remote, "branch", branch)
	_, err := e.runGitOutput(ctx, "push", "-u", remote, branch)
	return err
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	// The last entry when output doesn't end with a blank line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}
