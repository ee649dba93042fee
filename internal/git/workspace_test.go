package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/aio/internal/paths"
)

// fakeExecutor is an in-memory Executor for workspace manager tests.
type fakeExecutor struct {
	branches   map[string]bool
	worktrees  []WorktreeInfo
	mainBranch string
	remoteURL  string

	createErr error
	attachErr error

	// worktreesAfterCreate, when set, replaces the worktree list once a
	// create or attach has been attempted. Models a racing registration.
	worktreesAfterCreate []WorktreeInfo

	mainBranchCalls int
	createCalls     int
	attachCalls     int
	pushed          []string
	removed         []string
	pruneCalls      int

	lastCreateBase string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		branches:   map[string]bool{"main": true},
		mainBranch: "main",
	}
}

func (f *fakeExecutor) IsGitRepo() bool                     { return true }
func (f *fakeExecutor) GetRepoRoot() (string, error)        { return "/repo", nil }
func (f *fakeExecutor) GetCurrentBranch() (string, error)   { return "main", nil }
func (f *fakeExecutor) ValidateBranchName(name string) error { return nil }

func (f *fakeExecutor) GetMainBranch(remote string) (string, error) {
	f.mainBranchCalls++
	return f.mainBranch, nil
}

func (f *fakeExecutor) GetRemoteURL(name string) (string, error) {
	return f.remoteURL, nil
}

func (f *fakeExecutor) BranchExists(name string) bool {
	return f.branches[name]
}

func (f *fakeExecutor) CreateWorktree(ctx context.Context, path, newBranch, baseBranch string) error {
	f.createCalls++
	f.lastCreateBase = baseBranch
	if f.createErr != nil {
		return f.createErr
	}
	f.branches[newBranch] = true
	f.worktrees = append(f.worktrees, WorktreeInfo{Path: path, Branch: newBranch})
	return nil
}

func (f *fakeExecutor) AttachWorktree(ctx context.Context, path, branch string) error {
	f.attachCalls++
	if f.attachErr != nil {
		return f.attachErr
	}
	f.worktrees = append(f.worktrees, WorktreeInfo{Path: path, Branch: branch})
	return nil
}

func (f *fakeExecutor) RemoveWorktree(path string) error {
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeExecutor) PruneWorktrees() error {
	f.pruneCalls++
	return nil
}

func (f *fakeExecutor) ListWorktrees() ([]WorktreeInfo, error) {
	if f.worktreesAfterCreate != nil && f.createCalls+f.attachCalls > 0 {
		return f.worktreesAfterCreate, nil
	}
	return f.worktrees, nil
}

func (f *fakeExecutor) Fetch(ctx context.Context, remote string) error { return nil }

func (f *fakeExecutor) Push(ctx context.Context, remote, branch string) error {
	f.pushed = append(f.pushed, remote+" "+branch)
	return nil
}

func newTestManager(t *testing.T, exec Executor) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	return NewManager(exec, WorkspaceConfig{RepoRoot: root}), root
}

func TestBranchName(t *testing.T) {
	m, _ := newTestManager(t, newFakeExecutor())

	require.Equal(t, "task/abcd1234", m.BranchName("abcd1234-ef56-7890"))
	require.Equal(t, "task/ab12", m.BranchName("ab12"), "Short IDs are kept whole")
}

func TestCreateWorkspace_Fresh(t *testing.T) {
	fake := newFakeExecutor()
	m, root := newTestManager(t, fake)

	ws, err := m.CreateWorkspace(context.Background(), "abcd1234-ef56", "worker-1", "")
	require.NoError(t, err, "CreateWorkspace should succeed")
	require.Equal(t, paths.WorktreePath(root, "worker-1"), ws.Path)
	require.Equal(t, "task/abcd1234", ws.Branch)
	require.Equal(t, 1, fake.createCalls)
	require.Equal(t, "main", fake.lastCreateBase, "New branches fork from the default branch")
	require.Zero(t, fake.attachCalls)
}

func TestCreateWorkspace_BranchOverride(t *testing.T) {
	fake := newFakeExecutor()
	m, _ := newTestManager(t, fake)

	ws, err := m.CreateWorkspace(context.Background(), "abcd1234-ef56", "worker-1", "fix/flaky-test")
	require.NoError(t, err)
	require.Equal(t, "fix/flaky-test", ws.Branch, "A requested branch name wins over the derived one")
	require.Equal(t, 1, fake.createCalls)
}

func TestCreateWorkspace_RequiresIDs(t *testing.T) {
	m, _ := newTestManager(t, newFakeExecutor())

	_, err := m.CreateWorkspace(context.Background(), "", "worker-1", "")
	require.Error(t, err)
	_, err = m.CreateWorkspace(context.Background(), "task-1", "", "")
	require.Error(t, err)
}

func TestCreateWorkspace_ReusesExistingWorktree(t *testing.T) {
	fake := newFakeExecutor()
	m, root := newTestManager(t, fake)

	path := paths.WorktreePath(root, "worker-1")
	fake.worktrees = append(fake.worktrees, WorktreeInfo{Path: path, Branch: "task/abcd1234"})

	ws, err := m.CreateWorkspace(context.Background(), "abcd1234-ef56", "worker-1", "")
	require.NoError(t, err)
	require.Equal(t, path, ws.Path)
	require.Equal(t, "task/abcd1234", ws.Branch)
	require.Zero(t, fake.createCalls, "Existing worktrees are adopted, not recreated")
	require.Zero(t, fake.attachCalls)
}

func TestCreateWorkspace_AttachesExistingBranch(t *testing.T) {
	fake := newFakeExecutor()
	fake.branches["task/abcd1234"] = true
	m, _ := newTestManager(t, fake)

	ws, err := m.CreateWorkspace(context.Background(), "abcd1234-ef56", "worker-1", "")
	require.NoError(t, err)
	require.Equal(t, "task/abcd1234", ws.Branch)
	require.Equal(t, 1, fake.attachCalls, "Surviving branches are attached")
	require.Zero(t, fake.createCalls)
}

func TestCreateWorkspace_AdoptsOnPathConflict(t *testing.T) {
	fake := newFakeExecutor()
	fake.createErr = ErrPathAlreadyExists
	m, root := newTestManager(t, fake)

	// The initial lookup misses, the add fails with a conflict, and the
	// follow-up lookup finds the worktree a previous attempt registered
	path := paths.WorktreePath(root, "worker-1")
	fake.worktreesAfterCreate = []WorktreeInfo{{Path: path, Branch: "task/abcd1234"}}

	ws, err := m.CreateWorkspace(context.Background(), "abcd1234-ef56", "worker-1", "")
	require.NoError(t, err, "Path conflicts with a registered worktree are adopted")
	require.Equal(t, path, ws.Path)
	require.Equal(t, 1, fake.createCalls)
}

func TestCreateWorkspace_UnknownCreateErrorPropagates(t *testing.T) {
	fake := newFakeExecutor()
	fake.createErr = errors.New("disk full")
	m, _ := newTestManager(t, fake)

	_, err := m.CreateWorkspace(context.Background(), "abcd1234", "worker-1", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
}

func TestCreateWorkspace_MissingBaseForksFromHEAD(t *testing.T) {
	fake := newFakeExecutor()
	delete(fake.branches, "main")
	m, _ := newTestManager(t, fake)

	_, err := m.CreateWorkspace(context.Background(), "abcd1234", "worker-1", "")
	require.NoError(t, err)
	require.Equal(t, "", fake.lastCreateBase, "Absent local default branch falls back to HEAD")
}

func TestDefaultBranch_ConfigOverride(t *testing.T) {
	fake := newFakeExecutor()
	root := t.TempDir()
	m := NewManager(fake, WorkspaceConfig{RepoRoot: root, DefaultBranch: "develop"})

	branch, err := m.DefaultBranch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "develop", branch)
	require.Zero(t, fake.mainBranchCalls, "Configured default branch skips detection")
}

func TestDefaultBranch_DetectionIsCached(t *testing.T) {
	fake := newFakeExecutor()
	m, _ := newTestManager(t, fake)

	for i := 0; i < 3; i++ {
		branch, err := m.DefaultBranch(context.Background())
		require.NoError(t, err)
		require.Equal(t, "main", branch)
	}
	require.Equal(t, 1, fake.mainBranchCalls, "Detection should be cached")
}

func TestPushBranch(t *testing.T) {
	fake := newFakeExecutor()
	m, _ := newTestManager(t, fake)

	require.NoError(t, m.PushBranch(context.Background(), "task/abcd1234"))
	require.Equal(t, []string{"origin task/abcd1234"}, fake.pushed)
}

func TestRemoveWorkspace_AbsentPathOnlyPrunes(t *testing.T) {
	fake := newFakeExecutor()
	m, root := newTestManager(t, fake)

	err := m.RemoveWorkspace(context.Background(), filepath.Join(root, "gone"))
	require.NoError(t, err)
	require.Empty(t, fake.removed, "Absent paths are not passed to git")
	require.Equal(t, 1, fake.pruneCalls)
}

func TestRemoveWorkspace_RemovesAndPrunes(t *testing.T) {
	fake := newFakeExecutor()
	m, root := newTestManager(t, fake)

	path := filepath.Join(root, ".worktrees", "worker-1")
	require.NoError(t, os.MkdirAll(path, 0o750))

	err := m.RemoveWorkspace(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, []string{path}, fake.removed)
	require.Equal(t, 1, fake.pruneCalls)
}

func TestRemoveWorkspace_EmptyPathIsNoOp(t *testing.T) {
	fake := newFakeExecutor()
	m, _ := newTestManager(t, fake)

	require.NoError(t, m.RemoveWorkspace(context.Background(), ""))
	require.Empty(t, fake.removed)
	require.Zero(t, fake.pruneCalls)
}
