// Package paths provides path resolution for the .aio kernel directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DirName is the kernel state directory at the repository root.
	DirName = ".aio"
	// StoreName is the sqlite store file inside the kernel directory.
	StoreName = "store.db"
	// WorktreesDirName holds per-worker git worktrees at the repository root.
	WorktreesDirName = ".worktrees"
)

// Resolve resolves the .aio directory path from user input.
// It normalizes the input (accepting either the repo root or the .aio dir
// itself) and follows redirect files left in git worktrees.
//
// Input normalization:
//   - "/path/to/repo" -> "/path/to/repo/.aio"
//   - "/path/to/repo/.aio" -> "/path/to/repo/.aio"
//   - "" -> "./.aio"
//
// Redirect handling:
//   - If .aio/redirect exists, follows it to the actual .aio location.
//     Worker worktrees carry a redirect back to the main checkout so that
//     status invocations from inside a worktree see the live session.
func Resolve(path string) string {
	if path == "" {
		path = "."
	}
	path = filepath.Clean(path)

	if filepath.Base(path) == DirName {
		return followRedirect(path)
	}

	return followRedirect(filepath.Join(path, DirName))
}

// followRedirect checks for a redirect file and follows it if present.
func followRedirect(aioDir string) string {
	redirectPath := filepath.Join(aioDir, "redirect")

	content, err := os.ReadFile(redirectPath) //nolint:gosec // redirect path is within .aio dir
	if err != nil {
		return aioDir
	}

	target := strings.TrimSpace(string(content))
	if target == "" {
		return aioDir
	}

	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Clean(filepath.Join(aioDir, target))
}

// WriteRedirect drops a redirect file in a worktree's .aio directory
// pointing back at the main checkout's .aio.
func WriteRedirect(worktreeRoot, target string) error {
	dir := filepath.Join(worktreeRoot, DirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "redirect")
	if err := os.WriteFile(path, []byte(target+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing redirect: %w", err)
	}
	return nil
}

// StorePath returns the sqlite store path inside the kernel directory.
// The AIO_STORE_PATH env var overrides it.
func StorePath(aioDir string) string {
	if p := os.Getenv("AIO_STORE_PATH"); p != "" {
		return p
	}
	return filepath.Join(aioDir, StoreName)
}

// GeneratedDir returns the directory of generated agent tool configs.
func GeneratedDir(aioDir string) string {
	return filepath.Join(aioDir, ".generated")
}

// GeneratedConfig returns the tool config path for a role instance,
// e.g. planner, orchestrator, worker-3, reviewer-1.
func GeneratedConfig(aioDir, role string) string {
	return filepath.Join(GeneratedDir(aioDir), role+".json")
}

// LogsDir returns the kernel log directory.
func LogsDir(aioDir string) string {
	return filepath.Join(aioDir, "logs")
}

// ConfigPath returns the per-repo config file path.
func ConfigPath(aioDir string) string {
	return filepath.Join(aioDir, "config.yaml")
}

// TracesDir returns the directory the file trace exporter writes to.
func TracesDir(aioDir string) string {
	return filepath.Join(aioDir, "traces")
}

// WorktreesDir returns the worktree root for a repository.
func WorktreesDir(repoRoot string) string {
	return filepath.Join(repoRoot, WorktreesDirName)
}

// WorktreePath returns the worktree directory for one worker.
func WorktreePath(repoRoot, workerID string) string {
	return filepath.Join(WorktreesDir(repoRoot), workerID)
}
