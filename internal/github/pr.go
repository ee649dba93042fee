// Package github opens pull requests through the GitHub CLI.
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/zjrosen/aio/internal/log"
)

var (
	// ErrNoCommits indicates the head branch has no commits against base.
	ErrNoCommits = errors.New("no commits between base and head branch")

	// ErrNoURL indicates gh succeeded but printed no PR URL.
	ErrNoURL = errors.New("no pull request url in gh output")
)

// CreateOptions describes the pull request to open.
type CreateOptions struct {
	WorkDir string // worktree to run in; selects the repository
	Title   string
	Body    string
	Head    string // task branch
	Base    string // default branch; empty lets gh pick
}

// Executor opens pull requests on the hosting service.
type Executor interface {
	// CreatePR opens a pull request and returns its URL. If a PR for the
	// head branch already exists, its URL is returned instead of an error.
	CreatePR(ctx context.Context, opts CreateOptions) (string, error)
}

// Compile-time check that CLIExecutor implements Executor.
var _ Executor = (*CLIExecutor)(nil)

// CLIExecutor implements Executor by executing the gh CLI.
type CLIExecutor struct {
	binary string
}

// NewCLIExecutor creates an executor using `gh` from PATH.
func NewCLIExecutor() *CLIExecutor {
	return &CLIExecutor{binary: "gh"}
}

// CreatePR runs gh pr create and parses the URL from its output.
func (e *CLIExecutor) CreatePR(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.Head == "" {
		return "", fmt.Errorf("head branch is required")
	}

	args := []string{"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--head", opts.Head,
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}

	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, e.binary, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("gh pr create: %w", ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if url := existingPRURL(stderrStr); url != "" {
			log.Info(log.CatPR, "PR already exists", "head", opts.Head, "url", url)
			return url, nil
		}
		if isNoCommits(stderrStr) {
			return "", fmt.Errorf("%w: %s", ErrNoCommits, opts.Head)
		}
		if stderrStr != "" {
			return "", fmt.Errorf("gh pr create failed: %s", stderrStr)
		}
		return "", fmt.Errorf("gh pr create failed: %w", err)
	}

	url := extractPRURL(stdout.String())
	if url == "" {
		return "", fmt.Errorf("%w: %q", ErrNoURL, strings.TrimSpace(stdout.String()))
	}
	log.Info(log.CatPR, "PR created", "head", opts.Head, "url", url)
	return url, nil
}

var prURLPattern = regexp.MustCompile(`https://\S+/pull/\d+`)

// extractPRURL pulls the PR URL out of gh stdout. gh prints progress
// lines first and the URL last.
func extractPRURL(output string) string {
	matches := prURLPattern.FindAllString(output, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// existingPRURL recognizes the already-exists failure and recovers the
// original URL from it:
//
//	a pull request for branch "task/abcd1234" into branch "main" already exists:
//	https://github.com/org/repo/pull/42
func existingPRURL(stderr string) string {
	if !strings.Contains(strings.ToLower(stderr), "already exists") {
		return ""
	}
	return prURLPattern.FindString(stderr)
}

// isNoCommits recognizes the empty-branch failure.
func isNoCommits(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "no commits between")
}
