package github

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubGH installs a fake gh binary on PATH that prints stdout, prints
// stderr, and exits with the given code.
func stubGH(t *testing.T, stdout, stderr string, exitCode int) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if stdout != "" {
		fmt.Fprintf(&b, "cat <<'STUB_EOF'\n%s\nSTUB_EOF\n", stdout)
	}
	if stderr != "" {
		fmt.Fprintf(&b, "cat <<'STUB_EOF' >&2\n%s\nSTUB_EOF\n", stderr)
	}
	fmt.Fprintf(&b, "exit %d\n", exitCode)

	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "gh"), []byte(b.String()), 0o755)
	require.NoError(t, err, "writing gh stub should succeed")
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestCreatePR_ReturnsURLFromStdout(t *testing.T) {
	stubGH(t, "Creating pull request for task/abcd1234 into main\nhttps://github.com/org/repo/pull/7", "", 0)

	exec := NewCLIExecutor()
	url, err := exec.CreatePR(context.Background(), CreateOptions{
		Title: "Add rate limiter",
		Body:  "Closes the gap.",
		Head:  "task/abcd1234",
	})
	require.NoError(t, err, "create should succeed")
	require.Equal(t, "https://github.com/org/repo/pull/7", url, "should return the URL line")
}

func TestCreatePR_ExistingPRRecovered(t *testing.T) {
	stderr := "a pull request for branch \"task/abcd1234\" into branch \"main\" already exists:\nhttps://github.com/org/repo/pull/42"
	stubGH(t, "", stderr, 1)

	exec := NewCLIExecutor()
	url, err := exec.CreatePR(context.Background(), CreateOptions{
		Title: "Add rate limiter",
		Head:  "task/abcd1234",
	})
	require.NoError(t, err, "existing PR should not be an error")
	require.Equal(t, "https://github.com/org/repo/pull/42", url, "should recover the existing URL")
}

func TestCreatePR_NoCommits(t *testing.T) {
	stubGH(t, "", "pull request create failed: No commits between main and task/abcd1234", 1)

	exec := NewCLIExecutor()
	_, err := exec.CreatePR(context.Background(), CreateOptions{
		Title: "Empty branch",
		Head:  "task/abcd1234",
	})
	require.Error(t, err, "empty branch should fail")
	require.ErrorIs(t, err, ErrNoCommits, "should classify the empty-branch failure")
}

func TestCreatePR_StderrSurfacedOnFailure(t *testing.T) {
	stubGH(t, "", "GraphQL: Resource not accessible by integration", 1)

	exec := NewCLIExecutor()
	_, err := exec.CreatePR(context.Background(), CreateOptions{
		Title: "Broken",
		Head:  "task/abcd1234",
	})
	require.Error(t, err, "failure should propagate")
	require.Contains(t, err.Error(), "Resource not accessible", "error should carry gh stderr")
}

func TestCreatePR_SuccessWithoutURL(t *testing.T) {
	stubGH(t, "nothing useful here", "", 0)

	exec := NewCLIExecutor()
	_, err := exec.CreatePR(context.Background(), CreateOptions{
		Title: "Odd output",
		Head:  "task/abcd1234",
	})
	require.Error(t, err, "missing URL should be an error")
	require.ErrorIs(t, err, ErrNoURL, "should report the missing URL")
}

func TestCreatePR_RequiresHead(t *testing.T) {
	exec := NewCLIExecutor()
	_, err := exec.CreatePR(context.Background(), CreateOptions{Title: "No head"})
	require.Error(t, err, "missing head branch should be rejected")
}

func TestCreatePR_BaseFlagOptional(t *testing.T) {
	// The stub records its arguments so we can assert --base is only
	// passed when set.
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + argsFile + "\necho https://github.com/org/repo/pull/3\n"
	err := os.WriteFile(filepath.Join(dir, "gh"), []byte(script), 0o755)
	require.NoError(t, err, "writing gh stub should succeed")
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	exec := NewCLIExecutor()
	_, err = exec.CreatePR(context.Background(), CreateOptions{
		Title: "t",
		Head:  "task/abcd1234",
		Base:  "develop",
	})
	require.NoError(t, err, "create with base should succeed")

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err, "reading recorded args should succeed")
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Contains(t, args, "--base", "base flag should be passed")
	require.Contains(t, args, "develop", "base value should be passed")

	_, err = exec.CreatePR(context.Background(), CreateOptions{
		Title: "t",
		Head:  "task/abcd1234",
	})
	require.NoError(t, err, "create without base should succeed")

	raw, err = os.ReadFile(argsFile)
	require.NoError(t, err, "reading recorded args should succeed")
	require.NotContains(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), "--base",
		"base flag should be omitted when unset")
}

func TestExtractPRURL(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{
			name:   "url only",
			output: "https://github.com/org/repo/pull/7\n",
			want:   "https://github.com/org/repo/pull/7",
		},
		{
			name:   "progress lines before url",
			output: "Creating pull request for task/ab into main in org/repo\n\nhttps://github.com/org/repo/pull/101\n",
			want:   "https://github.com/org/repo/pull/101",
		},
		{
			name:   "last url wins",
			output: "https://github.com/org/repo/pull/1\nhttps://github.com/org/repo/pull/2\n",
			want:   "https://github.com/org/repo/pull/2",
		},
		{
			name:   "no url",
			output: "something went sideways\n",
			want:   "",
		},
		{
			name:   "enterprise host",
			output: "https://github.example.com/org/repo/pull/9\n",
			want:   "https://github.example.com/org/repo/pull/9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, extractPRURL(tt.output), "extracted URL should match")
		})
	}
}

func TestExistingPRURL(t *testing.T) {
	stderr := "a pull request for branch \"task/abcd1234\" into branch \"main\" already exists:\nhttps://github.com/org/repo/pull/42"
	require.Equal(t, "https://github.com/org/repo/pull/42", existingPRURL(stderr),
		"should parse the existing PR URL")

	require.Empty(t, existingPRURL("fatal: unrelated failure"),
		"unrelated stderr should not match")
}

func TestCreatePR_ContextCancelled(t *testing.T) {
	stubGH(t, "https://github.com/org/repo/pull/7", "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewCLIExecutor()
	_, err := exec.CreatePR(ctx, CreateOptions{Title: "t", Head: "task/abcd1234"})
	require.Error(t, err, "cancelled context should fail")
	require.True(t, errors.Is(err, context.Canceled), "error should wrap context.Canceled")
}
