// Package cmd implements the aio CLI: session lifecycle (start, stop,
// clean), the status view, and the hidden orchestrate command hosting
// the kernel process.
package cmd

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/aio/internal/config"
	"github.com/zjrosen/aio/internal/paths"
)

func init() {
	// Force lipgloss/termenv to query terminal background color BEFORE
	// any Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in input fields.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "aio",
	Short: "Orchestrate a team of coding agents from your terminal",
	Long: `aio coordinates LM agents working on a shared repository: a planner you
talk to, isolated workers implementing one task each in their own git
worktree, and reviewers judging the resulting pull requests. Every state
change flows through an event log in .aio/store.db, so a crashed session
resumes where it left off.

Run inside tmux; with no subcommand, aio starts a session.`,
	Version: version,
	RunE:    runStart,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .aio/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"verbose kernel logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("repo_root", defaults.RepoRoot)
	viper.SetDefault("client", defaults.Client)
	viper.SetDefault("claude.model", defaults.Claude.Model)
	viper.SetDefault("custom.command", defaults.Custom.Command)
	viper.SetDefault("orchestrator.port", defaults.Orchestrator.Port)
	viper.SetDefault("orchestrator.poll_interval", defaults.Orchestrator.PollInterval)
	viper.SetDefault("orchestrator.heartbeat_timeout", defaults.Orchestrator.HeartbeatTimeout)
	viper.SetDefault("orchestrator.reap_interval", defaults.Orchestrator.ReapInterval)
	viper.SetDefault("orchestrator.retry_limit", defaults.Orchestrator.RetryLimit)
	viper.SetDefault("orchestrator.command_timeout", defaults.Orchestrator.CommandTimeout)
	viper.SetDefault("orchestrator.output_limit", defaults.Orchestrator.OutputLimit)
	viper.SetDefault("orchestrator.review_claim_timeout", defaults.Orchestrator.ReviewClaimTimeout)
	viper.SetDefault("git.remote", defaults.Git.Remote)
	viper.SetDefault("git.default_branch", defaults.Git.DefaultBranch)
	viper.SetDefault("git.branch_prefix", defaults.Git.BranchPrefix)
	viper.SetDefault("safety.enabled", defaults.Safety.Enabled)
	viper.SetDefault("safety.extra_deny_patterns", defaults.Safety.ExtraDenyPatterns)
	viper.SetDefault("notifications.desktop", defaults.Notifications.Desktop)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// AIO_ORCHESTRATOR_PORT and friends override file values. SetDefault
	// above registers every key, which is what makes env lookup reach
	// them during Unmarshal.
	viper.SetEnvPrefix("AIO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigFile(paths.ConfigPath(paths.Resolve(envRepoRoot())))
	}

	if err := viper.ReadInConfig(); err != nil {
		// First run in an initialized checkout: drop the commented default
		// config so operators can discover the knobs. A repo that never ran
		// `aio start` has no .aio dir and is left untouched.
		if errors.Is(err, fs.ErrNotExist) {
			path := viper.ConfigFileUsed()
			if _, statErr := os.Stat(filepath.Dir(path)); statErr == nil {
				if writeErr := config.WriteDefaultConfig(path); writeErr == nil {
					_ = viper.ReadInConfig()
				}
			}
		}
		// Any other read failure falls back to defaults.
	}

	_ = viper.Unmarshal(&cfg)
}

// envRepoRoot resolves the repo root from the environment alone, for use
// before the config file is loaded.
func envRepoRoot() string {
	if root := os.Getenv("AIO_REPO_ROOT"); root != "" {
		return root
	}
	if root := os.Getenv("AIO_PROJECT_ROOT"); root != "" {
		return root
	}
	return "."
}

// repoRoot resolves the target repository root: config override first,
// then environment, then the working directory.
func repoRoot() (string, error) {
	root := cfg.RepoRoot
	if root == "" {
		root = os.Getenv("AIO_REPO_ROOT")
	}
	if root == "" {
		root = os.Getenv("AIO_PROJECT_ROOT")
	}
	if root == "" {
		return os.Getwd()
	}
	return filepath.Abs(root)
}

// storePath resolves the sqlite store location inside the kernel dir.
// AIO_STORE_PATH points agents spawned into worktrees back at the main
// checkout's store.
func storePath(aioDir string) string {
	if p := os.Getenv("AIO_STORE_PATH"); p != "" {
		return p
	}
	return paths.StorePath(aioDir)
}

// shortID trims a UUID to the 8-character prefix used in branch names
// and status output.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
