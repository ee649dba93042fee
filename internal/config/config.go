// Package config provides configuration types and defaults for the aio kernel.
package config

import (
	"fmt"
	"time"

	"os"
	"path/filepath"

	"github.com/zjrosen/aio/internal/log"
)

// Config holds all configuration options for the kernel.
type Config struct {
	// RepoRoot overrides the repository root (default: current directory).
	RepoRoot      string              `mapstructure:"repo_root"`
	Client        string              `mapstructure:"client"` // "claude" (default) or "custom"
	Claude        ClaudeClientConfig  `mapstructure:"claude"`
	Custom        CustomClientConfig  `mapstructure:"custom"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Git           GitConfig           `mapstructure:"git"`
	Safety        SafetyConfig        `mapstructure:"safety"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

// ClaudeClientConfig holds Claude-specific agent settings.
type ClaudeClientConfig struct {
	Model string `mapstructure:"model"` // sonnet (default), opus, haiku
}

// CustomClientConfig holds settings for a user-supplied agent CLI.
// Command is a template; occurrences of {prompt}, {system_prompt} and
// {mcp_config} are substituted at spawn time.
type CustomClientConfig struct {
	Command []string `mapstructure:"command"`
}

// OrchestratorConfig holds kernel loop and tool server settings.
type OrchestratorConfig struct {
	// Port is the tool server listen port. 0 picks a free port at start.
	Port int `mapstructure:"port"`

	// PollInterval is the loop's idle sleep between event log scans.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// HeartbeatTimeout is how long a worker may go silent before the
	// reaper declares it dead.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`

	// ReapInterval is how often the reaper scans worker heartbeats.
	ReapInterval time.Duration `mapstructure:"reap_interval"`

	// RetryLimit bounds per-event retries for transient failures before
	// the task is failed.
	RetryLimit int `mapstructure:"retry_limit"`

	// CommandTimeout is the default wall clock limit for execute_command.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// OutputLimit caps captured execute_command output in bytes.
	OutputLimit int `mapstructure:"output_limit"`

	// ReviewClaimTimeout releases a review claim whose reviewer went quiet.
	ReviewClaimTimeout time.Duration `mapstructure:"review_claim_timeout"`
}

// GitConfig holds workspace manager settings.
type GitConfig struct {
	Remote        string `mapstructure:"remote"`         // default "origin"
	DefaultBranch string `mapstructure:"default_branch"` // empty = detect
	BranchPrefix  string `mapstructure:"branch_prefix"`  // default "task/"
}

// SafetyConfig holds command guard settings.
type SafetyConfig struct {
	// Enabled controls whether execute_command is screened at all.
	// Default: true. Disable only in throwaway sandboxes.
	Enabled bool `mapstructure:"enabled"`

	// ExtraDenyPatterns appends case-insensitive regexes to the built-in
	// deny list.
	ExtraDenyPatterns []string `mapstructure:"extra_deny_patterns"`
}

// NotificationsConfig holds user-facing notification settings.
type NotificationsConfig struct {
	// Desktop enables OS-level notifications on task completion/failure.
	Desktop bool `mapstructure:"desktop"`
}

// TracingConfig holds distributed tracing configuration for the kernel.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: .aio/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Client: "claude",
		Claude: ClaudeClientConfig{
			Model: "sonnet",
		},
		Orchestrator: OrchestratorConfig{
			Port:               0,
			PollInterval:       1 * time.Second,
			HeartbeatTimeout:   30 * time.Second,
			ReapInterval:       5 * time.Second,
			RetryLimit:         10,
			CommandTimeout:     30 * time.Second,
			OutputLimit:        64 * 1024,
			ReviewClaimTimeout: 10 * time.Minute,
		},
		Git: GitConfig{
			Remote:       "origin",
			BranchPrefix: "task/",
		},
		Safety: SafetyConfig{
			Enabled: true,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from the .aio dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// ValidateClient checks the agent client configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateClient(cfg Config) error {
	switch cfg.Client {
	case "", "claude":
		// Valid
	case "custom":
		if len(cfg.Custom.Command) == 0 {
			return fmt.Errorf("custom.command is required when client is \"custom\"")
		}
	default:
		return fmt.Errorf("client must be \"claude\" or \"custom\", got %q", cfg.Client)
	}
	return nil
}

// ValidateOrchestrator checks kernel loop configuration for errors.
// Returns nil if the configuration is valid (zero values use defaults).
func ValidateOrchestrator(orch OrchestratorConfig) error {
	if orch.Port < 0 || orch.Port > 65535 {
		return fmt.Errorf("orchestrator.port must be between 0 and 65535, got %d", orch.Port)
	}
	if orch.PollInterval < 0 {
		return fmt.Errorf("orchestrator.poll_interval must not be negative, got %v", orch.PollInterval)
	}
	if orch.HeartbeatTimeout < 0 {
		return fmt.Errorf("orchestrator.heartbeat_timeout must not be negative, got %v", orch.HeartbeatTimeout)
	}
	if orch.RetryLimit < 0 {
		return fmt.Errorf("orchestrator.retry_limit must not be negative, got %d", orch.RetryLimit)
	}
	if orch.OutputLimit < 0 {
		return fmt.Errorf("orchestrator.output_limit must not be negative, got %d", orch.OutputLimit)
	}
	return nil
}

// ValidateGit checks workspace configuration for errors.
func ValidateGit(git GitConfig) error {
	for _, r := range git.BranchPrefix {
		if r == ' ' || r == '~' || r == '^' || r == ':' {
			return fmt.Errorf("git.branch_prefix contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	// Validate Exporter is a valid option
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// Validate runs all section validators.
func Validate(cfg Config) error {
	if err := ValidateClient(cfg); err != nil {
		return err
	}
	if err := ValidateOrchestrator(cfg.Orchestrator); err != nil {
		return err
	}
	if err := ValidateGit(cfg.Git); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# aio configuration

# Agent CLI provider: "claude" (default) or "custom"
client: claude

# Claude-specific settings (only used when client: claude)
claude:
  model: sonnet  # sonnet (default), opus, or haiku

# Custom agent CLI (only used when client: custom)
# Occurrences of {prompt}, {system_prompt} and {mcp_config} are substituted
# at spawn time.
# custom:
#   command: ["my-agent", "--tools", "{mcp_config}", "{prompt}"]

# Kernel loop and tool server settings
orchestrator:
  port: 0                    # Tool server port; 0 picks a free port
  poll_interval: 1s          # Idle sleep between event log scans
  heartbeat_timeout: 30s     # Silence before a worker is declared dead
  reap_interval: 5s          # How often heartbeats are scanned
  retry_limit: 10            # Transient retries before a task is failed
  command_timeout: 30s       # Default execute_command wall clock limit
  output_limit: 65536        # Captured command output cap in bytes
  review_claim_timeout: 10m  # Stale review claims are released after this

# Workspace settings
git:
  remote: origin       # Remote PRs are pushed to
  # default_branch: main  # Empty = detect from the remote
  branch_prefix: task/ # Worker branches are <prefix><first 8 of task id>

# Command guard for worker execute_command calls
safety:
  enabled: true
  # Append case-insensitive regexes to the built-in deny list:
  # extra_deny_patterns:
  #   - 'terraform\s+apply'

# OS-level notifications on task completion/failure
notifications:
  desktop: true

# Distributed tracing for kernel event dispatch and tool calls
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: .aio/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
