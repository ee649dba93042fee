package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zjrosen/aio/internal/config"
)

// LaunchSpec describes one agent process to start inside a pane.
type LaunchSpec struct {
	Role         Role
	AgentID      string
	ConfigPath   string // generated tool config file
	SystemPrompt string
	Prompt       string // initial user prompt
	Env          map[string]string
}

// Launcher composes the shell command that starts an agent. The command
// is typed into a pane, so it must be a single self-contained line.
type Launcher struct {
	client string
	claude config.ClaudeClientConfig
	custom config.CustomClientConfig
}

// NewLauncher builds a launcher from the agent client configuration.
func NewLauncher(cfg config.Config) *Launcher {
	client := cfg.Client
	if client == "" {
		client = "claude"
	}
	return &Launcher{client: client, claude: cfg.Claude, custom: cfg.Custom}
}

// Command returns the shell command line for one agent launch.
func (l *Launcher) Command(spec LaunchSpec) (string, error) {
	if !spec.Role.Valid() {
		return "", fmt.Errorf("unknown agent role %q", spec.Role)
	}

	var argv []string
	switch l.client {
	case "claude":
		argv = l.claudeArgs(spec)
	case "custom":
		var err error
		argv, err = l.customArgs(spec)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unknown agent client %q", l.client)
	}

	parts := make([]string, 0, len(spec.Env)+len(argv))
	parts = append(parts, envAssignments(spec.Env)...)
	for _, arg := range argv {
		parts = append(parts, ShellQuote(arg))
	}
	return strings.Join(parts, " "), nil
}

// claudeArgs builds the Claude CLI invocation. The agent runs
// interactively in its pane; the kernel is reachable through the MCP
// config and permission prompts are skipped because every worker is
// already fenced by its worktree and the command guard.
func (l *Launcher) claudeArgs(spec LaunchSpec) []string {
	args := []string{"claude"}

	if l.claude.Model != "" {
		args = append(args, "--model", l.claude.Model)
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}
	if spec.ConfigPath != "" {
		args = append(args, "--mcp-config", spec.ConfigPath)
	}
	args = append(args, "--dangerously-skip-permissions")

	// The -- separator keeps a prompt starting with a dash out of flag
	// parsing.
	if spec.Prompt != "" {
		args = append(args, "--", spec.Prompt)
	}
	return args
}

// customArgs substitutes the launch placeholders into the configured
// command template. Elements are substituted wholesale, so a template
// like ["my-agent", "--tools", "{mcp_config}", "{prompt}"] stays intact
// no matter what the prompt contains.
func (l *Launcher) customArgs(spec LaunchSpec) ([]string, error) {
	if len(l.custom.Command) == 0 {
		return nil, fmt.Errorf("custom client selected but custom.command is empty")
	}

	replacer := strings.NewReplacer(
		"{prompt}", spec.Prompt,
		"{system_prompt}", spec.SystemPrompt,
		"{mcp_config}", spec.ConfigPath,
	)
	argv := make([]string, len(l.custom.Command))
	for i, elem := range l.custom.Command {
		argv[i] = replacer.Replace(elem)
	}
	return argv, nil
}

// envAssignments renders the env map as leading VAR=value assignments,
// sorted so the command line is deterministic.
func envAssignments(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+ShellQuote(env[k]))
	}
	return out
}

// shellSafe matches strings that need no quoting in POSIX shells.
var shellSafe = regexp.MustCompile(`^[a-zA-Z0-9._/:@%^=+,-]+$`)

// ShellQuote makes s safe as a single shell word. Single quotes pass
// everything but single quotes literally; embedded quotes are spliced
// with the '"'"' dance.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
