package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/paths"
)

// ServerConfig is one tool server entry in a generated agent config.
// HTTP servers set Type and URL; stdio servers set Command, Args, Env.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// ToolConfig is the full tool configuration an agent host consumes,
// keyed by server name. The Claude CLI reads it via --mcp-config.
// Unknown fields are ignored by consumers, so the shape may grow.
type ToolConfig struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// GenerateConfig builds the tool configuration for one agent against the
// kernel's HTTP tool server. The planner's config also mounts the
// administrative server so the human-facing agent can inspect the
// session and pull the emergency brake.
func GenerateConfig(port int, role Role, agentID string) (ToolConfig, error) {
	if !role.Valid() {
		return ToolConfig{}, fmt.Errorf("unknown agent role %q", role)
	}
	if role != RolePlanner && agentID == "" {
		return ToolConfig{}, fmt.Errorf("%s config requires an agent id", role)
	}

	servers := map[string]ServerConfig{
		"aio-" + string(role): httpServer(port, role.route(agentID)),
	}
	if role == RolePlanner {
		servers["aio-orchestrator"] = httpServer(port, "/orchestrator")
	}
	return ToolConfig{MCPServers: servers}, nil
}

func httpServer(port int, route string) ServerConfig {
	return ServerConfig{
		Type: "http",
		URL:  fmt.Sprintf("http://localhost:%d%s", port, route),
	}
}

// WriteConfig generates one agent's tool configuration and writes it to
// .aio/.generated/<name>.json, returning the file path. Regenerated on
// every launch; stale files from dead agents are harmless.
func WriteConfig(aioDir string, port int, role Role, agentID string) (string, error) {
	cfg, err := GenerateConfig(port, role, agentID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling tool config: %w", err)
	}

	path := paths.GeneratedConfig(aioDir, role.ConfigName(agentID))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("creating generated config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing tool config: %w", err)
	}

	log.Debug(log.CatAgent, "Tool config written", "role", role, "agent", agentID, "path", path)
	return path, nil
}
