// Package agent prepares external LM agent processes for launch: the
// tool configuration files they read, the shell commands that start them
// inside panes, and the prompts that tell each role what to do. The
// kernel never talks to a model directly; it types a command into a pane
// and lets the agent find its way back through the tool server.
package agent

import "fmt"

// Role identifies which tool surface an agent is given.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleWorker   Role = "worker"
	RoleReviewer Role = "reviewer"
)

// Valid reports whether r is a launchable role.
func (r Role) Valid() bool {
	switch r {
	case RolePlanner, RoleWorker, RoleReviewer:
		return true
	}
	return false
}

// ConfigName returns the generated tool config basename for one agent,
// e.g. "planner", "worker-3f2a", "reviewer-1". The planner is a
// singleton and carries no ID.
func (r Role) ConfigName(agentID string) string {
	if r == RolePlanner || agentID == "" {
		return string(r)
	}
	return fmt.Sprintf("%s-%s", r, agentID)
}

// route returns the tool server HTTP path for one agent.
func (r Role) route(agentID string) string {
	switch r {
	case RoleWorker:
		return "/worker/" + agentID
	case RoleReviewer:
		return "/reviewer/" + agentID
	default:
		return "/planner"
	}
}
