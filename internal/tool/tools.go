package tool

import "github.com/zjrosen/aio/internal/mcp"

// PlannerTools returns the tool definitions exposed to the planner agent.
func PlannerTools() []mcp.Tool {
	return []mcp.Tool{ToolSubmitTask, ToolListTasks}
}

// WorkerTools returns the tool definitions exposed to worker agents.
func WorkerTools() []mcp.Tool {
	return []mcp.Tool{
		ToolHeartbeat,
		ToolProgress,
		ToolCreatePR,
		ToolCheckEvents,
		ToolExecuteCommand,
	}
}

// ReviewerTools returns the tool definitions exposed to reviewer agents.
func ReviewerTools() []mcp.Tool {
	return []mcp.Tool{ToolClaimNextReview, ToolSubmitReview}
}

// OrchestratorTools returns the administrative tool definitions.
func OrchestratorTools() []mcp.Tool {
	return []mcp.Tool{ToolListTasks, ToolSessionStatus, ToolEmergencyStop}
}

// ToolSubmitTask creates a new task and queues it for a worker.
var ToolSubmitTask = mcp.Tool{
	Name:        "submit_task",
	Description: "Submit a new task for implementation. A worker agent will be spawned in an isolated workspace to carry it out and open a PR.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"description": {
				Type:        "string",
				Description: "What the worker should build or fix. Be specific; this is the worker's primary instruction.",
			},
			"context": {
				Type:        "string",
				Description: "Background the worker needs: relevant files, constraints, acceptance criteria.",
			},
			"branch_name": {
				Type:        "string",
				Description: "Branch to work on. Defaults to task/<first 8 chars of task id>.",
			},
		},
		Required: []string{"description"},
	},
}

// ToolListTasks lists every task and its lifecycle state.
var ToolListTasks = mcp.Tool{
	Name:        "list_tasks",
	Description: "List all tasks with status, assigned worker, and PR URL. Use this to see what is pending, in progress, in review, or done.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"status": {
				Type:        "string",
				Description: "Filter to one status: pending, in_progress, review, completed, or failed.",
			},
		},
	},
}

// ToolHeartbeat proves the worker is alive.
var ToolHeartbeat = mcp.Tool{
	Name:        "heartbeat",
	Description: "Signal that you are alive and working. Call this at least every 15 seconds; silent workers are reaped and their task marked failed.",
	InputSchema: &mcp.InputSchema{
		Type:       "object",
		Properties: map[string]*mcp.PropertySchema{},
	},
}

// ToolProgress records a human-readable status line.
var ToolProgress = mcp.Tool{
	Name:        "progress",
	Description: "Record a short progress update for humans watching the session. Does not affect task state.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"status": {
				Type:        "string",
				Description: "One-word phase, e.g. planning, implementing, testing.",
			},
			"message": {
				Type:        "string",
				Description: "What you are doing right now.",
			},
		},
		Required: []string{"status", "message"},
	},
}

// ToolCreatePR pushes the task branch and opens a pull request.
var ToolCreatePR = mcp.Tool{
	Name:        "create_pr",
	Description: "Push your branch and open a pull request, then request review. Idempotent: calling again returns the existing PR URL.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"title": {
				Type:        "string",
				Description: "PR title.",
			},
			"body": {
				Type:        "string",
				Description: "PR description in markdown.",
			},
			"summary": {
				Type:        "string",
				Description: "One-paragraph summary of the change for the reviewer.",
			},
		},
		Required: []string{"title", "body", "summary"},
	},
}

// ToolCheckEvents reads feedback events for the worker's task.
var ToolCheckEvents = mcp.Tool{
	Name:        "check_events",
	Description: "Check for events on your task, such as review feedback. Returns should_terminate=true when the task is finished and you must exit.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"after_seq": {
				Type:        "number",
				Description: "Only return events with seq greater than this. Defaults to 0 (all events).",
			},
		},
	},
}

// ToolExecuteCommand runs a shell command inside the workspace.
var ToolExecuteCommand = mcp.Tool{
	Name:        "execute_command",
	Description: "Run a shell command in your workspace. Dangerous commands are blocked before any process starts. Output is capped; long-running commands can be backgrounded.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"command": {
				Type:        "string",
				Description: "Shell command line, run with sh -c.",
			},
			"cwd": {
				Type:        "string",
				Description: "Working directory. Defaults to your task workspace.",
			},
			"timeout_seconds": {
				Type:        "number",
				Description: "Kill the command after this many seconds. Defaults to 30.",
			},
			"background": {
				Type:        "boolean",
				Description: "Start the command and return immediately with its PID.",
			},
		},
		Required: []string{"command"},
	},
}

// ToolClaimNextReview hands the reviewer the oldest unclaimed review.
var ToolClaimNextReview = mcp.Tool{
	Name:        "claim_next_review",
	Description: "Claim the oldest task waiting for review. Returns the task, its PR URL, and workspace so you can inspect the change.",
	InputSchema: &mcp.InputSchema{
		Type:       "object",
		Properties: map[string]*mcp.PropertySchema{},
	},
}

// ToolSubmitReview records the reviewer's verdict.
var ToolSubmitReview = mcp.Tool{
	Name:        "submit_review",
	Description: "Approve or deny a task you reviewed. Denial sends your feedback back to the worker, which revises and re-requests review.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"task_id": {
				Type:        "string",
				Description: "Task under review.",
			},
			"approved": {
				Type:        "boolean",
				Description: "true to approve and complete the task, false to send it back.",
			},
			"feedback": {
				Type:        "string",
				Description: "What must change. Required in spirit when denying; the worker sees it verbatim.",
			},
		},
		Required: []string{"task_id", "approved"},
	},
}

// ToolSessionStatus summarizes the session for the orchestrator agent.
var ToolSessionStatus = mcp.Tool{
	Name:        "session_status",
	Description: "Summarize the session: task counts by status, live workers with heartbeat age, and the event backlog.",
	InputSchema: &mcp.InputSchema{
		Type:       "object",
		Properties: map[string]*mcp.PropertySchema{},
	},
}

// ToolEmergencyStop kills a worker and fails its task.
var ToolEmergencyStop = mcp.Tool{
	Name:        "emergency_stop",
	Description: "Immediately stop a worker: close its pane, mark its task failed, remove its workspace. Use when a worker is stuck or misbehaving.",
	InputSchema: &mcp.InputSchema{
		Type: "object",
		Properties: map[string]*mcp.PropertySchema{
			"worker_id": {
				Type:        "string",
				Description: "Worker to stop.",
			},
			"reason": {
				Type:        "string",
				Description: "Why the worker is being stopped; recorded in the task's progress log.",
			},
		},
		Required: []string{"worker_id", "reason"},
	},
}
