package store

import "time"

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskReview, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransition reports whether a task may move from s to target. Tasks
// only move forward, with two exceptions: review backs off to in_progress
// on denial, and anything non-terminal can fail (spawn errors, heartbeat
// timeouts, emergency stops).
func (s TaskStatus) CanTransition(target TaskStatus) bool {
	if !target.Valid() || s.Terminal() {
		return false
	}
	if target == TaskFailed {
		return true
	}
	switch s {
	case TaskPending:
		return target == TaskInProgress
	case TaskInProgress:
		return target == TaskReview
	case TaskReview:
		return target == TaskCompleted || target == TaskInProgress
	}
	return false
}

// Task is one unit of work moving toward a PR.
type Task struct {
	ID              string
	Status          TaskStatus
	WorkerID        string // empty until a worker is assigned
	Description     string
	Context         string
	WorktreePath    string
	BranchName      string
	PRURL           string
	ReviewClaimedBy string // empty unless a reviewer holds the claim
	ReviewClaimedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WorkerStatus is a worker's lifecycle state.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerRunning WorkerStatus = "running"
)

// Worker is one live agent process registered with the kernel.
type Worker struct {
	ID            string
	Status        WorkerStatus
	TaskID        string
	PaneHandle    string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// SessionState is a CLI session's lifecycle state.
type SessionState string

const (
	SessionRunning SessionState = "running"
	SessionStopped SessionState = "stopped"
)

// Session is one `aio start` invocation: a planner pane, an orchestrator
// pane, and the kernel process between them.
type Session struct {
	ID               int64
	GUID             string
	WindowName       string
	RepoRoot         string
	State            SessionState
	PlannerPane      string
	OrchestratorPane string
	Port             int
	PID              int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProgressEntry is one worker progress line. Progress is observability
// only; it never produces events.
type ProgressEntry struct {
	ID        int64
	WorkerID  string
	TaskID    string
	Status    string
	Message   string
	CreatedAt time.Time
}
