package tool

import (
	"encoding/json"
	"time"
)

// SubmitTaskResponse is the structured result of submit_task.
type SubmitTaskResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Branch   string `json:"branch"`
	EventSeq int64  `json:"event_seq"`
}

// TaskView is one task row as agents see it.
type TaskView struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Description string    `json:"description"`
	PRURL       string    `json:"pr_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListTasksResponse is the structured result of list_tasks.
type ListTasksResponse struct {
	Tasks []TaskView `json:"tasks"`
	Count int        `json:"count"`
}

// HeartbeatResponse is the structured result of heartbeat.
type HeartbeatResponse struct {
	WorkerID string    `json:"worker_id"`
	At       time.Time `json:"at"`
}

// ProgressResponse is the structured result of progress.
type ProgressResponse struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
}

// CreatePRResponse is the structured result of create_pr.
type CreatePRResponse struct {
	TaskID string `json:"task_id"`
	PRURL  string `json:"pr_url"`
	// Existing is true when an earlier call already opened the PR and
	// this call returned its URL instead of opening another.
	Existing bool `json:"existing,omitempty"`
}

// EventView is one event as agents see it.
type EventView struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CheckEventsResponse is the structured result of check_events.
type CheckEventsResponse struct {
	TaskID     string      `json:"task_id,omitempty"`
	TaskStatus string      `json:"task_status,omitempty"`
	Events     []EventView `json:"events"`
	// LatestSeq is the highest seq in Events; pass it as after_seq on the
	// next call to read only newer events.
	LatestSeq int64 `json:"latest_seq,omitempty"`
	// ShouldTerminate tells the worker its task is finished and the
	// process must exit.
	ShouldTerminate bool `json:"should_terminate"`
}

// ExecuteCommandResponse is the structured result of execute_command.
type ExecuteCommandResponse struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Blocked    bool   `json:"blocked,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	Background bool   `json:"background,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// ReviewTask is the task a reviewer claimed.
type ReviewTask struct {
	TaskID       string    `json:"task_id"`
	Description  string    `json:"description"`
	Context      string    `json:"context,omitempty"`
	PRURL        string    `json:"pr_url"`
	Branch       string    `json:"branch"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"`
	ClaimedAt    time.Time `json:"claimed_at"`
}

// ClaimReviewResponse is the structured result of claim_next_review.
type ClaimReviewResponse struct {
	Found bool        `json:"found"`
	Task  *ReviewTask `json:"task,omitempty"`
}

// SubmitReviewResponse is the structured result of submit_review.
type SubmitReviewResponse struct {
	TaskID   string `json:"task_id"`
	Approved bool   `json:"approved"`
	EventSeq int64  `json:"event_seq"`
}

// WorkerView is one live worker as the orchestrator sees it.
type WorkerView struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	TaskID              string `json:"task_id,omitempty"`
	PaneHandle          string `json:"pane_handle,omitempty"`
	HeartbeatAgeSeconds int64  `json:"heartbeat_age_seconds"`
}

// SessionStatusResponse is the structured result of session_status.
type SessionStatusResponse struct {
	TaskCounts        map[string]int `json:"task_counts"`
	Workers           []WorkerView   `json:"workers"`
	UnprocessedEvents int            `json:"unprocessed_events"`
	MaxSeq            int64          `json:"max_seq"`
}

// EmergencyStopResponse is the structured result of emergency_stop.
type EmergencyStopResponse struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id,omitempty"`
	Reason   string `json:"reason"`
}
