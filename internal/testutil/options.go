package testutil

import "github.com/zjrosen/aio/internal/store"

// taskData holds all data for a task to be inserted.
type taskData struct {
	id           string
	description  string
	context      string
	status       store.TaskStatus
	workerID     string
	worktreePath string
	branchName   string
	prURL        string
}

func defaultTask(id string) taskData {
	return taskData{
		id:          id,
		description: "task " + id,
		status:      store.TaskPending,
	}
}

// TaskOption configures a task being built.
type TaskOption func(*taskData)

// Description sets the task description.
func Description(d string) TaskOption {
	return func(td *taskData) { td.description = d }
}

// Context sets the planner-supplied context blob.
func Context(c string) TaskOption {
	return func(td *taskData) { td.context = c }
}

// Status advances the task to the given lifecycle status.
func Status(s store.TaskStatus) TaskOption {
	return func(td *taskData) { td.status = s }
}

// AssignedTo records the worker and workspace for the task.
func AssignedTo(workerID, worktreePath, branchName string) TaskOption {
	return func(td *taskData) {
		td.workerID = workerID
		td.worktreePath = worktreePath
		td.branchName = branchName
	}
}

// PRURL sets the task's pull request URL.
func PRURL(url string) TaskOption {
	return func(td *taskData) { td.prURL = url }
}

// workerData holds all data for a worker to be registered.
type workerData struct {
	id         string
	status     store.WorkerStatus
	taskID     string
	paneHandle string
}

func defaultWorker(id string) workerData {
	return workerData{
		id:     id,
		status: store.WorkerRunning,
	}
}

// WorkerOption configures a worker being built.
type WorkerOption func(*workerData)

// OnTask points the worker at a task.
func OnTask(taskID string) WorkerOption {
	return func(wd *workerData) { wd.taskID = taskID }
}

// InPane records the pane handle hosting the worker.
func InPane(handle string) WorkerOption {
	return func(wd *workerData) { wd.paneHandle = handle }
}

// Idle marks the worker idle instead of running.
func Idle() WorkerOption {
	return func(wd *workerData) { wd.status = store.WorkerIdle }
}
