package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/store"
)

// Builder accumulates test data and inserts it in the correct order:
// tasks first, then workers, then events, so rows referenced by later
// inserts already exist.
type Builder struct {
	t       *testing.T
	s       *store.Store
	tasks   []taskData
	workers []workerData
	events  []event.Event
}

// NewBuilder creates a builder for the given test store.
func NewBuilder(t *testing.T, s *store.Store) *Builder {
	t.Helper()
	return &Builder{t: t, s: s}
}

// WithTask adds a task with optional configuration.
func (b *Builder) WithTask(id string, opts ...TaskOption) *Builder {
	task := defaultTask(id)
	for _, opt := range opts {
		opt(&task)
	}
	b.tasks = append(b.tasks, task)
	return b
}

// WithWorker adds a registered worker.
func (b *Builder) WithWorker(id string, opts ...WorkerOption) *Builder {
	worker := defaultWorker(id)
	for _, opt := range opts {
		opt(&worker)
	}
	b.workers = append(b.workers, worker)
	return b
}

// WithEvent appends a typed event for a task. The payload is marshaled
// through event.New, so it must be JSON-encodable.
func (b *Builder) WithEvent(typ event.Type, taskID string, payload any) *Builder {
	e, err := event.New(typ, taskID, payload)
	require.NoError(b.t, err, "building event for %s", taskID)
	b.events = append(b.events, e)
	return b
}

// Build inserts all accumulated data and returns the store for chaining.
func (b *Builder) Build() *store.Store {
	b.t.Helper()

	for _, td := range b.tasks {
		_, err := b.s.CreateTask(store.Task{
			ID:          td.id,
			Description: td.description,
			Context:     td.context,
		})
		require.NoError(b.t, err, "inserting task %s", td.id)

		if td.workerID != "" {
			err := b.s.AssignWorker(td.id, td.workerID, td.worktreePath, td.branchName)
			require.NoError(b.t, err, "assigning worker to %s", td.id)
		}
		for _, step := range statusPath(td.status) {
			require.NoError(b.t, b.s.UpdateTaskStatus(td.id, step),
				"advancing task %s to %s", td.id, step)
		}
		if td.prURL != "" {
			require.NoError(b.t, b.s.SetPRURL(td.id, td.prURL), "setting pr url on %s", td.id)
		}
	}

	for _, wd := range b.workers {
		_, err := b.s.RegisterWorker(store.Worker{
			ID:         wd.id,
			Status:     wd.status,
			TaskID:     wd.taskID,
			PaneHandle: wd.paneHandle,
		})
		require.NoError(b.t, err, "registering worker %s", wd.id)
	}

	for _, e := range b.events {
		_, err := b.s.AppendEvent(e)
		require.NoError(b.t, err, "appending %s event", e.Type)
	}

	return b.s
}

// statusPath returns the legal transition chain from pending to target.
func statusPath(target store.TaskStatus) []store.TaskStatus {
	switch target {
	case store.TaskInProgress:
		return []store.TaskStatus{store.TaskInProgress}
	case store.TaskReview:
		return []store.TaskStatus{store.TaskInProgress, store.TaskReview}
	case store.TaskCompleted:
		return []store.TaskStatus{store.TaskInProgress, store.TaskReview, store.TaskCompleted}
	case store.TaskFailed:
		return []store.TaskStatus{store.TaskFailed}
	default:
		return nil
	}
}
