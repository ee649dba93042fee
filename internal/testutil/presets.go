package testutil

import (
	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/store"
)

// WithStandardPipeline seeds one task in every lifecycle stage plus the
// workers and events that would have produced them.
func (b *Builder) WithStandardPipeline() *Builder {
	return b.
		WithTask("task-pending",
			Description("Add retry to the fetch layer")).
		WithTask("task-active",
			Description("Fix login redirect loop"),
			Status(store.TaskInProgress),
			AssignedTo("worker-1", "/repo/.worktrees/worker-1", "task/aaaa1111")).
		WithTask("task-review",
			Description("Migrate settings storage"),
			Status(store.TaskReview),
			AssignedTo("worker-2", "/repo/.worktrees/worker-2", "task/bbbb2222"),
			PRURL("https://github.com/org/repo/pull/7")).
		WithTask("task-done",
			Description("Bump linter version"),
			Status(store.TaskCompleted),
			PRURL("https://github.com/org/repo/pull/5")).
		WithTask("task-failed",
			Description("Spike that went nowhere"),
			Status(store.TaskFailed)).
		WithWorker("worker-1", OnTask("task-active"), InPane("%11")).
		WithWorker("worker-2", OnTask("task-review"), InPane("%12")).
		WithEvent(event.TypeTaskCreate, "task-pending", event.TaskCreatePayload{
			TaskID:      "task-pending",
			Description: "Add retry to the fetch layer",
		}).
		WithEvent(event.TypeReviewRequested, "task-review", event.ReviewRequestedPayload{
			TaskID:  "task-review",
			PRURL:   "https://github.com/org/repo/pull/7",
			Summary: "storage migrated behind a feature flag",
		})
}
