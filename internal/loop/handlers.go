package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjrosen/aio/internal/agent"
	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/notify"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/store"
	"github.com/zjrosen/aio/internal/tool"
)

// handleTaskCreate spawns a worker for a freshly submitted task. On
// replay after a partial spawn it resumes from whatever survived: an
// assigned worker with a live pane just gets the status flip, anything
// less is rebuilt under the already-assigned ID.
func (l *Loop) handleTaskCreate(ctx context.Context, e event.Event) error {
	task, err := l.store.GetTask(e.TaskID)
	if err != nil {
		return tool.Classify("loading task", err)
	}
	if task.Status.Terminal() {
		return nil
	}
	if task.Status != store.TaskPending {
		return nil
	}

	if task.WorkerID != "" {
		w, err := l.store.GetWorker(task.WorkerID)
		if err == nil {
			if l.panes.Alive(pane.Handle(w.PaneHandle)) {
				return l.markInProgress(task, e)
			}
			// Stale row from a dead pane; respawn under the same ID.
			if err := l.store.RemoveWorker(task.WorkerID); err != nil && !errors.Is(err, store.ErrWorkerNotFound) {
				return tool.Classify("clearing stale worker", err)
			}
		}
	}
	return l.spawnWorker(ctx, e, task)
}

// spawnWorker provisions the full worker stack: worktree, generated tool
// config, pane, launch command, registration. Failures before the pane
// opens leave only durable rows behind, which the replay path adopts.
func (l *Loop) spawnWorker(ctx context.Context, e event.Event, task store.Task) error {
	workerID := task.WorkerID
	if workerID == "" {
		var err error
		workerID, err = l.store.NextWorkerID()
		if err != nil {
			return tool.Classify("allocating worker id", err)
		}
	}

	ws, err := l.workspaces.CreateWorkspace(ctx, task.ID, workerID, task.BranchName)
	if err != nil {
		return tool.WrapErr(tool.KindTransientIO, "creating workspace", err)
	}
	if err := l.store.AssignWorker(task.ID, workerID, ws.Path, ws.Branch); err != nil {
		return tool.Classify("assigning worker", err)
	}

	cfgPath, err := agent.WriteConfig(l.aioDir, l.port, agent.RoleWorker, workerID)
	if err != nil {
		return tool.WrapErr(tool.KindTransientIO, "writing agent config", err)
	}
	cmd, err := l.launcher.Command(agent.LaunchSpec{
		Role:         agent.RoleWorker,
		AgentID:      workerID,
		ConfigPath:   cfgPath,
		SystemPrompt: agent.SystemPrompt(agent.RoleWorker),
		Prompt:       agent.WorkerPrompt(task.ID, task.Description, task.Context, ws.Branch),
		Env: map[string]string{
			"AIO_TASK_ID":   task.ID,
			"AIO_WORKER_ID": workerID,
			"AIO_WORKSPACE": ws.Path,
			"AIO_BRANCH":    ws.Branch,
			"AIO_PORT":      fmt.Sprintf("%d", l.port),
		},
	})
	if err != nil {
		return tool.WrapErr(tool.KindInvalidArgument, "composing launch command", err)
	}

	h, err := l.panes.Open(ctx, ws.Path, string(agent.RoleWorker), workerID)
	if err != nil {
		return tool.WrapErr(tool.KindTransientIO, "opening worker pane", err)
	}
	if err := l.panes.SendText(ctx, h, cmd, true); err != nil {
		l.closePane(ctx, h)
		return tool.WrapErr(tool.KindTransientIO, "launching worker", err)
	}

	if _, err := l.store.RegisterWorker(store.Worker{
		ID:         workerID,
		Status:     store.WorkerRunning,
		TaskID:     task.ID,
		PaneHandle: string(h),
	}); err != nil {
		l.closePane(ctx, h)
		return tool.Classify("registering worker", err)
	}

	task.WorkerID = workerID
	if err := l.markInProgress(task, e); err != nil {
		return err
	}
	log.Info(log.CatLoop, "Worker spawned", "worker", workerID, "task", task.ID, "branch", ws.Branch, "pane", h)
	return nil
}

// markInProgress flips the task out of pending and seeds the worker's
// delivery cursor at the spawning event, so wake-ups only cover events
// from after its birth.
func (l *Loop) markInProgress(task store.Task, e event.Event) error {
	if err := l.store.UpdateTaskStatus(task.ID, store.TaskInProgress); err != nil {
		return tool.Classify("starting task", err)
	}
	if err := l.store.CursorPut(task.WorkerID, e.Seq); err != nil {
		log.Warn(log.CatLoop, "Cursor seed failed", "worker", task.WorkerID, "error", err)
	}
	return nil
}

// handleReviewRequested moves the task into review and makes sure a
// reviewer exists to pick it up. The worker's tool already recorded the
// PR URL before this event was appended.
func (l *Loop) handleReviewRequested(ctx context.Context, e event.Event) error {
	task, err := l.store.GetTask(e.TaskID)
	if err != nil {
		return tool.Classify("loading task", err)
	}
	switch {
	case task.Status == store.TaskInProgress:
		if err := l.store.UpdateTaskStatus(task.ID, store.TaskReview); err != nil {
			return tool.Classify("moving task to review", err)
		}
	case task.Status == store.TaskReview:
		// Replay after a crash between the flip and the reviewer spawn.
	case task.Status.Terminal():
		return nil
	default:
		return tool.Errorf(tool.KindPreconditionFailed,
			"task %s is %s, review needs in_progress", task.ID, task.Status)
	}
	return l.ensureReviewer(ctx, e)
}

// ensureReviewer reuses a live reviewer pane or spawns one. Reviewers are
// worker rows without a task; they pull work through claim_next_review
// rather than being assigned.
func (l *Loop) ensureReviewer(ctx context.Context, e event.Event) error {
	workers, err := l.store.ListWorkers()
	if err != nil {
		return tool.Classify("listing workers", err)
	}
	maxN := 0
	for _, w := range workers {
		if w.TaskID != "" {
			continue
		}
		if l.panes.Alive(pane.Handle(w.PaneHandle)) {
			// The notifier nudges it about the new request.
			return nil
		}
		// Dead reviewer pane; clear the row so the ID sequence stays dense.
		if err := l.store.RemoveWorker(w.ID); err != nil && !errors.Is(err, store.ErrWorkerNotFound) {
			return tool.Classify("removing dead reviewer", err)
		}
		var n int
		if _, err := fmt.Sscanf(w.ID, "reviewer-%d", &n); err == nil && n > maxN {
			maxN = n
		}
	}
	return l.spawnReviewer(ctx, e, fmt.Sprintf("reviewer-%d", maxN+1))
}

// spawnReviewer opens a reviewer pane at the repo root. When the session
// recorded an orchestrator pane the reviewer splits off it, keeping the
// operator's layout stable.
func (l *Loop) spawnReviewer(ctx context.Context, e event.Event, reviewerID string) error {
	cfgPath, err := agent.WriteConfig(l.aioDir, l.port, agent.RoleReviewer, reviewerID)
	if err != nil {
		return tool.WrapErr(tool.KindTransientIO, "writing agent config", err)
	}
	cmd, err := l.launcher.Command(agent.LaunchSpec{
		Role:         agent.RoleReviewer,
		AgentID:      reviewerID,
		ConfigPath:   cfgPath,
		SystemPrompt: agent.SystemPrompt(agent.RoleReviewer),
		Prompt:       agent.ReviewerPrompt(),
		Env: map[string]string{
			"AIO_PORT": fmt.Sprintf("%d", l.port),
		},
	})
	if err != nil {
		return tool.WrapErr(tool.KindInvalidArgument, "composing launch command", err)
	}

	var h pane.Handle
	if l.orchPane != "" {
		h, err = l.panes.Split(ctx, l.orchPane, pane.SideBelow, l.repoRoot)
	} else {
		h, err = l.panes.Open(ctx, l.repoRoot, string(agent.RoleReviewer), reviewerID)
	}
	if err != nil {
		return tool.WrapErr(tool.KindTransientIO, "opening reviewer pane", err)
	}
	if err := l.panes.SendText(ctx, h, cmd, true); err != nil {
		l.closePane(ctx, h)
		return tool.WrapErr(tool.KindTransientIO, "launching reviewer", err)
	}

	if _, err := l.store.RegisterWorker(store.Worker{
		ID:         reviewerID,
		Status:     store.WorkerRunning,
		PaneHandle: string(h),
	}); err != nil {
		l.closePane(ctx, h)
		return tool.Classify("registering reviewer", err)
	}
	// Seed past the spawning event; the initial prompt already tells the
	// reviewer to claim.
	if err := l.store.CursorPut(reviewerID, e.Seq); err != nil {
		log.Warn(log.CatLoop, "Cursor seed failed", "reviewer", reviewerID, "error", err)
	}
	log.Info(log.CatLoop, "Reviewer spawned", "reviewer", reviewerID, "pane", h)
	return nil
}

// handleReviewApproved completes the task and tears the worker down. The
// worktree is removed only after the pane closes so nothing is yanked out
// from under a running process.
func (l *Loop) handleReviewApproved(ctx context.Context, e event.Event) error {
	task, err := l.store.GetTask(e.TaskID)
	if err != nil {
		return tool.Classify("loading task", err)
	}
	if task.Status == store.TaskCompleted {
		return l.teardownWorker(ctx, task)
	}
	if task.Status == store.TaskFailed {
		return nil
	}
	if task.Status != store.TaskReview {
		return tool.Errorf(tool.KindPreconditionFailed,
			"task %s is %s, approval needs review", task.ID, task.Status)
	}

	if err := l.store.UpdateTaskStatus(task.ID, store.TaskCompleted); err != nil {
		return tool.Classify("completing task", err)
	}
	if err := l.teardownWorker(ctx, task); err != nil {
		return err
	}

	body := fmt.Sprintf("Task %s completed", task.ID)
	if task.PRURL != "" {
		body = fmt.Sprintf("Task %s completed; PR ready: %s", task.ID, task.PRURL)
	}
	l.desktop.Notify(ctx, "aio", body)
	log.Info(log.CatLoop, "Task completed", "task", task.ID, "pr", task.PRURL)
	return nil
}

// teardownWorker reclaims a finished worker's pane, worktree, and row.
// Each step is independent: one failing never strands the others, and a
// replay only redoes what is still standing.
func (l *Loop) teardownWorker(ctx context.Context, task store.Task) error {
	if task.WorkerID == "" {
		return nil
	}
	w, err := l.store.GetWorker(task.WorkerID)
	if err == nil {
		l.closePane(ctx, pane.Handle(w.PaneHandle))
	}

	if task.WorktreePath != "" {
		if err := l.workspaces.RemoveWorkspace(ctx, task.WorktreePath); err != nil {
			log.Warn(log.CatLoop, "Workspace removal failed", "path", task.WorktreePath, "error", err)
		}
	}
	if err := l.store.RemoveWorker(task.WorkerID); err != nil && !errors.Is(err, store.ErrWorkerNotFound) {
		log.Warn(log.CatLoop, "Worker removal failed", "worker", task.WorkerID, "error", err)
	}
	return nil
}

// handleReviewDenied sends the task back to its worker with the verdict.
// The wake-up is delivered directly here rather than waiting for the
// notifier tick, then the worker's cursor is advanced so the notifier
// does not repeat it.
func (l *Loop) handleReviewDenied(ctx context.Context, e event.Event) error {
	task, err := l.store.GetTask(e.TaskID)
	if err != nil {
		return tool.Classify("loading task", err)
	}
	if task.Status.Terminal() {
		return nil
	}
	switch task.Status {
	case store.TaskReview:
		if err := l.store.UpdateTaskStatus(task.ID, store.TaskInProgress); err != nil {
			return tool.Classify("reopening task", err)
		}
	case store.TaskInProgress:
		if seq, err := l.store.CursorGet(task.WorkerID); err == nil && seq >= e.Seq {
			return nil // replay after the wake-up already landed
		}
	default:
		return tool.Errorf(tool.KindPreconditionFailed,
			"task %s is %s, denial needs review", task.ID, task.Status)
	}

	if err := l.store.ReleaseReviewClaim(task.ID); err != nil {
		log.Warn(log.CatLoop, "Claim release failed", "task", task.ID, "error", err)
	}

	w, err := l.store.GetWorker(task.WorkerID)
	if err != nil {
		// Worker already reaped; the task will fail or be resubmitted.
		log.Warn(log.CatLoop, "Denied task has no worker", "task", task.ID, "worker", task.WorkerID)
		return nil
	}
	hint := notify.WorkerHint([]event.Type{event.TypeReviewDenied})
	if err := l.panes.SendText(ctx, pane.Handle(w.PaneHandle), hint, true); err != nil {
		if errors.Is(err, pane.ErrPaneNotFound) {
			log.Warn(log.CatLoop, "Denied task's worker pane is gone", "task", task.ID, "worker", w.ID)
			return nil
		}
		return tool.WrapErr(tool.KindTransientIO, "waking worker", err)
	}
	if err := l.store.CursorPut(task.WorkerID, e.Seq); err != nil {
		log.Warn(log.CatLoop, "Cursor advance failed", "worker", task.WorkerID, "error", err)
	}
	log.Info(log.CatLoop, "Task sent back to worker", "task", task.ID, "worker", w.ID)
	return nil
}

// closePane closes a pane, logging rather than propagating failure.
func (l *Loop) closePane(ctx context.Context, h pane.Handle) {
	if err := l.panes.Close(ctx, h); err != nil {
		log.Warn(log.CatLoop, "Pane close failed", "pane", h, "error", err)
	}
}
