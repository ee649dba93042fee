// Package reaper tears down workers whose heartbeat has stalled. Agents
// heartbeat on a cadence their prompt demands; a worker that goes silent
// past the timeout is presumed dead or wedged, its task has no future,
// and its pane and worktree are reclaimed. Reaping is cleanup, not
// business logic: it appends no events, so the loop never reacts to it.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/notify"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/store"
)

const (
	// DefaultInterval is the default sweep cadence.
	DefaultInterval = 5 * time.Second
	// DefaultTimeout is the default heartbeat staleness threshold.
	DefaultTimeout = 30 * time.Second
)

// WorkspaceRemover tears down a worker's worktree. Satisfied by
// git.Manager.
type WorkspaceRemover interface {
	RemoveWorkspace(ctx context.Context, path string) error
}

// Config holds configuration for creating a Reaper.
type Config struct {
	// Interval is the sweep cadence. Defaults to DefaultInterval if zero.
	Interval time.Duration
	// Timeout is the heartbeat staleness threshold. Defaults to
	// DefaultTimeout if zero.
	Timeout time.Duration
	// Store is the kernel store. Required.
	Store *store.Store
	// Panes closes dead workers' panes. Required.
	Panes pane.Manager
	// Workspaces removes dead workers' worktrees. Required.
	Workspaces WorkspaceRemover
	// Desktop raises the operator notification. Defaults to a no-op.
	Desktop notify.DesktopNotifier
	// Clock provides time operations. Defaults to notify.RealClock.
	Clock notify.Clock
}

// Reaper periodically sweeps for stale workers and reclaims their
// resources. Reviewers never heartbeat, so rows without a task are
// exempt; the session teardown owns those.
type Reaper struct {
	interval   time.Duration
	timeout    time.Duration
	clock      notify.Clock
	store      *store.Store
	panes      pane.Manager
	workspaces WorkspaceRemover
	desktop    notify.DesktopNotifier

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Reaper from the given configuration.
func New(cfg Config) *Reaper {
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = notify.RealClock{}
	}
	desktop := cfg.Desktop
	if desktop == nil {
		desktop = notify.NewDesktop(false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		interval:   interval,
		timeout:    timeout,
		clock:      clock,
		store:      cfg.Store,
		panes:      cfg.Panes,
		workspaces: cfg.Workspaces,
		desktop:    desktop,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start begins the sweep loop. Safe to call only once.
func (r *Reaper) Start() {
	go r.loop()
}

// Stop terminates the loop and blocks until it has exited. Safe to call
// multiple times, and before Start.
func (r *Reaper) Stop() {
	r.cancel()
	r.closeDone()
	<-r.done
}

func (r *Reaper) closeDone() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Reaper) loop() {
	defer r.closeDone()

	for {
		timer := r.clock.NewTimer(r.interval)
		select {
		case <-timer.C():
			r.Sweep(r.ctx)
		case <-r.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Sweep runs one staleness pass over all registered workers.
func (r *Reaper) Sweep(ctx context.Context) {
	workers, err := r.store.ListWorkers()
	if err != nil {
		log.Warn(log.CatReaper, "Worker scan failed", "error", err)
		return
	}

	now := r.clock.Now()
	for _, w := range workers {
		if w.TaskID == "" {
			continue
		}
		age := now.Sub(w.LastHeartbeat)
		if age <= r.timeout {
			continue
		}
		r.reap(ctx, w, age)
	}
}

// reap reclaims one stale worker: fail the task, close the pane, remove
// the worktree, remove the worker row, tell the human. Each step is
// independent so a partial failure still frees what it can; the next
// sweep retries whatever survived.
func (r *Reaper) reap(ctx context.Context, w store.Worker, age time.Duration) {
	log.Warn(log.CatReaper, "Worker heartbeat stalled, reaping",
		"worker", w.ID, "task", w.TaskID, "age", age.Round(time.Second))

	task, err := r.store.GetTask(w.TaskID)
	haveTask := err == nil
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		// Orphan worker row; nothing to fail, still tear the rest down.
	case err != nil:
		log.Warn(log.CatReaper, "Task read failed, deferring reap", "task", w.TaskID, "error", err)
		return
	default:
		if !task.Status.Terminal() {
			if err := r.store.UpdateTaskStatus(task.ID, store.TaskFailed); err != nil {
				log.Warn(log.CatReaper, "Failing task failed", "task", task.ID, "error", err)
			}
		}
		if _, err := r.store.AppendProgress(w.ID, w.TaskID, "failed",
			fmt.Sprintf("heartbeat timeout after %s", age.Round(time.Second))); err != nil {
			log.Warn(log.CatReaper, "Progress append failed", "worker", w.ID, "error", err)
		}
	}

	if w.PaneHandle != "" {
		if err := r.panes.Close(ctx, pane.Handle(w.PaneHandle)); err != nil {
			log.Warn(log.CatReaper, "Pane close failed", "pane", w.PaneHandle, "error", err)
		}
	}
	if haveTask && task.WorktreePath != "" {
		if err := r.workspaces.RemoveWorkspace(ctx, task.WorktreePath); err != nil {
			log.Warn(log.CatReaper, "Workspace removal failed", "path", task.WorktreePath, "error", err)
		}
	}
	if err := r.store.RemoveWorker(w.ID); err != nil && !errors.Is(err, store.ErrWorkerNotFound) {
		log.Warn(log.CatReaper, "Worker removal failed", "worker", w.ID, "error", err)
	}

	r.desktop.Notify(ctx, "aio", fmt.Sprintf("Task %s failed (heartbeat timeout)", w.TaskID))
}
