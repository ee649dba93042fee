// Package loop is the deterministic kernel of the orchestration session.
// It consumes the store's event log in sequence order, one event at a
// time, and performs every state transition the system makes: spawning
// workers for new tasks, moving tasks through review, tearing down
// finished workers. Agents never change task state directly; they append
// events through their tools and this loop is the only consumer.
package loop

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/aio/internal/agent"
	"github.com/zjrosen/aio/internal/config"
	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/git"
	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/notify"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/store"
	"github.com/zjrosen/aio/internal/tool"
	"github.com/zjrosen/aio/internal/tracing"
)

// batchSize bounds one UnprocessedEvents fetch. The loop refetches until
// the log is drained, so the bound only caps memory, not throughput.
const batchSize = 64

// Workspaces is the worktree lifecycle the loop drives. Satisfied by
// git.Manager.
type Workspaces interface {
	CreateWorkspace(ctx context.Context, taskID, workerID, branch string) (git.Workspace, error)
	RemoveWorkspace(ctx context.Context, path string) error
}

// Deps carries everything the loop needs. Store, Workspaces, Panes, and
// Launcher are required; the rest default sanely.
type Deps struct {
	Store      *store.Store
	Workspaces Workspaces
	Panes      pane.Manager
	Launcher   *agent.Launcher

	// Desktop raises operator notifications. Defaults to a no-op.
	Desktop notify.DesktopNotifier
	// Tracer records one span per dispatch. Defaults to a no-op.
	Tracer trace.Tracer
	// Clock provides time operations. Defaults to notify.RealClock.
	Clock notify.Clock

	// Config supplies the poll interval and retry ceiling.
	Config config.OrchestratorConfig
	// AioDir is the state directory holding generated agent configs.
	AioDir string
	// RepoRoot is where reviewer panes start their shell.
	RepoRoot string
	// Port is the tool server port baked into generated agent configs.
	Port int
	// OrchestratorPane, when set, is the pane reviewer splits hang off.
	OrchestratorPane pane.Handle
}

// Loop consumes unprocessed events in sequence order and dispatches each
// exactly once. Single-threaded: a later event never starts before the
// earlier one finishes, which keeps the task state machine deterministic
// without row locking.
type Loop struct {
	store      *store.Store
	workspaces Workspaces
	panes      pane.Manager
	launcher   *agent.Launcher
	desktop    notify.DesktopNotifier
	tracer     trace.Tracer
	clock      notify.Clock

	interval   time.Duration
	retryLimit int
	aioDir     string
	repoRoot   string
	port       int
	orchPane   pane.Handle

	// retries counts dispatch attempts per event ID. In-memory: a kernel
	// restart resets the count, which only grants a stuck event another
	// round of attempts.
	retries map[string]int
}

// New builds a Loop from deps.
func New(d Deps) *Loop {
	desktop := d.Desktop
	if desktop == nil {
		desktop = notify.NewDesktop(false)
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("loop")
	}
	clock := d.Clock
	if clock == nil {
		clock = notify.RealClock{}
	}
	interval := d.Config.PollInterval
	if interval == 0 {
		interval = time.Second
	}
	retryLimit := d.Config.RetryLimit
	if retryLimit == 0 {
		retryLimit = 10
	}

	return &Loop{
		store:      d.Store,
		workspaces: d.Workspaces,
		panes:      d.Panes,
		launcher:   d.Launcher,
		desktop:    desktop,
		tracer:     tracer,
		clock:      clock,
		interval:   interval,
		retryLimit: retryLimit,
		aioDir:     d.AioDir,
		repoRoot:   d.RepoRoot,
		port:       d.Port,
		orchPane:   d.OrchestratorPane,
		retries:    make(map[string]int),
	}
}

// Run drives the loop until ctx is canceled or a fatal error surfaces.
// The in-flight event always finishes; cancellation is honored between
// events, so shutdown never leaves a half-dispatched transition.
func (l *Loop) Run(ctx context.Context) error {
	log.Info(log.CatLoop, "Orchestrator loop started", "poll_interval", l.interval, "retry_limit", l.retryLimit)

	changes := l.store.Changes().Subscribe(ctx)
	for {
		if err := l.drain(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			log.Info(log.CatLoop, "Orchestrator loop stopped")
			return nil
		}

		timer := l.clock.NewTimer(l.interval)
		select {
		case <-changes:
			// A write landed; rescan immediately. The loop's own
			// mark-processed writes also wake it, costing one empty scan.
			timer.Stop()
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			log.Info(log.CatLoop, "Orchestrator loop stopped")
			return nil
		}
	}
}

// drain processes unprocessed events in seq order until the log is empty,
// an event needs a retry wait, or ctx is canceled. Only fatal errors
// return non-nil.
func (l *Loop) drain(ctx context.Context) error {
	for {
		events, err := l.store.UnprocessedEvents(batchSize)
		if err != nil {
			log.Warn(log.CatLoop, "Event scan failed", "error", err)
			return nil
		}
		if len(events) == 0 {
			return nil
		}

		for _, e := range events {
			if ctx.Err() != nil {
				return nil
			}
			retry, err := l.dispatch(ctx, e)
			if err != nil {
				return err
			}
			if retry {
				// Strict seq order: nothing later runs until this
				// event succeeds or exhausts its retries.
				return nil
			}
		}
	}
}

// dispatch runs one event through its handler and applies the error
// policy. retry=true leaves the event unprocessed for the next pass; a
// non-nil error is fatal and stops the loop.
func (l *Loop) dispatch(ctx context.Context, e event.Event) (retry bool, fatal error) {
	ctx, span := l.tracer.Start(ctx, tracing.SpanPrefixDispatch+string(e.Type), trace.WithAttributes(
		attribute.String(tracing.AttrEventID, e.ID),
		attribute.String(tracing.AttrEventType, string(e.Type)),
		attribute.Int64(tracing.AttrEventSeq, e.Seq),
		attribute.String(tracing.AttrTaskID, e.TaskID),
		attribute.Int(tracing.AttrRetry, l.retries[e.ID]),
	))
	defer span.End()

	err := l.handle(ctx, e)
	if err == nil {
		delete(l.retries, e.ID)
		l.markProcessed(e)
		return false, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch kind := tool.KindOf(err); kind {
	case tool.KindFatal:
		log.Error(log.CatLoop, "Fatal dispatch failure", "seq", e.Seq, "type", e.Type, "error", err)
		return false, err

	case tool.KindTransientIO, tool.KindStorageError:
		l.retries[e.ID]++
		if l.retries[e.ID] < l.retryLimit {
			log.Warn(log.CatLoop, "Dispatch failed, will retry",
				"seq", e.Seq, "type", e.Type, "attempt", l.retries[e.ID], "error", err)
			span.AddEvent(tracing.EventRetryScheduled)
			return true, nil
		}
		log.Error(log.CatLoop, "Retry limit exhausted, failing task",
			"seq", e.Seq, "type", e.Type, "task", e.TaskID, "error", err)
		l.failTask(ctx, e, err)
		delete(l.retries, e.ID)
		l.markProcessed(e)
		return false, nil

	default:
		// invalid_argument, not_found, conflict, precondition_failed:
		// the event can never succeed, so it is consumed and logged.
		log.Warn(log.CatLoop, "Dispatch rejected, marking processed",
			"seq", e.Seq, "type", e.Type, "kind", kind, "error", err)
		return false, nil
	}
}

// handle routes one event to its type handler.
func (l *Loop) handle(ctx context.Context, e event.Event) error {
	switch e.Type {
	case event.TypeTaskCreate:
		return l.handleTaskCreate(ctx, e)
	case event.TypeReviewRequested:
		return l.handleReviewRequested(ctx, e)
	case event.TypeReviewApproved:
		return l.handleReviewApproved(ctx, e)
	case event.TypeReviewDenied:
		return l.handleReviewDenied(ctx, e)
	default:
		return tool.Errorf(tool.KindInvalidArgument, "unknown event type %q", e.Type)
	}
}

// markProcessed consumes the event. This is always the final step of a
// successful dispatch; a crash before it replays the event and the
// handlers converge on existing state.
func (l *Loop) markProcessed(e event.Event) {
	if err := l.store.MarkProcessed(e.ID); err != nil {
		// The next pass redispatches; handlers are replay-safe.
		log.Warn(log.CatLoop, "Mark processed failed", "seq", e.Seq, "error", err)
	}
}

// failTask moves an event's task to failed after its retries ran out.
// For an unspawned task the partial workspace is reclaimed too; live
// workers keep their worktree until the reaper or teardown takes it.
func (l *Loop) failTask(ctx context.Context, e event.Event, cause error) {
	task, err := l.store.GetTask(e.TaskID)
	if err != nil {
		log.Warn(log.CatLoop, "Task lookup failed during failure handling", "task", e.TaskID, "error", err)
		return
	}
	if !task.Status.Terminal() {
		if err := l.store.UpdateTaskStatus(task.ID, store.TaskFailed); err != nil {
			log.Warn(log.CatLoop, "Failing task failed", "task", task.ID, "error", err)
		}
	}
	if e.Type == event.TypeTaskCreate && task.WorktreePath != "" {
		if err := l.workspaces.RemoveWorkspace(ctx, task.WorktreePath); err != nil {
			log.Warn(log.CatLoop, "Partial workspace removal failed", "path", task.WorktreePath, "error", err)
		}
	}
	author := task.WorkerID
	if author == "" {
		author = "orchestrator"
	}
	msg := fmt.Sprintf("%s dispatch failed after %d attempts: %v", e.Type, l.retryLimit, cause)
	if _, err := l.store.AppendProgress(author, task.ID, "failed", msg); err != nil {
		log.Warn(log.CatLoop, "Progress append failed", "task", task.ID, "error", err)
	}
	l.desktop.Notify(ctx, "aio", fmt.Sprintf("Task %s failed (%s dispatch error)", task.ID, e.Type))
}
