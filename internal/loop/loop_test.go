package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/aio/internal/agent"
	"github.com/zjrosen/aio/internal/config"
	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/git"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/store"
	"github.com/zjrosen/aio/internal/testutil"
)

// paneOpen is one recorded Open call.
type paneOpen struct {
	cwd     string
	roleTag string
	title   string
}

// paneSplit is one recorded Split call.
type paneSplit struct {
	base pane.Handle
	side pane.Side
	cwd  string
}

// paneSend is one recorded SendText call.
type paneSend struct {
	handle pane.Handle
	text   string
	submit bool
}

// mockPaneManager implements pane.Manager with sequential handles and
// recorded calls.
type mockPaneManager struct {
	mu       sync.Mutex
	next     int
	opens    []paneOpen
	splits   []paneSplit
	sends    []paneSend
	closed   []pane.Handle
	alive    map[pane.Handle]bool
	failOpen error
	failSend map[pane.Handle]error
}

func newMockPaneManager() *mockPaneManager {
	return &mockPaneManager{
		alive:    make(map[pane.Handle]bool),
		failSend: make(map[pane.Handle]error),
	}
}

func (m *mockPaneManager) newHandle() pane.Handle {
	m.next++
	h := pane.Handle(fmt.Sprintf("%%%d", m.next))
	m.alive[h] = true
	return h
}

func (m *mockPaneManager) Open(_ context.Context, cwd, roleTag, title string) (pane.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOpen != nil {
		return "", m.failOpen
	}
	m.opens = append(m.opens, paneOpen{cwd: cwd, roleTag: roleTag, title: title})
	return m.newHandle(), nil
}

func (m *mockPaneManager) Split(_ context.Context, base pane.Handle, side pane.Side, cwd string) (pane.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOpen != nil {
		return "", m.failOpen
	}
	m.splits = append(m.splits, paneSplit{base: base, side: side, cwd: cwd})
	return m.newHandle(), nil
}

func (m *mockPaneManager) SendText(_ context.Context, h pane.Handle, text string, submit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failSend[h]; err != nil {
		return err
	}
	m.sends = append(m.sends, paneSend{handle: h, text: text, submit: submit})
	return nil
}

func (m *mockPaneManager) Close(_ context.Context, h pane.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, h)
	m.alive[h] = false
	return nil
}

func (m *mockPaneManager) Alive(h pane.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive[h]
}

func (m *mockPaneManager) sendsTo(h pane.Handle) []paneSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []paneSend
	for _, s := range m.sends {
		if s.handle == h {
			out = append(out, s)
		}
	}
	return out
}

// mockWorkspaces implements Workspaces without touching git.
type mockWorkspaces struct {
	mu         sync.Mutex
	created    []git.Workspace
	removed    []string
	failCreate error
}

func (m *mockWorkspaces) CreateWorkspace(_ context.Context, taskID, workerID, branch string) (git.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return git.Workspace{}, m.failCreate
	}
	if branch == "" {
		branch = "task/" + taskID
	}
	ws := git.Workspace{
		TaskID:   taskID,
		WorkerID: workerID,
		Path:     filepath.Join("/repo/.worktrees", workerID),
		Branch:   branch,
	}
	m.created = append(m.created, ws)
	return ws, nil
}

func (m *mockWorkspaces) RemoveWorkspace(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	return nil
}

// mockDesktop records desktop notifications.
type mockDesktop struct {
	mu     sync.Mutex
	bodies []string
}

func (m *mockDesktop) Notify(_ context.Context, _, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, body)
}

func (m *mockDesktop) Bodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bodies...)
}

type loopFixture struct {
	store      *store.Store
	panes      *mockPaneManager
	workspaces *mockWorkspaces
	desktop    *mockDesktop
	loop       *Loop
	aioDir     string
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()

	s := testutil.NewTestStore(t)
	panes := newMockPaneManager()
	workspaces := &mockWorkspaces{}
	desktop := &mockDesktop{}
	aioDir := t.TempDir()

	l := New(Deps{
		Store:      s,
		Workspaces: workspaces,
		Panes:      panes,
		Launcher:   agent.NewLauncher(config.Defaults()),
		Desktop:    desktop,
		Config: config.OrchestratorConfig{
			PollInterval: time.Hour,
			RetryLimit:   3,
		},
		AioDir:   aioDir,
		RepoRoot: "/repo",
		Port:     7777,
	})

	return &loopFixture{
		store:      s,
		panes:      panes,
		workspaces: workspaces,
		desktop:    desktop,
		loop:       l,
		aioDir:     aioDir,
	}
}

// drain runs the loop's dispatch pass once and asserts it saw no fatal
// error.
func (f *loopFixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.loop.drain(context.Background()), "drain should not be fatal")
}

// requireProcessed asserts the log holds no unprocessed events.
func (f *loopFixture) requireProcessed(t *testing.T) {
	t.Helper()
	pending, err := f.store.UnprocessedEvents(10)
	require.NoError(t, err, "scanning events should succeed")
	require.Empty(t, pending, "all events should be processed")
}

func TestLoop_TaskCreateSpawnsWorker(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.Description("add caching")).
		WithEvent(event.TypeTaskCreate, "t1", event.TaskCreatePayload{TaskID: "t1", Description: "add caching"}).
		Build()

	f.drain(t)

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskInProgress, task.Status, "dispatched task should be in progress")
	require.Equal(t, "worker-1", task.WorkerID, "first worker gets the first ID")
	require.Equal(t, "/repo/.worktrees/worker-1", task.WorktreePath, "worktree should be recorded")
	require.Equal(t, "task/t1", task.BranchName, "branch should derive from the task ID")

	w, err := f.store.GetWorker("worker-1")
	require.NoError(t, err, "worker should be registered")
	require.Equal(t, "t1", w.TaskID, "worker should carry its task")
	require.Equal(t, store.WorkerRunning, w.Status, "spawned worker should be running")
	require.NotEmpty(t, w.PaneHandle, "worker should have a pane")

	require.Len(t, f.panes.opens, 1, "one pane should open")
	require.Equal(t, "/repo/.worktrees/worker-1", f.panes.opens[0].cwd, "pane should start in the worktree")

	sends := f.panes.sendsTo(pane.Handle(w.PaneHandle))
	require.Len(t, sends, 1, "launch command should be typed into the pane")
	require.True(t, sends[0].submit, "launch command should be submitted")
	cmd := sends[0].text
	require.Contains(t, cmd, "claude --model sonnet", "default client should be claude")
	require.Contains(t, cmd, "--mcp-config", "launch should reference the generated config")
	require.Contains(t, cmd, "worker-1.json", "config should be the worker's own")
	require.Contains(t, cmd, "AIO_TASK_ID=t1", "task env should be set")
	require.Contains(t, cmd, "AIO_PORT=7777", "port env should be set")
	require.Contains(t, cmd, "--dangerously-skip-permissions", "worker is fenced, prompts are skipped")

	cfgPath := filepath.Join(f.aioDir, ".generated", "worker-1.json")
	_, err = os.Stat(cfgPath)
	require.NoError(t, err, "generated config should exist on disk")

	events, err := f.store.EventsSince(0)
	require.NoError(t, err, "listing events should succeed")
	seq, err := f.store.CursorGet("worker-1")
	require.NoError(t, err, "worker cursor should exist")
	require.Equal(t, events[0].Seq, seq, "cursor should be seeded at the spawn event")

	f.requireProcessed(t)
}

func TestLoop_TaskCreateReplayWithLiveWorkerOnlyFlipsStatus(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1")).
		WithWorker("worker-1", testutil.OnTask("t1"), testutil.InPane("%9")).
		WithEvent(event.TypeTaskCreate, "t1", event.TaskCreatePayload{TaskID: "t1"}).
		Build()
	f.panes.alive["%9"] = true

	f.drain(t)

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskInProgress, task.Status, "replay should still flip status")
	require.Empty(t, f.panes.opens, "no second pane should open")
	require.Empty(t, f.workspaces.created, "no second worktree should be created")
	f.requireProcessed(t)
}

func TestLoop_TaskCreateReplayWithDeadPaneRespawns(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1")).
		WithWorker("worker-1", testutil.OnTask("t1"), testutil.InPane("%9")).
		WithEvent(event.TypeTaskCreate, "t1", event.TaskCreatePayload{TaskID: "t1"}).
		Build()
	// %9 is not alive in the mock.

	f.drain(t)

	w, err := f.store.GetWorker("worker-1")
	require.NoError(t, err, "worker should be re-registered under the same ID")
	require.NotEqual(t, "%9", w.PaneHandle, "respawn should use a fresh pane")
	require.Len(t, f.panes.opens, 1, "respawn opens one pane")

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskInProgress, task.Status, "respawned task should be in progress")
	f.requireProcessed(t)
}

func TestLoop_ReviewRequestedMovesTaskAndSpawnsReviewer(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1"), testutil.Status(store.TaskInProgress), testutil.PRURL("https://github.com/o/r/pull/7")).
		WithWorker("worker-1", testutil.OnTask("t1"), testutil.InPane("%2")).
		WithEvent(event.TypeReviewRequested, "t1", event.ReviewRequestedPayload{TaskID: "t1", PRURL: "https://github.com/o/r/pull/7"}).
		Build()
	f.panes.alive["%2"] = true

	f.drain(t)

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskReview, task.Status, "requested task should be in review")

	rev, err := f.store.GetWorker("reviewer-1")
	require.NoError(t, err, "reviewer should be registered")
	require.Empty(t, rev.TaskID, "reviewers are not bound to a task")

	require.Len(t, f.panes.opens, 1, "reviewer pane should open at the repo root")
	require.Equal(t, "/repo", f.panes.opens[0].cwd, "reviewer starts at the repo root")

	sends := f.panes.sendsTo(pane.Handle(rev.PaneHandle))
	require.Len(t, sends, 1, "reviewer launch should be typed once")
	require.Contains(t, sends[0].text, "reviewer-1.json", "reviewer should get its own config")

	f.requireProcessed(t)
}

func TestLoop_ReviewRequestedReusesLiveReviewer(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1"), testutil.Status(store.TaskInProgress)).
		WithTask("t2", testutil.AssignedTo("worker-2", "/wt/worker-2", "task/t2"), testutil.Status(store.TaskInProgress)).
		WithWorker("worker-1", testutil.OnTask("t1"), testutil.InPane("%2")).
		WithWorker("worker-2", testutil.OnTask("t2"), testutil.InPane("%3")).
		WithEvent(event.TypeReviewRequested, "t1", event.ReviewRequestedPayload{TaskID: "t1"}).
		WithEvent(event.TypeReviewRequested, "t2", event.ReviewRequestedPayload{TaskID: "t2"}).
		Build()
	f.panes.alive["%2"] = true
	f.panes.alive["%3"] = true

	f.drain(t)

	workers, err := f.store.ListWorkers()
	require.NoError(t, err, "listing workers should succeed")
	reviewers := 0
	for _, w := range workers {
		if w.TaskID == "" {
			reviewers++
		}
	}
	require.Equal(t, 1, reviewers, "a live reviewer should be reused, not duplicated")
	f.requireProcessed(t)
}

func TestLoop_ReviewRequestedReplacesDeadReviewer(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1"), testutil.Status(store.TaskInProgress)).
		WithWorker("worker-1", testutil.OnTask("t1"), testutil.InPane("%2")).
		WithWorker("reviewer-1", testutil.InPane("%4")).
		WithEvent(event.TypeReviewRequested, "t1", event.ReviewRequestedPayload{TaskID: "t1"}).
		Build()
	f.panes.alive["%2"] = true
	// reviewer-1's pane %4 is dead.

	f.drain(t)

	_, err := f.store.GetWorker("reviewer-1")
	require.ErrorIs(t, err, store.ErrWorkerNotFound, "dead reviewer row should be cleared")

	rev, err := f.store.GetWorker("reviewer-2")
	require.NoError(t, err, "replacement reviewer should be registered")
	require.NotEqual(t, "%4", rev.PaneHandle, "replacement should have a fresh pane")
	f.requireProcessed(t)
}

func TestLoop_ReviewRequestedSplitsOffOrchestratorPane(t *testing.T) {
	f := newLoopFixture(t)
	f.loop.orchPane = "%0"
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1"), testutil.Status(store.TaskInProgress)).
		WithWorker("worker-1", testutil.OnTask("t1"), testutil.InPane("%2")).
		WithEvent(event.TypeReviewRequested, "t1", event.ReviewRequestedPayload{TaskID: "t1"}).
		Build()
	f.panes.alive["%2"] = true

	f.drain(t)

	require.Empty(t, f.panes.opens, "reviewer should not open a detached pane")
	require.Len(t, f.panes.splits, 1, "reviewer should split off the orchestrator pane")
	require.Equal(t, pane.Handle("%0"), f.panes.splits[0].base, "split base should be the orchestrator pane")
	f.requireProcessed(t)
}

func TestLoop_ReviewApprovedCompletesAndTearsDown(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1",
			testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1"),
			testutil.Status(store.TaskReview),
			testutil.PRURL("https://github.com/o/r/pull/7")).
		WithWorker("worker-1", testutil.OnTask("t1"), testutil.InPane("%2")).
		WithEvent(event.TypeReviewApproved, "t1", event.ReviewApprovedPayload{TaskID: "t1"}).
		Build()
	f.panes.alive["%2"] = true

	f.drain(t)

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskCompleted, task.Status, "approved task should complete")

	_, err = f.store.GetWorker("worker-1")
	require.ErrorIs(t, err, store.ErrWorkerNotFound, "worker row should be removed")
	require.Contains(t, f.panes.closed, pane.Handle("%2"), "worker pane should close")
	require.Contains(t, f.workspaces.removed, "/wt/worker-1", "worktree should be removed")

	bodies := f.desktop.Bodies()
	require.Len(t, bodies, 1, "completion should raise one desktop notification")
	require.Contains(t, bodies[0], "completed", "notification should announce completion")
	require.Contains(t, bodies[0], "https://github.com/o/r/pull/7", "notification should carry the PR URL")

	f.requireProcessed(t)
}

func TestLoop_ReviewDeniedSendsTaskBack(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1",
			testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1"),
			testutil.Status(store.TaskReview),
			testutil.PRURL("https://github.com/o/r/pull/7")).
		WithWorker("worker-1", testutil.OnTask("t1"), testutil.InPane("%2")).
		WithEvent(event.TypeReviewDenied, "t1", event.ReviewDeniedPayload{TaskID: "t1", Feedback: "missing tests"}).
		Build()
	f.panes.alive["%2"] = true
	_, found, err := f.store.ClaimNextReview("reviewer-1", time.Minute)
	require.NoError(t, err, "claiming should succeed")
	require.True(t, found, "the review task should be claimable")

	f.drain(t)

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskInProgress, task.Status, "denied task should return to in progress")
	require.Empty(t, task.ReviewClaimedBy, "denial should release the review claim")

	sends := f.panes.sendsTo("%2")
	require.Len(t, sends, 1, "worker should be woken once")
	require.Contains(t, sends[0].text, "needs changes", "wake-up should carry the verdict")
	require.True(t, sends[0].submit, "wake-up should be submitted")

	events, err := f.store.EventsSince(0)
	require.NoError(t, err, "listing events should succeed")
	seq, err := f.store.CursorGet("worker-1")
	require.NoError(t, err, "worker cursor should exist")
	require.Equal(t, events[len(events)-1].Seq, seq, "cursor should cover the denial so the notifier stays quiet")

	f.requireProcessed(t)
}

func TestLoop_ReviewDeniedReplayAfterWakeIsSilent(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1"), testutil.Status(store.TaskInProgress)).
		WithWorker("worker-1", testutil.OnTask("t1"), testutil.InPane("%2")).
		WithEvent(event.TypeReviewDenied, "t1", event.ReviewDeniedPayload{TaskID: "t1", Feedback: "missing tests"}).
		Build()
	f.panes.alive["%2"] = true

	events, err := f.store.EventsSince(0)
	require.NoError(t, err, "listing events should succeed")
	require.NoError(t, f.store.CursorPut("worker-1", events[0].Seq), "simulate the wake having landed")

	f.drain(t)

	require.Empty(t, f.panes.sends, "replayed denial should not wake the worker again")
	f.requireProcessed(t)
}

func TestLoop_TransientFailureRetriesThenFailsTask(t *testing.T) {
	f := newLoopFixture(t)
	f.workspaces.failCreate = errors.New("git worktree add: disk full")
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.Description("add caching")).
		WithEvent(event.TypeTaskCreate, "t1", event.TaskCreatePayload{TaskID: "t1"}).
		Build()

	// Two failing passes leave the event unprocessed.
	f.drain(t)
	f.drain(t)
	pending, err := f.store.UnprocessedEvents(10)
	require.NoError(t, err, "scanning events should succeed")
	require.Len(t, pending, 1, "retryable failure should leave the event pending")
	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskPending, task.Status, "task should stay pending while retrying")

	// Third pass exhausts RetryLimit=3.
	f.drain(t)
	task, err = f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskFailed, task.Status, "exhausted retries should fail the task")

	progress, err := f.store.ListProgress("t1")
	require.NoError(t, err, "listing progress should succeed")
	require.Len(t, progress, 1, "failure should be recorded in progress")
	require.Contains(t, progress[0].Message, "dispatch failed after 3 attempts", "progress should say what gave up")

	bodies := f.desktop.Bodies()
	require.Len(t, bodies, 1, "failure should raise a desktop notification")
	require.Contains(t, bodies[0], "failed", "notification should announce the failure")

	f.requireProcessed(t)
}

func TestLoop_RecoveryBeforeLimitSpawnsNormally(t *testing.T) {
	f := newLoopFixture(t)
	f.workspaces.failCreate = errors.New("git worktree add: disk full")
	testutil.NewBuilder(t, f.store).
		WithTask("t1").
		WithEvent(event.TypeTaskCreate, "t1", event.TaskCreatePayload{TaskID: "t1"}).
		Build()

	f.drain(t)
	f.drain(t)

	// The workspace layer recovers before the limit.
	f.workspaces.failCreate = nil
	f.drain(t)

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskInProgress, task.Status, "recovered dispatch should spawn normally")
	f.requireProcessed(t)
}

func TestLoop_TransientFailureStopsBatchToPreserveOrder(t *testing.T) {
	f := newLoopFixture(t)
	f.workspaces.failCreate = errors.New("git worktree add: disk full")
	testutil.NewBuilder(t, f.store).
		WithTask("t1").
		WithTask("t2").
		WithEvent(event.TypeTaskCreate, "t1", event.TaskCreatePayload{TaskID: "t1"}).
		WithEvent(event.TypeTaskCreate, "t2", event.TaskCreatePayload{TaskID: "t2"}).
		Build()

	f.drain(t)

	pending, err := f.store.UnprocessedEvents(10)
	require.NoError(t, err, "scanning events should succeed")
	require.Len(t, pending, 2, "nothing later should dispatch while the head retries")
}

func TestLoop_PreconditionFailureIsConsumed(t *testing.T) {
	f := newLoopFixture(t)
	// Approval for a task that never reached review.
	testutil.NewBuilder(t, f.store).
		WithTask("t1").
		WithEvent(event.TypeReviewApproved, "t1", event.ReviewApprovedPayload{TaskID: "t1"}).
		Build()

	f.drain(t)

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskPending, task.Status, "rejected event should not move the task")
	f.requireProcessed(t)
}

func TestLoop_EventForMissingTaskIsConsumed(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1").
		WithEvent(event.TypeTaskCreate, "t1", event.TaskCreatePayload{TaskID: "t1"}).
		Build()
	// The task vanishes before dispatch. No foreign keys guard this on
	// purpose; the loop has to cope.
	_, err := f.store.Connection().Exec(`DELETE FROM tasks WHERE id = 't1'`)
	require.NoError(t, err, "deleting the task row should succeed")

	f.drain(t)

	require.Empty(t, f.panes.opens, "no pane should open for a missing task")
	f.requireProcessed(t)
}

func TestLoop_TerminalTaskIgnoresLateEvents(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.AssignedTo("worker-1", "/wt/worker-1", "task/t1"), testutil.Status(store.TaskFailed)).
		WithEvent(event.TypeReviewRequested, "t1", event.ReviewRequestedPayload{TaskID: "t1"}).
		WithEvent(event.TypeReviewDenied, "t1", event.ReviewDeniedPayload{TaskID: "t1", Feedback: "x"}).
		Build()

	f.drain(t)

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskFailed, task.Status, "terminal task should not move")
	require.Empty(t, f.panes.sends, "terminal task should not wake anyone")
	f.requireProcessed(t)
}

func TestLoop_RunWakesOnStoreChanges(t *testing.T) {
	f := newLoopFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.loop.Run(ctx)
	}()

	// Give Run a beat to subscribe before writing.
	time.Sleep(10 * time.Millisecond)

	e, err := event.NewTaskCreate(event.TaskCreatePayload{TaskID: "t1", Description: "add caching"})
	require.NoError(t, err, "building the event should succeed")
	_, _, err = f.store.CreateTaskWithEvent(store.Task{ID: "t1", Description: "add caching"}, e)
	require.NoError(t, err, "creating the task should succeed")

	// PollInterval is an hour, so only the change broker can wake the
	// loop in time.
	deadline := time.After(2 * time.Second)
	for {
		task, err := f.store.GetTask("t1")
		require.NoError(t, err, "task should exist")
		if task.Status == store.TaskInProgress {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("loop never dispatched the event, task still %s", task.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on context cancellation")
	}
}

func TestLoop_DispatchOrderFollowsSeq(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.Description("add caching")).
		WithEvent(event.TypeTaskCreate, "t1", event.TaskCreatePayload{TaskID: "t1"}).
		Build()

	f.drain(t)

	// The worker's PR flow appends request, then denial lands, then a
	// second request, then approval. One drain handles all four in order.
	for _, e := range []struct {
		typ     event.Type
		payload any
	}{
		{event.TypeReviewRequested, event.ReviewRequestedPayload{TaskID: "t1", PRURL: "https://github.com/o/r/pull/7"}},
		{event.TypeReviewDenied, event.ReviewDeniedPayload{TaskID: "t1", Feedback: "missing tests"}},
		{event.TypeReviewRequested, event.ReviewRequestedPayload{TaskID: "t1", PRURL: "https://github.com/o/r/pull/7"}},
		{event.TypeReviewApproved, event.ReviewApprovedPayload{TaskID: "t1"}},
	} {
		ev, err := event.New(e.typ, "t1", e.payload)
		require.NoError(t, err, "building %s should succeed", e.typ)
		_, err = f.store.AppendEvent(ev)
		require.NoError(t, err, "appending %s should succeed", e.typ)
	}

	f.drain(t)

	task, err := f.store.GetTask("t1")
	require.NoError(t, err, "task should exist")
	require.Equal(t, store.TaskCompleted, task.Status, "the full review round trip should land on completed")
	_, err = f.store.GetWorker("worker-1")
	require.ErrorIs(t, err, store.ErrWorkerNotFound, "the worker should be torn down after approval")
	f.requireProcessed(t)
}

func TestLoop_WorkerLaunchCommandQuotesPrompt(t *testing.T) {
	f := newLoopFixture(t)
	testutil.NewBuilder(t, f.store).
		WithTask("t1", testutil.Description("fix the parser's escaping")).
		WithEvent(event.TypeTaskCreate, "t1", event.TaskCreatePayload{TaskID: "t1"}).
		Build()

	f.drain(t)

	w, err := f.store.GetWorker("worker-1")
	require.NoError(t, err, "worker should be registered")
	sends := f.panes.sendsTo(pane.Handle(w.PaneHandle))
	require.Len(t, sends, 1, "launch command should be typed into the pane")
	require.False(t, strings.Contains(sends[0].text, "\n"), "launch command must stay a single line")
}
