package tool

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/aio/internal/config"
	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/github"
	"github.com/zjrosen/aio/internal/safety"
	"github.com/zjrosen/aio/internal/store"
	"github.com/zjrosen/aio/internal/testutil"
)

// mockPusher records pushed branches.
type mockPusher struct {
	mu     sync.Mutex
	pushed []string
	err    error
}

func (m *mockPusher) PushBranch(_ context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, branch)
	return m.err
}

// mockPRExecutor captures PR creation calls.
type mockPRExecutor struct {
	url   string
	err   error
	calls []github.CreateOptions
}

func (m *mockPRExecutor) CreatePR(_ context.Context, opts github.CreateOptions) (string, error) {
	m.calls = append(m.calls, opts)
	if m.err != nil {
		return "", m.err
	}
	return m.url, nil
}

// mockRunner returns a canned result instead of spawning processes.
type mockRunner struct {
	res   CommandResult
	err   error
	calls []CommandRequest
}

func (m *mockRunner) Run(_ context.Context, req CommandRequest) (CommandResult, error) {
	m.calls = append(m.calls, req)
	return m.res, m.err
}

type workerFixture struct {
	store  *store.Store
	pusher *mockPusher
	pr     *mockPRExecutor
	runner *mockRunner
	h      *WorkerHandlers
}

// newWorkerFixture wires worker-1 onto task-1 in the given status.
func newWorkerFixture(t *testing.T, status store.TaskStatus, taskOpts ...testutil.TaskOption) *workerFixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	opts := append([]testutil.TaskOption{
		testutil.Status(status),
		testutil.AssignedTo("worker-1", "/tmp/worktrees/worker-1", "task/task-1"),
	}, taskOpts...)
	testutil.NewBuilder(t, s).
		WithTask("task-1", opts...).
		WithWorker("worker-1", testutil.OnTask("task-1"), testutil.InPane("%5")).
		Build()

	guard, err := safety.NewGuard(nil)
	require.NoError(t, err)

	f := &workerFixture{
		store:  s,
		pusher: &mockPusher{},
		pr:     &mockPRExecutor{url: "https://github.com/acme/app/pull/7"},
		runner: &mockRunner{},
	}
	f.h = NewWorkerHandlers(s, f.pusher, f.pr, f.runner, guard, config.Defaults().Orchestrator, "worker-1")
	return f
}

func (f *workerFixture) eventsOfType(t *testing.T, typ event.Type) []event.Event {
	t.Helper()
	all, err := f.store.EventsForTaskSince("task-1", 0)
	require.NoError(t, err)
	var out []event.Event
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestHeartbeat_StampsWorker(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)

	result, err := f.h.HandleHeartbeat(context.Background(), nil)
	require.NoError(t, err)
	resp := result.StructuredContent.(HeartbeatResponse)
	require.Equal(t, "worker-1", resp.WorkerID)

	w, err := f.store.GetWorker("worker-1")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), w.LastHeartbeat, 2*time.Second)
}

func TestHeartbeat_UnknownWorker(t *testing.T) {
	s := testutil.NewTestStore(t)
	guard, err := safety.NewGuard(nil)
	require.NoError(t, err)
	h := NewWorkerHandlers(s, &mockPusher{}, &mockPRExecutor{}, &mockRunner{}, guard,
		config.Defaults().Orchestrator, "worker-ghost")

	_, err = h.HandleHeartbeat(context.Background(), nil)
	requireKind(t, err, KindNotFound)
}

func TestProgress_Recorded(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)

	_, err := f.h.HandleProgress(context.Background(),
		json.RawMessage(`{"status": "testing", "message": "running go test ./..."}`))
	require.NoError(t, err)

	entries, err := f.store.ListProgress("task-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "testing", entries[0].Status)
	require.Equal(t, "running go test ./...", entries[0].Message)
	require.Equal(t, "worker-1", entries[0].WorkerID)
}

func TestProgress_RequiresFields(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)

	_, err := f.h.HandleProgress(context.Background(), json.RawMessage(`{"message": "no status"}`))
	requireKind(t, err, KindInvalidArgument)

	_, err = f.h.HandleProgress(context.Background(), json.RawMessage(`{"status": "no message"}`))
	requireKind(t, err, KindInvalidArgument)
}

func TestCreatePR_PushesOpensAndRequestsReview(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)

	result, err := f.h.HandleCreatePR(context.Background(),
		json.RawMessage(`{"title": "Add /health", "body": "adds endpoint", "summary": "new endpoint with tests"}`))
	require.NoError(t, err)

	resp := result.StructuredContent.(CreatePRResponse)
	require.Equal(t, "https://github.com/acme/app/pull/7", resp.PRURL)
	require.False(t, resp.Existing)

	require.Equal(t, []string{"task/task-1"}, f.pusher.pushed, "branch should be pushed before the PR opens")
	require.Len(t, f.pr.calls, 1)
	require.Equal(t, "task/task-1", f.pr.calls[0].Head)
	require.Equal(t, "/tmp/worktrees/worker-1", f.pr.calls[0].WorkDir)
	require.Equal(t, "Add /health", f.pr.calls[0].Title)

	task, err := f.store.GetTask("task-1")
	require.NoError(t, err)
	require.Equal(t, "https://github.com/acme/app/pull/7", task.PRURL,
		"pr_url commits to the store once the PR exists")

	events := f.eventsOfType(t, event.TypeReviewRequested)
	require.Len(t, events, 1)
	var payload event.ReviewRequestedPayload
	require.NoError(t, json.Unmarshal([]byte(events[0].Payload), &payload))
	require.Equal(t, "https://github.com/acme/app/pull/7", payload.PRURL)
	require.Equal(t, "new endpoint with tests", payload.Summary)
}

func TestCreatePR_SecondCallReturnsFirstURL(t *testing.T) {
	f := newWorkerFixture(t, store.TaskReview, testutil.PRURL("https://github.com/acme/app/pull/7"))

	result, err := f.h.HandleCreatePR(context.Background(),
		json.RawMessage(`{"title": "Add /health", "body": "b", "summary": "s"}`))
	require.NoError(t, err)

	resp := result.StructuredContent.(CreatePRResponse)
	require.Equal(t, "https://github.com/acme/app/pull/7", resp.PRURL)
	require.True(t, resp.Existing)
	require.Empty(t, f.pr.calls, "no second PR may be opened")
	require.Empty(t, f.eventsOfType(t, event.TypeReviewRequested),
		"a task already in review owes no new review request")
}

func TestCreatePR_ReviewLoopReRequestsReview(t *testing.T) {
	// Denied review: task back to in_progress with the PR already open.
	f := newWorkerFixture(t, store.TaskInProgress, testutil.PRURL("https://github.com/acme/app/pull/7"))

	result, err := f.h.HandleCreatePR(context.Background(),
		json.RawMessage(`{"title": "Add /healthz", "body": "renamed", "summary": "addressed feedback"}`))
	require.NoError(t, err)

	resp := result.StructuredContent.(CreatePRResponse)
	require.Equal(t, "https://github.com/acme/app/pull/7", resp.PRURL, "original URL survives the loop")
	require.True(t, resp.Existing)

	require.Equal(t, []string{"task/task-1"}, f.pusher.pushed, "new commits still need pushing")
	require.Empty(t, f.pr.calls)

	events := f.eventsOfType(t, event.TypeReviewRequested)
	require.Len(t, events, 1, "the revision requests review again")
	var payload event.ReviewRequestedPayload
	require.NoError(t, json.Unmarshal([]byte(events[0].Payload), &payload))
	require.Equal(t, "addressed feedback", payload.Summary)
}

func TestCreatePR_WithoutBranch(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.NewBuilder(t, s).
		WithTask("task-1").
		WithWorker("worker-1", testutil.OnTask("task-1")).
		Build()
	guard, err := safety.NewGuard(nil)
	require.NoError(t, err)
	h := NewWorkerHandlers(s, &mockPusher{}, &mockPRExecutor{}, &mockRunner{}, guard,
		config.Defaults().Orchestrator, "worker-1")

	_, err = h.HandleCreatePR(context.Background(),
		json.RawMessage(`{"title": "t", "body": "b", "summary": "s"}`))
	requireKind(t, err, KindPreconditionFailed)
}

func TestCreatePR_PushFailureIsTransient(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)
	f.pusher.err = context.DeadlineExceeded

	_, err := f.h.HandleCreatePR(context.Background(),
		json.RawMessage(`{"title": "t", "body": "b", "summary": "s"}`))
	requireKind(t, err, KindTransientIO)
	require.Empty(t, f.pr.calls, "failed push must stop the PR")
}

func TestCreatePR_NoCommits(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)
	f.pr.err = github.ErrNoCommits

	_, err := f.h.HandleCreatePR(context.Background(),
		json.RawMessage(`{"title": "t", "body": "b", "summary": "s"}`))
	requireKind(t, err, KindPreconditionFailed)

	task, taskErr := f.store.GetTask("task-1")
	require.NoError(t, taskErr)
	require.Empty(t, task.PRURL, "failed PR must not record a URL")
}

func TestCheckEvents_ReturnsTaskEvents(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)
	appendDenied(t, f.store, "task-1", "rename endpoint to /healthz")

	result, err := f.h.HandleCheckEvents(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	resp := result.StructuredContent.(CheckEventsResponse)
	require.Equal(t, "task-1", resp.TaskID)
	require.False(t, resp.ShouldTerminate)
	require.Len(t, resp.Events, 1)
	require.Equal(t, string(event.TypeReviewDenied), resp.Events[0].Type)
	require.Equal(t, resp.Events[0].Seq, resp.LatestSeq)

	var payload event.ReviewDeniedPayload
	require.NoError(t, json.Unmarshal(resp.Events[0].Payload, &payload))
	require.Equal(t, "rename endpoint to /healthz", payload.Feedback)
}

func TestCheckEvents_AfterSeqFiltersReplayed(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)
	first := appendDenied(t, f.store, "task-1", "first round")
	appendDenied(t, f.store, "task-1", "second round")

	result, err := f.h.HandleCheckEvents(context.Background(),
		json.RawMessage(`{"after_seq": `+strconv.FormatInt(first.Seq, 10)+`}`))
	require.NoError(t, err)

	resp := result.StructuredContent.(CheckEventsResponse)
	require.Len(t, resp.Events, 1, "events at or before after_seq are skipped")
	var payload event.ReviewDeniedPayload
	require.NoError(t, json.Unmarshal(resp.Events[0].Payload, &payload))
	require.Equal(t, "second round", payload.Feedback)
}

func TestCheckEvents_TerminalTaskSaysTerminate(t *testing.T) {
	f := newWorkerFixture(t, store.TaskCompleted)

	result, err := f.h.HandleCheckEvents(context.Background(), nil)
	require.NoError(t, err)

	resp := result.StructuredContent.(CheckEventsResponse)
	require.True(t, resp.ShouldTerminate)
	require.Equal(t, string(store.TaskCompleted), resp.TaskStatus)
}

func TestCheckEvents_RemovedWorkerSaysTerminate(t *testing.T) {
	f := newWorkerFixture(t, store.TaskCompleted)
	require.NoError(t, f.store.RemoveWorker("worker-1"))

	result, err := f.h.HandleCheckEvents(context.Background(), nil)
	require.NoError(t, err, "a reaped worker gets a terminate signal, not an error")

	resp := result.StructuredContent.(CheckEventsResponse)
	require.True(t, resp.ShouldTerminate)
}

func TestExecuteCommand_BlockedNeverSpawns(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)

	result, err := f.h.HandleExecuteCommand(context.Background(),
		json.RawMessage(`{"command": "rm -rf /"}`))
	require.NoError(t, err, "a veto is a result, not an error")

	resp := result.StructuredContent.(ExecuteCommandResponse)
	require.False(t, resp.Success)
	require.True(t, resp.Blocked)
	require.Contains(t, resp.Reason, "Dangerous command blocked")
	require.NotEmpty(t, resp.Pattern)
	require.Empty(t, f.runner.calls, "no subprocess may be spawned for a blocked command")
}

func TestExecuteCommand_DefaultsCwdToWorkspace(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)
	f.runner.res = CommandResult{ExitCode: 0, Stdout: "ok\n", Duration: 20 * time.Millisecond}

	result, err := f.h.HandleExecuteCommand(context.Background(),
		json.RawMessage(`{"command": "go test ./..."}`))
	require.NoError(t, err)

	require.Len(t, f.runner.calls, 1)
	require.Equal(t, "/tmp/worktrees/worker-1", f.runner.calls[0].Dir)
	require.Equal(t, config.Defaults().Orchestrator.CommandTimeout, f.runner.calls[0].Timeout)

	resp := result.StructuredContent.(ExecuteCommandResponse)
	require.True(t, resp.Success)
	require.Equal(t, "ok\n", resp.Stdout)
}

func TestExecuteCommand_ExplicitCwdAndTimeout(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)

	_, err := f.h.HandleExecuteCommand(context.Background(),
		json.RawMessage(`{"command": "make lint", "cwd": "/tmp/elsewhere", "timeout_seconds": 120}`))
	require.NoError(t, err)

	require.Equal(t, "/tmp/elsewhere", f.runner.calls[0].Dir)
	require.Equal(t, 2*time.Minute, f.runner.calls[0].Timeout)
}

func TestExecuteCommand_TimedOutResult(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)
	f.runner.res = CommandResult{ExitCode: -1, TimedOut: true, Duration: 30 * time.Second}

	result, err := f.h.HandleExecuteCommand(context.Background(),
		json.RawMessage(`{"command": "sleep 600"}`))
	require.NoError(t, err)

	resp := result.StructuredContent.(ExecuteCommandResponse)
	require.True(t, resp.TimedOut)
	require.False(t, resp.Success)
}

func TestExecuteCommand_Background(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)
	f.runner.res = CommandResult{PID: 4242}

	result, err := f.h.HandleExecuteCommand(context.Background(),
		json.RawMessage(`{"command": "npm run dev", "background": true}`))
	require.NoError(t, err)

	require.True(t, f.runner.calls[0].Background)
	resp := result.StructuredContent.(ExecuteCommandResponse)
	require.True(t, resp.Background)
	require.Equal(t, 4242, resp.PID)
}

func TestExecuteCommand_RequiresCommand(t *testing.T) {
	f := newWorkerFixture(t, store.TaskInProgress)

	_, err := f.h.HandleExecuteCommand(context.Background(), json.RawMessage(`{}`))
	requireKind(t, err, KindInvalidArgument)
}

// appendDenied appends a review-denied event and returns it with its seq.
func appendDenied(t *testing.T, s *store.Store, taskID, feedback string) event.Event {
	t.Helper()
	e, err := event.NewReviewDenied(event.ReviewDeniedPayload{TaskID: taskID, Feedback: feedback})
	require.NoError(t, err)
	stored, err := s.AppendEvent(e)
	require.NoError(t, err)
	return stored
}
