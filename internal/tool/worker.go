package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/aio/internal/config"
	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/github"
	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/mcp"
	"github.com/zjrosen/aio/internal/safety"
	"github.com/zjrosen/aio/internal/store"
)

// BranchPusher publishes a task branch to the remote. Satisfied by
// git.Manager.
type BranchPusher interface {
	PushBranch(ctx context.Context, branch string) error
}

// WorkerHandlers implements one worker's tool surface. Every call stamps
// the worker's heartbeat first; a worker that stops calling tools is dead
// by definition.
type WorkerHandlers struct {
	store    *store.Store
	pusher   BranchPusher
	pr       github.Executor
	runner   CommandRunner
	guard    *safety.Guard
	cfg      config.OrchestratorConfig
	workerID string
}

// NewWorkerHandlers builds the tool handlers for one worker.
func NewWorkerHandlers(
	s *store.Store,
	pusher BranchPusher,
	pr github.Executor,
	runner CommandRunner,
	guard *safety.Guard,
	cfg config.OrchestratorConfig,
	workerID string,
) *WorkerHandlers {
	return &WorkerHandlers{
		store:    s,
		pusher:   pusher,
		pr:       pr,
		runner:   runner,
		guard:    guard,
		cfg:      cfg,
		workerID: workerID,
	}
}

// RegisterAll registers the worker tools on an MCP server.
func (h *WorkerHandlers) RegisterAll(server *mcp.Server) {
	server.RegisterTool(ToolHeartbeat, h.HandleHeartbeat)
	server.RegisterTool(ToolProgress, h.HandleProgress)
	server.RegisterTool(ToolCreatePR, h.HandleCreatePR)
	server.RegisterTool(ToolCheckEvents, h.HandleCheckEvents)
	server.RegisterTool(ToolExecuteCommand, h.HandleExecuteCommand)
}

// touch stamps the heartbeat. Called at the top of every worker tool.
func (h *WorkerHandlers) touch() error {
	if err := h.store.UpdateHeartbeat(h.workerID); err != nil {
		return Classify("updating heartbeat", err)
	}
	return nil
}

// task loads the worker's bound task.
func (h *WorkerHandlers) task() (store.Task, error) {
	w, err := h.store.GetWorker(h.workerID)
	if err != nil {
		return store.Task{}, Classify("loading worker", err)
	}
	if w.TaskID == "" {
		return store.Task{}, Errorf(KindPreconditionFailed, "worker %s has no task bound", h.workerID)
	}
	t, err := h.store.GetTask(w.TaskID)
	if err != nil {
		return store.Task{}, Classify("loading task", err)
	}
	return t, nil
}

// HandleHeartbeat proves liveness and nothing else.
func (h *WorkerHandlers) HandleHeartbeat(_ context.Context, _ json.RawMessage) (*mcp.ToolCallResult, error) {
	if err := h.touch(); err != nil {
		return nil, err
	}
	return mcp.StructuredResult(
		fmt.Sprintf("Heartbeat recorded for %s", h.workerID),
		HeartbeatResponse{WorkerID: h.workerID, At: time.Now().UTC()},
	), nil
}

type progressArgs struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HandleProgress records a human-facing status line. No event is emitted;
// progress never drives the state machine.
func (h *WorkerHandlers) HandleProgress(_ context.Context, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	if err := h.touch(); err != nil {
		return nil, err
	}
	var args progressArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, Errorf(KindInvalidArgument, "invalid arguments: %v", err)
	}
	if args.Status == "" {
		return nil, Errorf(KindInvalidArgument, "status is required")
	}
	if args.Message == "" {
		return nil, Errorf(KindInvalidArgument, "message is required")
	}

	task, err := h.task()
	if err != nil {
		return nil, err
	}
	if _, err := h.store.AppendProgress(h.workerID, task.ID, args.Status, args.Message); err != nil {
		return nil, Classify("recording progress", err)
	}

	return mcp.StructuredResult(
		fmt.Sprintf("Progress recorded: %s", args.Status),
		ProgressResponse{WorkerID: h.workerID, TaskID: task.ID, Status: args.Status},
	), nil
}

type createPRArgs struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Summary string `json:"summary"`
}

// HandleCreatePR pushes the task branch, opens the PR, and requests
// review. Idempotent per task: once a PR URL is recorded, later calls
// push any new commits and re-request review instead of opening another.
func (h *WorkerHandlers) HandleCreatePR(ctx context.Context, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	if err := h.touch(); err != nil {
		return nil, err
	}
	var args createPRArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, Errorf(KindInvalidArgument, "invalid arguments: %v", err)
	}
	if args.Title == "" {
		return nil, Errorf(KindInvalidArgument, "title is required")
	}
	if args.Summary == "" {
		return nil, Errorf(KindInvalidArgument, "summary is required")
	}

	task, err := h.task()
	if err != nil {
		return nil, err
	}
	if task.BranchName == "" {
		return nil, Errorf(KindPreconditionFailed, "task %s has no branch yet", shortID(task.ID))
	}

	if err := h.pusher.PushBranch(ctx, task.BranchName); err != nil {
		return nil, WrapErr(KindTransientIO, "pushing branch", err)
	}

	if task.PRURL != "" {
		// Replay or review loop: the PR exists, only the review request
		// may still be owed.
		if task.Status == store.TaskInProgress {
			if err := h.requestReview(task.ID, task.PRURL, args.Summary); err != nil {
				return nil, err
			}
		}
		log.Info(log.CatTool, "PR already open, review re-requested", "task", task.ID, "url", task.PRURL)
		return mcp.StructuredResult(
			fmt.Sprintf("PR already open at %s; review requested.", task.PRURL),
			CreatePRResponse{TaskID: task.ID, PRURL: task.PRURL, Existing: true},
		), nil
	}

	url, err := h.pr.CreatePR(ctx, github.CreateOptions{
		WorkDir: task.WorktreePath,
		Title:   args.Title,
		Body:    args.Body,
		Head:    task.BranchName,
	})
	if err != nil {
		if errors.Is(err, github.ErrNoCommits) {
			return nil, Errorf(KindPreconditionFailed, "branch %s has no commits to open a PR from", task.BranchName)
		}
		return nil, WrapErr(KindTransientIO, "opening PR", err)
	}

	// URL first, event second: a crash between the two is healed by the
	// replay branch above.
	if err := h.store.SetPRURL(task.ID, url); err != nil {
		return nil, Classify("recording PR URL", err)
	}
	if err := h.requestReview(task.ID, url, args.Summary); err != nil {
		return nil, err
	}

	log.Info(log.CatTool, "PR created", "task", task.ID, "url", url)
	return mcp.StructuredResult(
		fmt.Sprintf("PR opened at %s; review requested.", url),
		CreatePRResponse{TaskID: task.ID, PRURL: url},
	), nil
}

func (h *WorkerHandlers) requestReview(taskID, prURL, summary string) error {
	e, err := event.NewReviewRequested(event.ReviewRequestedPayload{
		TaskID:  taskID,
		PRURL:   prURL,
		Summary: summary,
	})
	if err != nil {
		return Classify("building review-requested event", err)
	}
	if _, err := h.store.AppendEvent(e); err != nil {
		return Classify("appending review-requested event", err)
	}
	return nil
}

type checkEventsArgs struct {
	AfterSeq int64 `json:"after_seq,omitempty"`
}

// HandleCheckEvents returns the task's events so the worker can read
// review feedback. The call is stateless: the caller passes after_seq to
// skip what it has already seen, and reads everything when it crashes and
// forgets. A missing worker registration means the kernel tore this
// worker down, so the response says terminate instead of erroring.
func (h *WorkerHandlers) HandleCheckEvents(_ context.Context, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	if err := h.store.UpdateHeartbeat(h.workerID); err != nil {
		if errors.Is(err, store.ErrWorkerNotFound) {
			return mcp.StructuredResult(
				"Your worker registration is gone; the task is finished. Terminate now.",
				CheckEventsResponse{Events: []EventView{}, ShouldTerminate: true},
			), nil
		}
		return nil, Classify("updating heartbeat", err)
	}

	var args checkEventsArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, Errorf(KindInvalidArgument, "invalid arguments: %v", err)
		}
	}

	task, err := h.task()
	if err != nil {
		return nil, err
	}

	events, err := h.store.EventsForTaskSince(task.ID, args.AfterSeq)
	if err != nil {
		return nil, Classify("reading events", err)
	}

	response := CheckEventsResponse{
		TaskID:          task.ID,
		TaskStatus:      string(task.Status),
		Events:          make([]EventView, 0, len(events)),
		ShouldTerminate: task.Status.Terminal(),
	}
	for _, e := range events {
		response.Events = append(response.Events, EventView{
			Seq:       e.Seq,
			Type:      string(e.Type),
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt,
		})
		response.LatestSeq = e.Seq
	}

	summary := fmt.Sprintf("%d events for task %s (status %s)", len(response.Events), shortID(task.ID), task.Status)
	if response.ShouldTerminate {
		summary = fmt.Sprintf("Task %s is %s. Terminate now.", shortID(task.ID), task.Status)
	}
	return mcp.StructuredResult(summary, response), nil
}

type executeCommandArgs struct {
	Command        string  `json:"command"`
	Cwd            string  `json:"cwd,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	Background     bool    `json:"background,omitempty"`
}

// HandleExecuteCommand screens the command against the deny list, then
// runs it in the worker's workspace. A blocked command returns a
// structured verdict without ever spawning a process.
func (h *WorkerHandlers) HandleExecuteCommand(ctx context.Context, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	if err := h.touch(); err != nil {
		return nil, err
	}
	var args executeCommandArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, Errorf(KindInvalidArgument, "invalid arguments: %v", err)
	}
	if args.Command == "" {
		return nil, Errorf(KindInvalidArgument, "command is required")
	}

	if verdict := h.guard.Check(args.Command); verdict.Blocked {
		return mcp.StructuredResult(
			fmt.Sprintf("Command blocked: %s", verdict.Reason),
			ExecuteCommandResponse{
				Blocked: true,
				Reason:  "Dangerous command blocked: " + verdict.Reason,
				Pattern: verdict.Pattern,
			},
		), nil
	}

	task, err := h.task()
	if err != nil {
		return nil, err
	}
	cwd := args.Cwd
	if cwd == "" {
		cwd = task.WorktreePath
	}
	timeout := h.cfg.CommandTimeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds * float64(time.Second))
	}

	result, err := h.runner.Run(ctx, CommandRequest{
		Command:    args.Command,
		Dir:        cwd,
		Timeout:    timeout,
		Background: args.Background,
	})
	if err != nil {
		return nil, Errorf(KindInvalidArgument, "could not start command: %v", err)
	}

	if args.Background {
		return mcp.StructuredResult(
			fmt.Sprintf("Command started in background (pid %d)", result.PID),
			ExecuteCommandResponse{Success: true, Background: true, PID: result.PID},
		), nil
	}

	response := ExecuteCommandResponse{
		Success:    result.ExitCode == 0 && !result.TimedOut,
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		TimedOut:   result.TimedOut,
		Truncated:  result.Truncated,
		DurationMS: result.Duration.Milliseconds(),
		PID:        result.PID,
	}

	summary := fmt.Sprintf("Exit %d in %s", result.ExitCode, result.Duration.Round(time.Millisecond))
	if result.TimedOut {
		summary = fmt.Sprintf("Command timed out after %s and was killed", timeout)
	}
	return mcp.StructuredResult(summary, response), nil
}
