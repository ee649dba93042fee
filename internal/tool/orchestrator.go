package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/mcp"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/store"
)

// WorkspaceRemover tears down a worker's worktree. Satisfied by
// git.Manager.
type WorkspaceRemover interface {
	RemoveWorkspace(ctx context.Context, path string) error
}

// OrchestratorHandlers implements the administrative tool surface exposed
// to the orchestrator agent: visibility plus the emergency brake.
type OrchestratorHandlers struct {
	store      *store.Store
	panes      pane.Manager
	workspaces WorkspaceRemover
}

// NewOrchestratorHandlers builds the admin tool handlers.
func NewOrchestratorHandlers(s *store.Store, panes pane.Manager, workspaces WorkspaceRemover) *OrchestratorHandlers {
	return &OrchestratorHandlers{store: s, panes: panes, workspaces: workspaces}
}

// RegisterAll registers the admin tools on an MCP server.
func (h *OrchestratorHandlers) RegisterAll(server *mcp.Server) {
	server.RegisterTool(ToolListTasks, h.HandleListTasks)
	server.RegisterTool(ToolSessionStatus, h.HandleSessionStatus)
	server.RegisterTool(ToolEmergencyStop, h.HandleEmergencyStop)
}

// HandleListTasks lists tasks, optionally filtered to one status.
func (h *OrchestratorHandlers) HandleListTasks(_ context.Context, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	return handleListTasks(h.store, rawArgs)
}

// HandleSessionStatus summarizes tasks, workers, and the event backlog.
func (h *OrchestratorHandlers) HandleSessionStatus(_ context.Context, _ json.RawMessage) (*mcp.ToolCallResult, error) {
	tasks, err := h.store.ListTasks()
	if err != nil {
		return nil, Classify("listing tasks", err)
	}
	workers, err := h.store.ListWorkers()
	if err != nil {
		return nil, Classify("listing workers", err)
	}
	pending, err := h.store.UnprocessedEvents(0)
	if err != nil {
		return nil, Classify("counting unprocessed events", err)
	}
	maxSeq, err := h.store.MaxSeq()
	if err != nil {
		return nil, Classify("reading max seq", err)
	}

	response := SessionStatusResponse{
		TaskCounts:        make(map[string]int),
		Workers:           make([]WorkerView, 0, len(workers)),
		UnprocessedEvents: len(pending),
		MaxSeq:            maxSeq,
	}
	for _, t := range tasks {
		response.TaskCounts[string(t.Status)]++
	}
	now := time.Now()
	for _, w := range workers {
		response.Workers = append(response.Workers, WorkerView{
			ID:                  w.ID,
			Status:              string(w.Status),
			TaskID:              w.TaskID,
			PaneHandle:          w.PaneHandle,
			HeartbeatAgeSeconds: int64(now.Sub(w.LastHeartbeat).Seconds()),
		})
	}

	return mcp.StructuredResult(
		fmt.Sprintf("%d tasks, %d workers, %d unprocessed events", len(tasks), len(workers), len(pending)),
		response,
	), nil
}

type emergencyStopArgs struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// HandleEmergencyStop kills a worker synchronously: pane closed, task
// failed, workspace removed, worker row gone, all before returning. The
// reason lands in the task's progress log.
func (h *OrchestratorHandlers) HandleEmergencyStop(ctx context.Context, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	var args emergencyStopArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, Errorf(KindInvalidArgument, "invalid arguments: %v", err)
	}
	if args.WorkerID == "" {
		return nil, Errorf(KindInvalidArgument, "worker_id is required")
	}
	if args.Reason == "" {
		return nil, Errorf(KindInvalidArgument, "reason is required")
	}

	w, err := h.store.GetWorker(args.WorkerID)
	if err != nil {
		return nil, Classify("loading worker", err)
	}

	log.Warn(log.CatTool, "Emergency stop", "worker", w.ID, "task", w.TaskID, "reason", args.Reason)

	// Pane first so the agent stops mutating its workspace.
	if w.PaneHandle != "" {
		if err := h.panes.Close(ctx, pane.Handle(w.PaneHandle)); err != nil {
			return nil, Classify("closing pane", err)
		}
	}

	if w.TaskID != "" {
		task, err := h.store.GetTask(w.TaskID)
		if err != nil {
			return nil, Classify("loading task", err)
		}
		if !task.Status.Terminal() {
			if err := h.store.UpdateTaskStatus(task.ID, store.TaskFailed); err != nil {
				return nil, Classify("failing task", err)
			}
		}
		if _, err := h.store.AppendProgress(w.ID, task.ID, "emergency_stop", args.Reason); err != nil {
			return nil, Classify("recording stop reason", err)
		}
		if task.WorktreePath != "" {
			if err := h.workspaces.RemoveWorkspace(ctx, task.WorktreePath); err != nil {
				return nil, WrapErr(KindTransientIO, "removing workspace", err)
			}
		}
	}

	if err := h.store.RemoveWorker(w.ID); err != nil {
		return nil, Classify("removing worker", err)
	}

	return mcp.StructuredResult(
		fmt.Sprintf("Worker %s stopped: %s", w.ID, args.Reason),
		EmergencyStopResponse{WorkerID: w.ID, TaskID: w.TaskID, Reason: args.Reason},
	), nil
}
