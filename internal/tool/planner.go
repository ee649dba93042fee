package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/mcp"
	"github.com/zjrosen/aio/internal/store"
)

// PlannerHandlers implements the planner's tool surface: submitting work
// and watching it move through the lifecycle.
type PlannerHandlers struct {
	store *store.Store
}

// NewPlannerHandlers builds the planner tool handlers.
func NewPlannerHandlers(s *store.Store) *PlannerHandlers {
	return &PlannerHandlers{store: s}
}

// RegisterAll registers the planner tools on an MCP server.
func (h *PlannerHandlers) RegisterAll(server *mcp.Server) {
	server.RegisterTool(ToolSubmitTask, h.HandleSubmitTask)
	server.RegisterTool(ToolListTasks, h.HandleListTasks)
}

type submitTaskArgs struct {
	Description string `json:"description"`
	Context     string `json:"context,omitempty"`
	BranchName  string `json:"branch_name,omitempty"`
}

// HandleSubmitTask creates a pending task and its task-create event in one
// write, so the kernel can never observe one without the other.
func (h *PlannerHandlers) HandleSubmitTask(_ context.Context, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	var args submitTaskArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, Errorf(KindInvalidArgument, "invalid arguments: %v", err)
	}
	if args.Description == "" {
		return nil, Errorf(KindInvalidArgument, "description is required")
	}

	taskID := uuid.New().String()
	e, err := event.NewTaskCreate(event.TaskCreatePayload{
		TaskID:      taskID,
		Description: args.Description,
		Context:     args.Context,
		BranchName:  args.BranchName,
	})
	if err != nil {
		return nil, Classify("building task-create event", err)
	}

	task, appended, err := h.store.CreateTaskWithEvent(store.Task{
		ID:          taskID,
		Description: args.Description,
		Context:     args.Context,
		BranchName:  args.BranchName,
	}, e)
	if err != nil {
		return nil, Classify("creating task", err)
	}

	branch := args.BranchName
	if branch == "" {
		branch = defaultBranchName(taskID)
	}

	log.Info(log.CatTool, "Task submitted", "task", taskID, "seq", appended.Seq)
	return mcp.StructuredResult(
		fmt.Sprintf("Task %s submitted (event seq %d). A worker will be spawned shortly.", shortID(taskID), appended.Seq),
		SubmitTaskResponse{
			TaskID:   task.ID,
			Status:   string(task.Status),
			Branch:   branch,
			EventSeq: appended.Seq,
		},
	), nil
}

type listTasksArgs struct {
	Status string `json:"status,omitempty"`
}

// HandleListTasks lists tasks, optionally filtered to one status.
func (h *PlannerHandlers) HandleListTasks(_ context.Context, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	return handleListTasks(h.store, rawArgs)
}

// handleListTasks backs list_tasks for both the planner and the
// orchestrator admin surface.
func handleListTasks(s *store.Store, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	var args listTasksArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, Errorf(KindInvalidArgument, "invalid arguments: %v", err)
		}
	}

	var (
		tasks []store.Task
		err   error
	)
	if args.Status != "" {
		status := store.TaskStatus(args.Status)
		if !status.Valid() {
			return nil, Errorf(KindInvalidArgument, "unknown status %q", args.Status)
		}
		tasks, err = s.TasksByStatus(status)
	} else {
		tasks, err = s.ListTasks()
	}
	if err != nil {
		return nil, Classify("listing tasks", err)
	}

	response := ListTasksResponse{Tasks: make([]TaskView, 0, len(tasks)), Count: len(tasks)}
	for _, t := range tasks {
		response.Tasks = append(response.Tasks, TaskView{
			ID:          t.ID,
			Status:      string(t.Status),
			WorkerID:    t.WorkerID,
			Description: t.Description,
			PRURL:       t.PRURL,
			CreatedAt:   t.CreatedAt,
			UpdatedAt:   t.UpdatedAt,
		})
	}

	return mcp.StructuredResult(
		fmt.Sprintf("%d tasks", response.Count),
		response,
	), nil
}

// shortID trims a task UUID for human-facing summaries.
func shortID(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}

// defaultBranchName mirrors the workspace manager's derivation so agents
// see the branch before any worktree exists.
func defaultBranchName(taskID string) string {
	return "task/" + shortID(taskID)
}
