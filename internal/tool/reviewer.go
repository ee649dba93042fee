package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/mcp"
	"github.com/zjrosen/aio/internal/store"
)

// ReviewerHandlers implements one reviewer's tool surface: claiming
// reviews and recording verdicts. Verdicts are events; the kernel applies
// the resulting transitions.
type ReviewerHandlers struct {
	store      *store.Store
	reviewerID string
	staleAfter time.Duration
}

// NewReviewerHandlers builds the tool handlers for one reviewer. Claims
// older than staleAfter are treated as abandoned and reclaimed.
func NewReviewerHandlers(s *store.Store, reviewerID string, staleAfter time.Duration) *ReviewerHandlers {
	return &ReviewerHandlers{store: s, reviewerID: reviewerID, staleAfter: staleAfter}
}

// RegisterAll registers the reviewer tools on an MCP server.
func (h *ReviewerHandlers) RegisterAll(server *mcp.Server) {
	server.RegisterTool(ToolClaimNextReview, h.HandleClaimNextReview)
	server.RegisterTool(ToolSubmitReview, h.HandleSubmitReview)
}

// HandleClaimNextReview claims the oldest claimable task in review.
func (h *ReviewerHandlers) HandleClaimNextReview(_ context.Context, _ json.RawMessage) (*mcp.ToolCallResult, error) {
	task, found, err := h.store.ClaimNextReview(h.reviewerID, h.staleAfter)
	if err != nil {
		return nil, Classify("claiming review", err)
	}
	if !found {
		return mcp.StructuredResult(
			"No tasks are waiting for review.",
			ClaimReviewResponse{Found: false},
		), nil
	}

	log.Info(log.CatTool, "Review claimed", "task", task.ID, "reviewer", h.reviewerID)
	return mcp.StructuredResult(
		fmt.Sprintf("Claimed task %s for review: %s", shortID(task.ID), task.PRURL),
		ClaimReviewResponse{
			Found: true,
			Task: &ReviewTask{
				TaskID:       task.ID,
				Description:  task.Description,
				Context:      task.Context,
				PRURL:        task.PRURL,
				Branch:       task.BranchName,
				WorktreePath: task.WorktreePath,
				WorkerID:     task.WorkerID,
				ClaimedAt:    task.ReviewClaimedAt,
			},
		},
	), nil
}

type submitReviewArgs struct {
	TaskID   string `json:"task_id"`
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// HandleSubmitReview appends the verdict event. Approval completes the
// task; denial carries the feedback back to the worker via check_events.
func (h *ReviewerHandlers) HandleSubmitReview(_ context.Context, rawArgs json.RawMessage) (*mcp.ToolCallResult, error) {
	var args submitReviewArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, Errorf(KindInvalidArgument, "invalid arguments: %v", err)
	}
	if args.TaskID == "" {
		return nil, Errorf(KindInvalidArgument, "task_id is required")
	}
	if args.Approved == nil {
		return nil, Errorf(KindInvalidArgument, "approved is required")
	}

	task, err := h.store.GetTask(args.TaskID)
	if err != nil {
		return nil, Classify("loading task", err)
	}
	if task.Status != store.TaskReview {
		return nil, Errorf(KindPreconditionFailed, "task %s is not in review (status %s)", shortID(task.ID), task.Status)
	}
	if task.ReviewClaimedBy != "" && task.ReviewClaimedBy != h.reviewerID {
		return nil, Errorf(KindConflict, "task %s is claimed by %s", shortID(task.ID), task.ReviewClaimedBy)
	}

	var e event.Event
	if *args.Approved {
		e, err = event.NewReviewApproved(event.ReviewApprovedPayload{TaskID: task.ID})
	} else {
		e, err = event.NewReviewDenied(event.ReviewDeniedPayload{TaskID: task.ID, Feedback: args.Feedback})
	}
	if err != nil {
		return nil, Classify("building review event", err)
	}
	appended, err := h.store.AppendEvent(e)
	if err != nil {
		return nil, Classify("appending review event", err)
	}

	verdict := "approved"
	if !*args.Approved {
		verdict = "denied"
	}
	log.Info(log.CatTool, "Review submitted", "task", task.ID, "verdict", verdict, "reviewer", h.reviewerID)
	return mcp.StructuredResult(
		fmt.Sprintf("Review %s for task %s (event seq %d)", verdict, shortID(task.ID), appended.Seq),
		SubmitReviewResponse{TaskID: task.ID, Approved: *args.Approved, EventSeq: appended.Seq},
	), nil
}
