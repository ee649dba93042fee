package notify

import (
	"fmt"
	"strings"

	"github.com/zjrosen/aio/internal/event"
)

// Hint templates are typed straight into agent panes, so they read as a
// short instruction naming the tool call that drains the backlog. Agents
// treat them as hints only; the tool responses carry the real data.

// WorkerHint tells a worker a review verdict landed. Denials win over
// approvals so the worker reads the feedback first.
func WorkerHint(verdicts []event.Type) string {
	for _, t := range verdicts {
		if t == event.TypeReviewDenied {
			return "[aio] Your PR needs changes. Call check_events for the feedback, address it, then create_pr again."
		}
	}
	return "[aio] Your PR was approved. Call check_events to confirm and wrap up."
}

// ReviewerHint tells a reviewer how many PRs await a verdict.
func ReviewerHint(requests int) string {
	if requests == 1 {
		return "[aio] A PR is waiting for review. Call claim_next_review."
	}
	return fmt.Sprintf("[aio] %d PRs are waiting for review. Call claim_next_review.", requests)
}

// PlannerHint summarizes pipeline movement since the planner last looked.
func PlannerHint(movement []event.Type) string {
	var requested, approved, denied int
	for _, t := range movement {
		switch t {
		case event.TypeReviewRequested:
			requested++
		case event.TypeReviewApproved:
			approved++
		case event.TypeReviewDenied:
			denied++
		}
	}

	var parts []string
	if approved > 0 {
		parts = append(parts, fmt.Sprintf("%d approved", approved))
	}
	if denied > 0 {
		parts = append(parts, fmt.Sprintf("%d sent back", denied))
	}
	if requested > 0 {
		parts = append(parts, fmt.Sprintf("%d in review", requested))
	}
	if len(parts) == 0 {
		return "[aio] Pipeline moved. Call list_tasks for the current state."
	}
	return fmt.Sprintf("[aio] Pipeline update: %s. Call list_tasks for detail.", strings.Join(parts, ", "))
}
