// Package event defines the kernel's durable event types and payloads.
// Events are facts appended to the store's log; the orchestrator loop is
// their only consumer and drives every state transition from them.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	// TypeTaskCreate records a planner submitting work.
	TypeTaskCreate Type = "task-create"
	// TypeReviewRequested records a worker opening a PR and asking for review.
	TypeReviewRequested Type = "review-requested"
	// TypeReviewApproved records a reviewer approving a task's PR.
	TypeReviewApproved Type = "review-approved"
	// TypeReviewDenied records a reviewer sending a task back with feedback.
	TypeReviewDenied Type = "review-denied"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeTaskCreate, TypeReviewRequested, TypeReviewApproved, TypeReviewDenied:
		return true
	}
	return false
}

// Event is one appended fact. Seq is assigned by the store: dense,
// monotonic, starting at 1. Processed is owned solely by the loop.
type Event struct {
	ID        string
	Seq       int64
	Type      Type
	TaskID    string
	Payload   string // JSON, schema depends on Type
	Processed bool
	CreatedAt time.Time
}

// TaskCreatePayload is the payload for TypeTaskCreate.
type TaskCreatePayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Context     string `json:"context,omitempty"`
	BranchName  string `json:"branch_name,omitempty"`
}

// ReviewRequestedPayload is the payload for TypeReviewRequested.
type ReviewRequestedPayload struct {
	TaskID  string `json:"task_id"`
	PRURL   string `json:"pr_url"`
	Summary string `json:"summary"`
}

// ReviewApprovedPayload is the payload for TypeReviewApproved.
type ReviewApprovedPayload struct {
	TaskID string `json:"task_id"`
}

// ReviewDeniedPayload is the payload for TypeReviewDenied.
type ReviewDeniedPayload struct {
	TaskID   string `json:"task_id"`
	Feedback string `json:"feedback"`
}

// New builds an unsequenced event with a fresh ID and marshaled payload.
// The store assigns Seq on append.
func New(t Type, taskID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Event{
		ID:      uuid.New().String(),
		Type:    t,
		TaskID:  taskID,
		Payload: string(data),
	}, nil
}

// NewTaskCreate builds a task-create event.
func NewTaskCreate(p TaskCreatePayload) (Event, error) {
	return New(TypeTaskCreate, p.TaskID, p)
}

// NewReviewRequested builds a review-requested event.
func NewReviewRequested(p ReviewRequestedPayload) (Event, error) {
	return New(TypeReviewRequested, p.TaskID, p)
}

// NewReviewApproved builds a review-approved event.
func NewReviewApproved(p ReviewApprovedPayload) (Event, error) {
	return New(TypeReviewApproved, p.TaskID, p)
}

// NewReviewDenied builds a review-denied event.
func NewReviewDenied(p ReviewDeniedPayload) (Event, error) {
	return New(TypeReviewDenied, p.TaskID, p)
}

// DecodePayload unmarshals e.Payload into the typed payload for e.Type.
func DecodePayload(e Event) (any, error) {
	switch e.Type {
	case TypeTaskCreate:
		var p TaskCreatePayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
		}
		return p, nil
	case TypeReviewRequested:
		var p ReviewRequestedPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
		}
		return p, nil
	case TypeReviewApproved:
		var p ReviewApprovedPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
		}
		return p, nil
	case TypeReviewDenied:
		var p ReviewDeniedPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}
