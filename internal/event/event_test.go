package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_AssignsIDAndMarshalsPayload(t *testing.T) {
	ev, err := NewTaskCreate(TaskCreatePayload{
		TaskID:      "task-123",
		Description: "Add rate limiting",
	})
	require.NoError(t, err)

	require.NotEmpty(t, ev.ID)
	require.Equal(t, TypeTaskCreate, ev.Type)
	require.Equal(t, "task-123", ev.TaskID)
	require.Zero(t, ev.Seq, "seq is assigned by the store, not the constructor")
	require.Contains(t, ev.Payload, `"description":"Add rate limiting"`)
}

func TestNew_OmitsEmptyOptionalFields(t *testing.T) {
	ev, err := NewTaskCreate(TaskCreatePayload{TaskID: "t", Description: "d"})
	require.NoError(t, err)
	require.NotContains(t, ev.Payload, "context")
	require.NotContains(t, ev.Payload, "branch_name")
}

func TestDecodePayload_RoundTrip(t *testing.T) {
	ev, err := NewReviewDenied(ReviewDeniedPayload{
		TaskID:   "task-9",
		Feedback: "missing tests for the error path",
	})
	require.NoError(t, err)

	decoded, err := DecodePayload(ev)
	require.NoError(t, err)

	p, ok := decoded.(ReviewDeniedPayload)
	require.True(t, ok)
	require.Equal(t, "task-9", p.TaskID)
	require.Equal(t, "missing tests for the error path", p.Feedback)
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload(Event{Type: "task-vanish", Payload: "{}"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown event type")
}

func TestDecodePayload_MalformedJSON(t *testing.T) {
	_, err := DecodePayload(Event{Type: TypeReviewApproved, Payload: "{nope"})
	require.Error(t, err)
}

func TestType_Valid(t *testing.T) {
	for _, typ := range []Type{TypeTaskCreate, TypeReviewRequested, TypeReviewApproved, TypeReviewDenied} {
		require.True(t, typ.Valid(), "expected %q to be valid", typ)
	}
	require.False(t, Type("task-explode").Valid())
}
