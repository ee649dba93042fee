package tool

import (
	"errors"
	"fmt"

	"github.com/zjrosen/aio/internal/github"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/store"
)

// Kind classifies a tool or dispatch failure. Agents receive the kind as
// the leading token of the error text and translate it into their own
// narrative; the orchestrator loop uses it to decide between retrying an
// event and failing the task.
type Kind string

const (
	// KindInvalidArgument marks caller-supplied data that violates a
	// precondition. Reported to the caller; never retried.
	KindInvalidArgument Kind = "invalid_argument"

	// KindNotFound marks a missing entity.
	KindNotFound Kind = "not_found"

	// KindConflict marks a write that would violate an invariant, such as
	// a duplicate task ID.
	KindConflict Kind = "conflict"

	// KindPreconditionFailed marks a call that arrived in the wrong state,
	// such as create_pr before any branch exists.
	KindPreconditionFailed Kind = "precondition_failed"

	// KindBlocked marks a SafetyGuard veto. Final.
	KindBlocked Kind = "blocked"

	// KindTransientIO marks a storage, multiplexer, or VCS subprocess
	// failure that is worth retrying. The loop leaves the event
	// unprocessed and retries on the next tick, up to the retry ceiling.
	KindTransientIO Kind = "transient_io"

	// KindStorageError marks a persistent store failure.
	KindStorageError Kind = "storage_error"

	// KindFatal marks unrecoverable failures such as a corrupt store.
	KindFatal Kind = "fatal"
)

// Error is the structured failure returned across the tool boundary.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind and context to an underlying error.
func WrapErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or KindStorageError when err carries
// none.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindStorageError
}

// IsTransient reports whether err should be retried rather than surfaced.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientIO
}

// Classify maps known sentinel errors onto the tool error vocabulary.
// Unknown errors default to storage_error so agents always see a kind.
func Classify(msg string, err error) *Error {
	kind := KindStorageError
	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrWorkerNotFound),
		errors.Is(err, store.ErrEventNotFound),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, pane.ErrPaneNotFound):
		kind = KindNotFound
	case errors.Is(err, store.ErrTaskExists),
		errors.Is(err, store.ErrWorkerExists):
		kind = KindConflict
	case errors.Is(err, store.ErrIllegalTransition),
		errors.Is(err, github.ErrNoCommits):
		kind = KindPreconditionFailed
	case errors.Is(err, store.ErrInvalidEvent):
		kind = KindInvalidArgument
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}
