package failure

import (
	"errors"
	"fmt"
)

// Store-level sentinels. Backends return these (possibly wrapped) so the
// components can tell "absent" and "lost a compare" apart from outages.
var (
	// ErrNotFound means the addressed record does not exist.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrDuplicate means an insert collided with a unique index.
	ErrDuplicate = errors.New("ledger: duplicate record")

	// ErrConflict means a compare-and-patch found the record in a
	// different state than expected.
	ErrConflict = errors.New("ledger: record changed concurrently")
)

// Code categorizes errors surfaced by the ledger and the accounting service.
type Code string

const (
	// CodeStorageUnavailable indicates a Record Store operation failed.
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// CodeStepFailed indicates the wrapped work returned an error. The
	// failure is journaled and replays surface the same message.
	CodeStepFailed Code = "STEP_FAILED"

	// CodeStepIndeterminate indicates a step is mid-flight, or was left
	// running by a crash or cancellation.
	CodeStepIndeterminate Code = "STEP_INDETERMINATE"

	// CodeInvalidShardKeyMix indicates a shard key was used with an
	// operation family other than the one it was first claimed by.
	CodeInvalidShardKeyMix Code = "INVALID_SHARD_KEY_MIX"

	// CodeNotFound indicates a workflow or step does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidTransition indicates a status change the state machine forbids.
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// CodeInvalidArgument indicates a caller supplied an unusable parameter.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeContended indicates an atomic swap lost against a concurrent
	// writer. Callers may retry.
	CodeContended Code = "CONTENDED"
)

// Error is the structured error returned by both core components.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description. For STEP_FAILED it is the
	// journaled error message of the work.
	Message string

	// WorkflowID and StepKey identify the affected step, when relevant.
	WorkflowID string
	StepKey    string

	// Key identifies the affected shard key, when relevant.
	Key string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var s string
	switch {
	case e.WorkflowID != "" && e.StepKey != "":
		s = fmt.Sprintf("%s: %s (workflow=%s, step=%s)", e.Code, e.Message, e.WorkflowID, e.StepKey)
	case e.WorkflowID != "":
		s = fmt.Sprintf("%s: %s (workflow=%s)", e.Code, e.Message, e.WorkflowID)
	case e.Key != "":
		s = fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
	default:
		s = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	// A cause that only repeats the message is not printed twice.
	if e.Err != nil {
		if cause := e.Err.Error(); cause != "" && cause != e.Message {
			s += ": " + cause
		}
	}
	return s
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code. This lets the
// exported sentinels match anywhere in a wrapped chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for use with errors.Is.
var (
	StorageUnavailable = &Error{Code: CodeStorageUnavailable}
	StepFailed         = &Error{Code: CodeStepFailed}
	StepIndeterminate  = &Error{Code: CodeStepIndeterminate}
	InvalidShardKeyMix = &Error{Code: CodeInvalidShardKeyMix}
	NotFound           = &Error{Code: CodeNotFound}
	InvalidTransition  = &Error{Code: CodeInvalidTransition}
	InvalidArgument    = &Error{Code: CodeInvalidArgument}
	Contended          = &Error{Code: CodeContended}
)

// IsStepFailed returns true if err carries a STEP_FAILED error.
func IsStepFailed(err error) bool { return errors.Is(err, StepFailed) }

// IsIndeterminate returns true if err carries a STEP_INDETERMINATE error.
func IsIndeterminate(err error) bool { return errors.Is(err, StepIndeterminate) }

// IsStorageUnavailable returns true if err carries a STORAGE_UNAVAILABLE error.
func IsStorageUnavailable(err error) bool { return errors.Is(err, StorageUnavailable) }

// IsKeyMix returns true if err carries an INVALID_SHARD_KEY_MIX error.
func IsKeyMix(err error) bool { return errors.Is(err, InvalidShardKeyMix) }

// IsNotFound returns true if err carries a NOT_FOUND error.
func IsNotFound(err error) bool { return errors.Is(err, NotFound) }

// IsTransient returns true if retrying the same call may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, StorageUnavailable) || errors.Is(err, Contended)
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Storage wraps a Record Store error.
func Storage(op string, err error) *Error {
	return &Error{
		Code:    CodeStorageUnavailable,
		Message: op,
		Err:     err,
	}
}

// NewStepFailed creates a STEP_FAILED error carrying the journaled message.
func NewStepFailed(workflowID, stepKey, message string) *Error {
	return &Error{
		Code:       CodeStepFailed,
		Message:    message,
		WorkflowID: workflowID,
		StepKey:    stepKey,
	}
}

// NewIndeterminate creates a STEP_INDETERMINATE error. cause may be nil when
// the step was simply observed in the running state.
func NewIndeterminate(workflowID, stepKey, message string, cause error) *Error {
	return &Error{
		Code:       CodeStepIndeterminate,
		Message:    message,
		WorkflowID: workflowID,
		StepKey:    stepKey,
		Err:        cause,
	}
}

// NewKeyMix creates an INVALID_SHARD_KEY_MIX error.
func NewKeyMix(key, claimed, requested string) *Error {
	return &Error{
		Code:    CodeInvalidShardKeyMix,
		Message: fmt.Sprintf("key is used for %s, not %s", claimed, requested),
		Key:     key,
	}
}

// NewNotFound creates a NOT_FOUND error for a workflow or step.
func NewNotFound(workflowID, stepKey string) *Error {
	msg := "workflow not found"
	if stepKey != "" {
		msg = "step not found"
	}
	return &Error{
		Code:       CodeNotFound,
		Message:    msg,
		WorkflowID: workflowID,
		StepKey:    stepKey,
	}
}

// NewInvalidTransition creates an INVALID_TRANSITION error.
func NewInvalidTransition(workflowID, stepKey, from, to string) *Error {
	return &Error{
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("cannot move from %s to %s", from, to),
		WorkflowID: workflowID,
		StepKey:    stepKey,
	}
}

// NewInvalidArgument creates an INVALID_ARGUMENT error.
func NewInvalidArgument(format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidArgument,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewContended creates a CONTENDED error for a shard key.
func NewContended(key string, cause error) *Error {
	return &Error{
		Code:    CodeContended,
		Message: "shard updated concurrently",
		Key:     key,
		Err:     cause,
	}
}
