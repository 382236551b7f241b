package ledger

import (
	"context"
	"time"
)

// Store is the Record Store contract the ledger consumes.
//
// Every method is a single-record operation that the backend performs
// atomically. Backends return failure.ErrNotFound, failure.ErrDuplicate and
// failure.ErrConflict (possibly wrapped) for the conditions named below;
// anything else is treated as the store being unavailable.
type Store interface {
	// InsertWorkflow persists a new workflow run.
	// Returns ErrDuplicate if the id is taken.
	InsertWorkflow(ctx context.Context, run *WorkflowRun) error

	// GetWorkflow retrieves a workflow run by id.
	// Returns ErrNotFound if absent.
	GetWorkflow(ctx context.Context, id string) (*WorkflowRun, error)

	// PatchWorkflow applies patch only if the run's current status is from.
	// Status, Result, Error and UpdatedAt are all overwritten.
	// Returns ErrNotFound if absent, ErrConflict if the status differs.
	PatchWorkflow(ctx context.Context, id string, from WorkflowStatus, patch WorkflowPatch) error

	// InsertStep persists a new step record.
	// Returns ErrDuplicate if (WorkflowID, StepKey) already exists and
	// ErrNotFound if the workflow does not exist.
	InsertStep(ctx context.Context, step *StepRecord) error

	// GetStep looks a step up by its unique (workflowID, stepKey) pair.
	// Returns nil, nil if no such step exists.
	GetStep(ctx context.Context, workflowID, stepKey string) (*StepRecord, error)

	// PatchStep applies patch only if the step's current status is from.
	// Status, Output, Error and UpdatedAt are all overwritten.
	// Returns ErrConflict if the step is absent or its status differs.
	PatchStep(ctx context.Context, id string, from StepStatus, patch StepPatch) error

	// ListSteps returns a workflow's steps ordered by creation time, then id.
	ListSteps(ctx context.Context, workflowID string) ([]*StepRecord, error)

	// DeleteStep removes a step only if its current status is status.
	// Returns ErrConflict if the step is absent or its status differs.
	DeleteStep(ctx context.Context, id string, status StepStatus) error

	// ListStaleSteps returns running steps last updated before the cut-off,
	// oldest first.
	ListStaleSteps(ctx context.Context, before time.Time) ([]*StepRecord, error)
}
