package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/failure"
)

// CreateWorkflow journals a new pending workflow run with the given opaque
// state. A nil state is stored as an empty object.
func (l *Ledger) CreateWorkflow(ctx context.Context, state blob.Blob) (*WorkflowRun, error) {
	if state == nil {
		state = blob.Empty
	}
	now := l.clock.Now()
	run := &WorkflowRun{
		ID:        l.ids.Generate(),
		Status:    WorkflowPending,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.InsertWorkflow(ctx, run); err != nil {
		return nil, storageErr(run.ID, "", "insert workflow", err)
	}
	l.logger.Debug("workflow created", slog.String("workflow_id", run.ID))
	return run, nil
}

// GetWorkflow returns a workflow run by id.
func (l *Ledger) GetWorkflow(ctx context.Context, id string) (*WorkflowRun, error) {
	run, err := l.store.GetWorkflow(ctx, id)
	if errors.Is(err, failure.ErrNotFound) {
		return nil, failure.NewNotFound(id, "")
	}
	if err != nil {
		return nil, storageErr(id, "", "get workflow", err)
	}
	return run, nil
}

// StartWorkflow moves a pending, paused or failed run to running.
func (l *Ledger) StartWorkflow(ctx context.Context, id string) (*WorkflowRun, error) {
	return l.transition(ctx, id, WorkflowPatch{Status: WorkflowRunning})
}

// CompleteWorkflow finalizes a running workflow with its result.
func (l *Ledger) CompleteWorkflow(ctx context.Context, id string, result blob.Blob) (*WorkflowRun, error) {
	if result == nil {
		result = blob.Null
	}
	return l.transition(ctx, id, WorkflowPatch{Status: WorkflowCompleted, Result: result})
}

// FailWorkflow finalizes a running workflow with an error message.
func (l *Ledger) FailWorkflow(ctx context.Context, id string, message string) (*WorkflowRun, error) {
	return l.transition(ctx, id, WorkflowPatch{Status: WorkflowFailed, Error: message})
}

// PauseWorkflow parks a running workflow until StartWorkflow is called again.
func (l *Ledger) PauseWorkflow(ctx context.Context, id string) (*WorkflowRun, error) {
	return l.transition(ctx, id, WorkflowPatch{Status: WorkflowPaused})
}

func (l *Ledger) transition(ctx context.Context, id string, patch WorkflowPatch) (*WorkflowRun, error) {
	run, err := l.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.Status.CanTransition(patch.Status) {
		return nil, failure.NewInvalidTransition(id, "", string(run.Status), string(patch.Status))
	}

	patch.UpdatedAt = l.clock.Now()
	if err := l.store.PatchWorkflow(ctx, id, run.Status, patch); err != nil {
		if errors.Is(err, failure.ErrConflict) {
			return nil, &failure.Error{
				Code:       failure.CodeContended,
				Message:    "workflow status changed concurrently",
				WorkflowID: id,
				Err:        err,
			}
		}
		return nil, storageErr(id, "", "patch workflow", err)
	}

	l.logger.Debug("workflow transitioned",
		slog.String("workflow_id", id),
		slog.String("from", string(run.Status)),
		slog.String("to", string(patch.Status)),
	)

	// Stores overwrite result and error on every transition.
	run.Status = patch.Status
	run.Result = patch.Result
	run.Error = patch.Error
	run.UpdatedAt = patch.UpdatedAt
	return run, nil
}

// Steps returns the journal of a workflow in creation order.
func (l *Ledger) Steps(ctx context.Context, workflowID string) ([]*StepRecord, error) {
	if _, err := l.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	steps, err := l.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, storageErr(workflowID, "", "list steps", err)
	}
	return steps, nil
}

// Step returns one journaled step, or NOT_FOUND.
func (l *Ledger) Step(ctx context.Context, workflowID, stepKey string) (*StepRecord, error) {
	step, err := l.store.GetStep(ctx, workflowID, stepKey)
	if err != nil {
		return nil, storageErr(workflowID, stepKey, "get step", err)
	}
	if step == nil {
		return nil, failure.NewNotFound(workflowID, stepKey)
	}
	return step, nil
}

// ResetStep removes a failed step so the next RunStep for its key runs the
// work again. This is the explicit retry hook; RunStep itself never retries.
//
// Completed steps cannot be reset: their side effect already happened.
// Running steps cannot be reset: the work may still be in flight.
func (l *Ledger) ResetStep(ctx context.Context, workflowID, stepKey string) error {
	step, err := l.Step(ctx, workflowID, stepKey)
	if err != nil {
		return err
	}
	if step.Status != StepFailed {
		return failure.NewInvalidTransition(workflowID, stepKey, string(step.Status), "reset")
	}
	if err := l.store.DeleteStep(ctx, step.ID, StepFailed); err != nil {
		if errors.Is(err, failure.ErrConflict) {
			return failure.NewInvalidTransition(workflowID, stepKey, "changed", "reset")
		}
		return storageErr(workflowID, stepKey, "delete step", err)
	}
	l.logger.Info("failed step reset",
		slog.String("workflow_id", workflowID),
		slog.String("step_key", stepKey),
		slog.String("error", step.Error),
	)
	return nil
}

// StaleSteps returns running steps that have not been updated for at least
// olderThan. These were either abandoned by a crash or are still in flight;
// the ledger cannot tell which, so it only reports them.
func (l *Ledger) StaleSteps(ctx context.Context, olderThan time.Duration) ([]*StepRecord, error) {
	cutoff := l.clock.Now().Add(-olderThan)
	steps, err := l.store.ListStaleSteps(ctx, cutoff)
	if err != nil {
		return nil, failure.Storage("list stale steps", err)
	}
	return steps, nil
}
