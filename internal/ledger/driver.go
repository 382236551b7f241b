package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/failure"
)

// Body is a workflow body: a deterministic sequence of RunStep calls that
// may be replayed from the top any number of times.
type Body func(ctx context.Context) (blob.Blob, error)

// Drive runs body for a workflow and finalizes the run.
//
//   - body succeeds: the run is completed with the returned result
//   - body returns STEP_INDETERMINATE, or ctx ends: the run stays running
//     so a later Drive can pick it up
//   - any other error: the run is failed with the error text
//
// A completed run is returned as is without calling body.
func (l *Ledger) Drive(ctx context.Context, workflowID string, body Body) (*WorkflowRun, error) {
	run, err := l.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case WorkflowCompleted:
		return run, nil
	case WorkflowRunning:
		l.logger.Info("resuming running workflow", slog.String("workflow_id", workflowID))
	default:
		if run, err = l.StartWorkflow(ctx, workflowID); err != nil {
			return nil, err
		}
	}

	result, bodyErr := body(ctx)
	if bodyErr != nil {
		if failure.IsIndeterminate(bodyErr) || ctx.Err() != nil {
			return run, bodyErr
		}
		failed, err := l.FailWorkflow(ctx, workflowID, failureMessage(bodyErr))
		if err != nil {
			return run, errors.Join(bodyErr, err)
		}
		return failed, bodyErr
	}

	return l.CompleteWorkflow(ctx, workflowID, result)
}

// Replay resets every failed step of the workflow and drives it again.
// Completed steps return their journaled outputs, so a workflow that failed
// at step N skips the steps before N and re-attempts N.
func (l *Ledger) Replay(ctx context.Context, workflowID string, body Body) (*WorkflowRun, error) {
	steps, err := l.Steps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.Status != StepFailed {
			continue
		}
		if err := l.ResetStep(ctx, workflowID, step.StepKey); err != nil {
			return nil, err
		}
	}
	return l.Drive(ctx, workflowID, body)
}
