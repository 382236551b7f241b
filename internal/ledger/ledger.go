package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/clock"
	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/ids"
)

// Work is the side-effecting unit a step wraps. The ledger calls it at most
// once per (workflow, step key) and never for a step that is already
// decided.
type Work func(ctx context.Context) (blob.Blob, error)

// Ledger journals workflow steps so that replays of a workflow body skip
// work that already happened.
//
// Thread-safety model:
//   - Ledger holds no mutable state; all methods are safe from any goroutine
//   - concurrent RunStep calls for the same step race on the store's unique
//     index; exactly one executes the work
type Ledger struct {
	store  Store
	clock  clock.Clock
	ids    ids.Generator
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source for journal timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithIDGenerator sets the generator for workflow and step record ids.
func WithIDGenerator(g ids.Generator) Option {
	return func(l *Ledger) {
		l.ids = g
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New creates a Ledger over the given store.
//
// Defaults: clock.System, UUIDv7 ids, slog.Default().
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		clock:  clock.System{},
		ids:    ids.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunStep executes work for (workflowID, stepKey) at most once.
//
// Outcomes by journaled state:
//   - absent: journal running, call work, journal completed or failed
//   - completed: return the journaled output without calling work
//   - failed: return STEP_FAILED with the journaled message without calling work
//   - running: return STEP_INDETERMINATE without calling work
//
// If ctx has already ended when the step would start, nothing is journaled
// and the context error is returned. If ctx ends while work is in flight,
// the step stays running and RunStep returns STEP_INDETERMINATE wrapping
// the context error. A failure to write the journal around work is also
// STEP_INDETERMINATE, wrapping STORAGE_UNAVAILABLE.
//
// A work error with an empty message is journaled as "unknown error".
func (l *Ledger) RunStep(ctx context.Context, workflowID, stepKey string, input blob.Blob, work Work) (blob.Blob, error) {
	if workflowID == "" || stepKey == "" {
		return nil, failure.NewInvalidArgument("workflow id and step key are required")
	}
	if work == nil {
		return nil, failure.NewInvalidArgument("step %q has no work", stepKey)
	}
	if input == nil {
		input = blob.Null
	}

	log := l.logger.With(
		slog.String("workflow_id", workflowID),
		slog.String("step_key", stepKey),
	)

	existing, err := l.store.GetStep(ctx, workflowID, stepKey)
	if err != nil {
		return nil, storageErr(workflowID, stepKey, "get step", err)
	}
	if existing != nil {
		return l.decided(log, existing, input)
	}

	// A running record written for a dead context could never be resolved.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("step %q not started: %w", stepKey, ctxErr)
	}

	now := l.clock.Now()
	rec := &StepRecord{
		ID:         l.ids.Generate(),
		WorkflowID: workflowID,
		StepKey:    stepKey,
		Input:      input,
		Status:     StepRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.InsertStep(ctx, rec); err != nil {
		switch {
		case errors.Is(err, failure.ErrDuplicate):
			// Another caller journaled the step between our read and insert.
			return l.lostRace(ctx, log, workflowID, stepKey, input)
		case errors.Is(err, failure.ErrNotFound):
			return nil, failure.NewNotFound(workflowID, "")
		default:
			return nil, failure.NewIndeterminate(workflowID, stepKey,
				"could not journal step start", failure.Storage("insert step", err))
		}
	}
	log.Debug("step started", slog.String("step_id", rec.ID))

	output, workErr := l.execute(ctx, log, work)

	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn("step interrupted, left running",
			slog.String("step_id", rec.ID),
			slog.String("error", ctxErr.Error()),
		)
		return nil, failure.NewIndeterminate(workflowID, stepKey,
			"work interrupted before its outcome was journaled", ctxErr)
	}

	if workErr != nil {
		patch := StepPatch{
			Status:    StepFailed,
			Error:     failureMessage(workErr),
			UpdatedAt: l.clock.Now(),
		}
		if err := l.store.PatchStep(ctx, rec.ID, StepRunning, patch); err != nil {
			return nil, failure.NewIndeterminate(workflowID, stepKey,
				"work failed but the failure could not be journaled", failure.Storage("patch step", err))
		}
		log.Info("step failed", slog.String("error", patch.Error))
		// Same message as a replayed failure; only the live attempt can
		// carry the work's own error.
		stepErr := failure.NewStepFailed(workflowID, stepKey, patch.Error)
		stepErr.Err = workErr
		return nil, stepErr
	}

	if output == nil {
		output = blob.Null
	}
	patch := StepPatch{
		Status:    StepCompleted,
		Output:    output,
		UpdatedAt: l.clock.Now(),
	}
	if err := l.store.PatchStep(ctx, rec.ID, StepRunning, patch); err != nil {
		return nil, failure.NewIndeterminate(workflowID, stepKey,
			"work completed but its output could not be journaled", failure.Storage("patch step", err))
	}
	log.Debug("step completed", slog.Duration("elapsed", patch.UpdatedAt.Sub(now)))
	return output, nil
}

// decided returns the outcome of a step that is already journaled.
func (l *Ledger) decided(log *slog.Logger, step *StepRecord, input blob.Blob) (blob.Blob, error) {
	l.checkDrift(log, step, input)

	switch step.Status {
	case StepCompleted:
		log.Debug("returning journaled step output")
		if step.Output == nil {
			return blob.Null, nil
		}
		return step.Output, nil
	case StepFailed:
		return nil, failure.NewStepFailed(step.WorkflowID, step.StepKey, step.Error)
	default:
		return nil, failure.NewIndeterminate(step.WorkflowID, step.StepKey,
			fmt.Sprintf("step running since %s", step.UpdatedAt.UTC().Format(time.RFC3339)), nil)
	}
}

func (l *Ledger) lostRace(ctx context.Context, log *slog.Logger, workflowID, stepKey string, input blob.Blob) (blob.Blob, error) {
	step, err := l.store.GetStep(ctx, workflowID, stepKey)
	if err != nil {
		return nil, failure.NewIndeterminate(workflowID, stepKey,
			"step journaled concurrently", failure.Storage("get step", err))
	}
	if step == nil {
		return nil, failure.NewIndeterminate(workflowID, stepKey,
			"step journaled concurrently and then removed", nil)
	}
	return l.decided(log, step, input)
}

// execute calls work, converting a panic into an error.
func (l *Ledger) execute(ctx context.Context, log *slog.Logger, work Work) (out blob.Blob, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("step work panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return work(ctx)
}

// checkDrift warns when a replay supplies a different input than the one
// journaled. The journaled input is never replaced.
func (l *Ledger) checkDrift(log *slog.Logger, step *StepRecord, input blob.Blob) {
	if step.Input == nil || input == nil {
		return
	}
	want, err := blob.Fingerprint(step.Input)
	if err != nil {
		return
	}
	got, err := blob.Fingerprint(input)
	if err != nil || got == want {
		return
	}
	log.Warn("replayed step input differs from journaled input",
		slog.String("journaled", want[:12]),
		slog.String("supplied", got[:12]),
	)
}

// unknownFailure is journaled for work errors with an empty message.
const unknownFailure = "unknown error"

func failureMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return unknownFailure
}

func storageErr(workflowID, stepKey, op string, err error) *failure.Error {
	e := failure.Storage(op, err)
	e.WorkflowID = workflowID
	e.StepKey = stepKey
	return e
}
