package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/ids"
	"github.com/roach88/ledger/internal/ledger"
	"github.com/roach88/ledger/internal/store/memory"
	"github.com/roach88/ledger/internal/testutil"
)

func TestWorkflowLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	run, err := f.ledger.CreateWorkflow(ctx, blob.Blob(`{"lead":"l-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "id-1", run.ID)
	assert.Equal(t, ledger.WorkflowPending, run.Status)

	_, err = f.ledger.CompleteWorkflow(ctx, run.ID, nil)
	assert.ErrorIs(t, err, failure.InvalidTransition, "pending cannot complete")

	f.clock.Advance(time.Second)
	run, err = f.ledger.StartWorkflow(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WorkflowRunning, run.Status)
	assert.Equal(t, testutil.Epoch.Add(time.Second), run.UpdatedAt)

	run, err = f.ledger.PauseWorkflow(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WorkflowPaused, run.Status)

	run, err = f.ledger.StartWorkflow(ctx, run.ID)
	require.NoError(t, err)

	run, err = f.ledger.FailWorkflow(ctx, run.ID, "upstream gone")
	require.NoError(t, err)
	assert.Equal(t, "upstream gone", run.Error)

	run, err = f.ledger.StartWorkflow(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, run.Error, "restarting clears the error")

	run, err = f.ledger.CompleteWorkflow(ctx, run.ID, blob.Blob(`"done"`))
	require.NoError(t, err)
	assert.Equal(t, ledger.WorkflowCompleted, run.Status)

	_, err = f.ledger.StartWorkflow(ctx, run.ID)
	assert.ErrorIs(t, err, failure.InvalidTransition, "completed is terminal")

	stored, err := f.ledger.GetWorkflow(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, `"done"`, stored.Result.String())
	assert.Equal(t, `{"lead":"l-1"}`, stored.State.String())
	assert.Equal(t, testutil.Epoch, stored.CreatedAt)

	_, err = f.ledger.GetWorkflow(ctx, "missing")
	assert.True(t, failure.IsNotFound(err))
}

func TestWorkflowStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to ledger.WorkflowStatus
		want     bool
	}{
		{ledger.WorkflowPending, ledger.WorkflowRunning, true},
		{ledger.WorkflowPending, ledger.WorkflowCompleted, false},
		{ledger.WorkflowRunning, ledger.WorkflowCompleted, true},
		{ledger.WorkflowRunning, ledger.WorkflowFailed, true},
		{ledger.WorkflowRunning, ledger.WorkflowPaused, true},
		{ledger.WorkflowRunning, ledger.WorkflowPending, false},
		{ledger.WorkflowPaused, ledger.WorkflowRunning, true},
		{ledger.WorkflowFailed, ledger.WorkflowRunning, true},
		{ledger.WorkflowCompleted, ledger.WorkflowRunning, false},
		{ledger.WorkflowCompleted, ledger.WorkflowFailed, false},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.False(t, ledger.WorkflowStatus("bogus").Valid())
	assert.True(t, ledger.StepFailed.Terminal())
	assert.False(t, ledger.StepRunning.Terminal())
}

func TestResetStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	wf := f.workflow(t)

	attempts := 0
	flaky := func(context.Context) (blob.Blob, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("timeout")
		}
		return blob.Blob(`"sent"`), nil
	}

	_, err := f.ledger.RunStep(ctx, wf, "send", nil, flaky)
	require.True(t, failure.IsStepFailed(err))

	require.NoError(t, f.ledger.ResetStep(ctx, wf, "send"))
	assert.Contains(t, f.logs.String(), "failed step reset")

	out, err := f.ledger.RunStep(ctx, wf, "send", nil, flaky)
	require.NoError(t, err)
	assert.Equal(t, `"sent"`, out.String())
	assert.Equal(t, 2, attempts)

	err = f.ledger.ResetStep(ctx, wf, "send")
	assert.ErrorIs(t, err, failure.InvalidTransition, "completed steps cannot be reset")

	err = f.ledger.ResetStep(ctx, wf, "never-ran")
	assert.True(t, failure.IsNotFound(err))
}

func TestStaleSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	wf := f.workflow(t)

	stuck, cancel := context.WithCancel(ctx)
	_, err := f.ledger.RunStep(stuck, wf, "stuck", nil, func(context.Context) (blob.Blob, error) {
		cancel()
		return nil, nil
	})
	require.True(t, failure.IsIndeterminate(err))

	_, err = f.ledger.RunStep(ctx, wf, "done", nil, func(context.Context) (blob.Blob, error) {
		return blob.Null, nil
	})
	require.NoError(t, err)

	stale, err := f.ledger.StaleSteps(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale, "nothing is a minute old yet")

	f.clock.Advance(2 * time.Minute)
	stale, err = f.ledger.StaleSteps(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stuck", stale[0].StepKey)
}

func TestSteps_UnknownWorkflow(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.ledger.Steps(context.Background(), "missing")
	assert.True(t, failure.IsNotFound(err))
}

func TestRecordIDsComeFromGenerator(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(memory.New(),
		ledger.WithClock(testutil.NewFakeClock()),
		ledger.WithIDGenerator(ids.NewFixedGenerator("wf-checkout", "step-charge")),
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	run, err := l.CreateWorkflow(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "wf-checkout", run.ID)
	assert.Equal(t, `{}`, run.State.String(), "nil state is stored as an empty object")

	_, err = l.RunStep(ctx, run.ID, "charge", nil, func(context.Context) (blob.Blob, error) {
		return blob.Blob(`{"charged":true}`), nil
	})
	require.NoError(t, err)

	step, err := l.Step(ctx, run.ID, "charge")
	require.NoError(t, err)
	assert.Equal(t, "step-charge", step.ID)
}
