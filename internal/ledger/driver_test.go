package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/ledger"
)

// pipeline is a three-step body; failAt names a step that returns "boom".
type pipeline struct {
	l      *ledger.Ledger
	wf     string
	failAt string
	calls  map[string]int
}

func (p *pipeline) body(ctx context.Context) (blob.Blob, error) {
	for _, key := range []string{"fetch", "enrich", "notify"} {
		_, err := p.l.RunStep(ctx, p.wf, key, nil, func(context.Context) (blob.Blob, error) {
			p.calls[key]++
			if key == p.failAt {
				return nil, errors.New("boom")
			}
			return blob.Encode(key + "-done")
		})
		if err != nil {
			return nil, err
		}
	}
	return blob.Blob(`{"notified":true}`), nil
}

func TestDrive_CompletesWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	p := &pipeline{l: f.ledger, wf: f.workflow(t), calls: map[string]int{}}

	run, err := f.ledger.Drive(ctx, p.wf, p.body)
	require.NoError(t, err)
	assert.Equal(t, ledger.WorkflowCompleted, run.Status)
	assert.Equal(t, `{"notified":true}`, run.Result.String())

	// Driving a completed workflow is a no-op.
	run, err = f.ledger.Drive(ctx, p.wf, p.body)
	require.NoError(t, err)
	assert.Equal(t, ledger.WorkflowCompleted, run.Status)
	assert.Equal(t, map[string]int{"fetch": 1, "enrich": 1, "notify": 1}, p.calls)
}

func TestDrive_FailureFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	p := &pipeline{l: f.ledger, wf: f.workflow(t), failAt: "enrich", calls: map[string]int{}}

	run, err := f.ledger.Drive(ctx, p.wf, p.body)
	require.Error(t, err)
	assert.True(t, failure.IsStepFailed(err))
	assert.Equal(t, ledger.WorkflowFailed, run.Status)
	assert.Contains(t, run.Error, "boom")
	assert.Equal(t, 0, p.calls["notify"])

	// A plain re-drive replays the persisted failure without re-running.
	run, err = f.ledger.Drive(ctx, p.wf, p.body)
	require.Error(t, err)
	assert.Equal(t, ledger.WorkflowFailed, run.Status)
	assert.Equal(t, 1, p.calls["enrich"])
}

func TestReplay_ResumesAtFailedStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	p := &pipeline{l: f.ledger, wf: f.workflow(t), failAt: "enrich", calls: map[string]int{}}

	_, err := f.ledger.Drive(ctx, p.wf, p.body)
	require.Error(t, err)

	p.failAt = ""
	run, err := f.ledger.Replay(ctx, p.wf, p.body)
	require.NoError(t, err)
	assert.Equal(t, ledger.WorkflowCompleted, run.Status)
	assert.Empty(t, run.Error)

	// Steps before the failure come from the journal.
	assert.Equal(t, map[string]int{"fetch": 1, "enrich": 2, "notify": 1}, p.calls)
}

func TestDrive_IndeterminateLeavesRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	wf := f.workflow(t)

	stuck, cancel := context.WithCancel(ctx)
	_, err := f.ledger.Drive(stuck, wf, func(ctx context.Context) (blob.Blob, error) {
		return f.ledger.RunStep(ctx, wf, "a", nil, func(context.Context) (blob.Blob, error) {
			cancel()
			return blob.Null, nil
		})
	})
	require.True(t, failure.IsIndeterminate(err))

	run, err := f.ledger.Drive(ctx, wf, func(ctx context.Context) (blob.Blob, error) {
		return f.ledger.RunStep(ctx, wf, "a", nil, func(context.Context) (blob.Blob, error) {
			return blob.Null, nil
		})
	})
	require.True(t, failure.IsIndeterminate(err), "the abandoned step is never re-run")
	assert.Equal(t, ledger.WorkflowRunning, run.Status)

	stored, err := f.ledger.GetWorkflow(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, ledger.WorkflowRunning, stored.Status)
}

type journal struct {
	Workflow *ledger.WorkflowRun  `json:"workflow"`
	Steps    []*ledger.StepRecord `json:"steps"`
}

func snapshot(t *testing.T, f *fixture, wf string) []byte {
	t.Helper()
	ctx := context.Background()
	run, err := f.ledger.GetWorkflow(ctx, wf)
	require.NoError(t, err)
	steps, err := f.ledger.Steps(ctx, wf)
	require.NoError(t, err)
	data, err := json.MarshalIndent(journal{Workflow: run, Steps: steps}, "", "  ")
	require.NoError(t, err)
	return append(data, '\n')
}

func TestJournal_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	t.Run("completed", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, true)
		wf := f.workflow(t)

		_, err := f.ledger.Drive(ctx, wf, func(ctx context.Context) (blob.Blob, error) {
			_, err := f.ledger.RunStep(ctx, wf, "fetch", blob.Blob(`{"lead":"l-1"}`), func(context.Context) (blob.Blob, error) {
				f.clock.Advance(time.Second)
				return blob.Blob(`{"email":"a@example.com"}`), nil
			})
			if err != nil {
				return nil, err
			}
			score, err := ledger.Step(ctx, f.ledger, wf, "score", map[string]string{"email": "a@example.com"},
				func(context.Context) (int, error) {
					f.clock.Advance(time.Second)
					return 7, nil
				})
			if err != nil {
				return nil, err
			}
			return blob.Encode(map[string]int{"score": score})
		})
		require.NoError(t, err)

		g.Assert(t, "journal_completed", snapshot(t, f, wf))
	})

	t.Run("failed", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, true)
		wf := f.workflow(t)

		_, err := f.ledger.Drive(ctx, wf, func(ctx context.Context) (blob.Blob, error) {
			_, err := f.ledger.RunStep(ctx, wf, "fetch", nil, func(context.Context) (blob.Blob, error) {
				f.clock.Advance(time.Second)
				return blob.Blob(`"ok"`), nil
			})
			if err != nil {
				return nil, err
			}
			return f.ledger.RunStep(ctx, wf, "notify", nil, func(context.Context) (blob.Blob, error) {
				f.clock.Advance(500 * time.Millisecond)
				return nil, errors.New("boom")
			})
		})
		require.True(t, failure.IsStepFailed(err))

		g.Assert(t, "journal_failed", snapshot(t, f, wf))
	})
}
