// Package storetest is the conformance suite every Record Store backend
// runs from its own tests.
//
// Records are keyed by fresh UUIDs so the suite can run against shared
// databases without cleanup between runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/ledger"
	"github.com/roach88/ledger/internal/shard"
)

// Backend is a store serving both components.
type Backend interface {
	ledger.Store
	shard.Store
}

// Factory opens a fresh backend for one subtest. It should register cleanup
// with t.Cleanup.
type Factory func(t *testing.T) Backend

// base is a millisecond-aligned instant well clear of the wall clock so
// stale-step queries in shared databases only see this suite's records.
var base = time.Date(2001, 2, 3, 4, 5, 6, 7_000_000, time.UTC)

// Run executes the full suite against backends produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("workflow insert and get", func(t *testing.T) { testWorkflowInsertGet(t, open(t)) })
	t.Run("workflow patch", func(t *testing.T) { testWorkflowPatch(t, open(t)) })
	t.Run("step insert", func(t *testing.T) { testStepInsert(t, open(t)) })
	t.Run("step blobs byte for byte", func(t *testing.T) { testStepBlobs(t, open(t)) })
	t.Run("step patch", func(t *testing.T) { testStepPatch(t, open(t)) })
	t.Run("step list order", func(t *testing.T) { testStepList(t, open(t)) })
	t.Run("step delete", func(t *testing.T) { testStepDelete(t, open(t)) })
	t.Run("stale steps", func(t *testing.T) { testStaleSteps(t, open(t)) })
	t.Run("step insert race", func(t *testing.T) { testStepInsertRace(t, open(t)) })
	t.Run("shard add", func(t *testing.T) { testShardAdd(t, open(t)) })
	t.Run("shard capped add", func(t *testing.T) { testShardCapped(t, open(t)) })
	t.Run("shard capped add race", func(t *testing.T) { testShardCappedRace(t, open(t)) })
	t.Run("shard swap", func(t *testing.T) { testShardSwap(t, open(t)) })
	t.Run("claim key", func(t *testing.T) { testClaimKey(t, open(t)) })
}

func newWorkflow(t *testing.T, s Backend) *ledger.WorkflowRun {
	t.Helper()
	run := &ledger.WorkflowRun{
		ID:        uuid.NewString(),
		Status:    ledger.WorkflowPending,
		State:     blob.Blob(`{"lead":"l-1"}`),
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, s.InsertWorkflow(context.Background(), run))
	return run
}

func newStep(workflowID, key string, at time.Time) *ledger.StepRecord {
	return &ledger.StepRecord{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		StepKey:    key,
		Input:      blob.Null,
		Status:     ledger.StepRunning,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func assertTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "want %s, got %s", want, got)
}

func testWorkflowInsertGet(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, ledger.WorkflowPending, got.Status)
	assert.Equal(t, `{"lead":"l-1"}`, got.State.String())
	assert.Empty(t, got.Result)
	assert.Empty(t, got.Error)
	assertTime(t, base, got.CreatedAt)
	assertTime(t, base, got.UpdatedAt)

	err = s.InsertWorkflow(ctx, run)
	assert.ErrorIs(t, err, failure.ErrDuplicate)

	_, err = s.GetWorkflow(ctx, uuid.NewString())
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func testWorkflowPatch(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newWorkflow(t, s)
	later := base.Add(time.Second)

	err := s.PatchWorkflow(ctx, run.ID, ledger.WorkflowRunning, ledger.WorkflowPatch{
		Status: ledger.WorkflowCompleted, UpdatedAt: later,
	})
	assert.ErrorIs(t, err, failure.ErrConflict)

	require.NoError(t, s.PatchWorkflow(ctx, run.ID, ledger.WorkflowPending, ledger.WorkflowPatch{
		Status: ledger.WorkflowRunning, UpdatedAt: later,
	}))
	require.NoError(t, s.PatchWorkflow(ctx, run.ID, ledger.WorkflowRunning, ledger.WorkflowPatch{
		Status: ledger.WorkflowFailed, Error: "boom", UpdatedAt: later,
	}))

	got, err := s.GetWorkflow(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WorkflowFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assertTime(t, later, got.UpdatedAt)
	assertTime(t, base, got.CreatedAt)

	require.NoError(t, s.PatchWorkflow(ctx, run.ID, ledger.WorkflowFailed, ledger.WorkflowPatch{
		Status: ledger.WorkflowRunning, UpdatedAt: later,
	}))
	require.NoError(t, s.PatchWorkflow(ctx, run.ID, ledger.WorkflowRunning, ledger.WorkflowPatch{
		Status: ledger.WorkflowCompleted, Result: blob.Blob(`"A-done"`), UpdatedAt: later,
	}))
	got, err = s.GetWorkflow(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, `"A-done"`, got.Result.String())
	assert.Empty(t, got.Error, "error is overwritten on every patch")

	err = s.PatchWorkflow(ctx, uuid.NewString(), ledger.WorkflowPending, ledger.WorkflowPatch{
		Status: ledger.WorkflowRunning, UpdatedAt: later,
	})
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func testStepInsert(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newWorkflow(t, s)

	got, err := s.GetStep(ctx, run.ID, "A")
	require.NoError(t, err)
	assert.Nil(t, got)

	step := newStep(run.ID, "A", base)
	require.NoError(t, s.InsertStep(ctx, step))

	got, err = s.GetStep(ctx, run.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, step.ID, got.ID)
	assert.Equal(t, ledger.StepRunning, got.Status)
	assert.Empty(t, got.Output)
	assertTime(t, base, got.CreatedAt)

	dup := newStep(run.ID, "A", base)
	assert.ErrorIs(t, s.InsertStep(ctx, dup), failure.ErrDuplicate)

	orphan := newStep(uuid.NewString(), "A", base)
	assert.ErrorIs(t, s.InsertStep(ctx, orphan), failure.ErrNotFound)
}

func testStepBlobs(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newWorkflow(t, s)

	step := newStep(run.ID, "A", base)
	step.Input = blob.Blob(`{ "b" : 2, "a" : [1, 2.50] }`)
	require.NoError(t, s.InsertStep(ctx, step))
	require.NoError(t, s.PatchStep(ctx, step.ID, ledger.StepRunning, ledger.StepPatch{
		Status: ledger.StepCompleted, Output: blob.Blob(`{"z":1,  "a":"é"}`), UpdatedAt: base,
	}))

	got, err := s.GetStep(ctx, run.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, `{ "b" : 2, "a" : [1, 2.50] }`, got.Input.String())
	assert.Equal(t, `{"z":1,  "a":"é"}`, got.Output.String())
}

func testStepPatch(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newWorkflow(t, s)
	step := newStep(run.ID, "A", base)
	require.NoError(t, s.InsertStep(ctx, step))

	later := base.Add(250 * time.Millisecond)
	require.NoError(t, s.PatchStep(ctx, step.ID, ledger.StepRunning, ledger.StepPatch{
		Status: ledger.StepFailed, Error: "boom", UpdatedAt: later,
	}))

	err := s.PatchStep(ctx, step.ID, ledger.StepRunning, ledger.StepPatch{
		Status: ledger.StepCompleted, Output: blob.Null, UpdatedAt: later,
	})
	assert.ErrorIs(t, err, failure.ErrConflict, "a failed step never moves again")

	got, err := s.GetStep(ctx, run.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, ledger.StepFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Empty(t, got.Output)
	assertTime(t, later, got.UpdatedAt)

	err = s.PatchStep(ctx, uuid.NewString(), ledger.StepRunning, ledger.StepPatch{
		Status: ledger.StepCompleted, UpdatedAt: later,
	})
	assert.ErrorIs(t, err, failure.ErrConflict)
}

func testStepList(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newWorkflow(t, s)
	other := newWorkflow(t, s)

	for i, key := range []string{"C", "A", "B"} {
		require.NoError(t, s.InsertStep(ctx, newStep(run.ID, key, base.Add(time.Duration(i)*time.Millisecond))))
	}
	require.NoError(t, s.InsertStep(ctx, newStep(other.ID, "X", base)))

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "C", steps[0].StepKey)
	assert.Equal(t, "A", steps[1].StepKey)
	assert.Equal(t, "B", steps[2].StepKey)

	steps, err = s.ListSteps(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func testStepDelete(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newWorkflow(t, s)
	step := newStep(run.ID, "A", base)
	require.NoError(t, s.InsertStep(ctx, step))

	assert.ErrorIs(t, s.DeleteStep(ctx, step.ID, ledger.StepFailed), failure.ErrConflict)

	require.NoError(t, s.PatchStep(ctx, step.ID, ledger.StepRunning, ledger.StepPatch{
		Status: ledger.StepFailed, Error: "boom", UpdatedAt: base,
	}))
	require.NoError(t, s.DeleteStep(ctx, step.ID, ledger.StepFailed))

	got, err := s.GetStep(ctx, run.ID, "A")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, s.DeleteStep(ctx, step.ID, ledger.StepFailed), failure.ErrConflict)

	// The key is free again.
	require.NoError(t, s.InsertStep(ctx, newStep(run.ID, "A", base)))
}

func testStaleSteps(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newWorkflow(t, s)

	old := newStep(run.ID, "old", base.Add(-2*time.Hour))
	older := newStep(run.ID, "older", base.Add(-3*time.Hour))
	fresh := newStep(run.ID, "fresh", base)
	done := newStep(run.ID, "done", base.Add(-4*time.Hour))
	for _, st := range []*ledger.StepRecord{old, older, fresh, done} {
		require.NoError(t, s.InsertStep(ctx, st))
	}
	require.NoError(t, s.PatchStep(ctx, done.ID, ledger.StepRunning, ledger.StepPatch{
		Status: ledger.StepCompleted, Output: blob.Null, UpdatedAt: done.UpdatedAt,
	}))

	stale, err := s.ListStaleSteps(ctx, base.Add(-time.Hour))
	require.NoError(t, err)

	var keys []string
	for _, st := range stale {
		if st.WorkflowID == run.ID {
			keys = append(keys, st.StepKey)
		}
	}
	assert.Equal(t, []string{"older", "old"}, keys)
}

func testStepInsertRace(t *testing.T, s Backend) {
	ctx := context.Background()
	run := newWorkflow(t, s)

	const writers = 16
	var (
		mu       sync.Mutex
		won, dup int
	)
	var g errgroup.Group
	for range writers {
		g.Go(func() error {
			err := s.InsertStep(ctx, newStep(run.ID, "A", base))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, failure.ErrDuplicate):
				dup++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, won)
	assert.Equal(t, writers-1, dup)
}

func testShardAdd(t *testing.T, s Backend) {
	ctx := context.Background()
	key := "counter:" + uuid.NewString()

	got, err := s.GetShard(ctx, key, 3)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.AddShard(ctx, key, 3, 2.5, base))
	require.NoError(t, s.AddShard(ctx, key, 3, -1, base.Add(time.Millisecond)))
	require.NoError(t, s.AddShard(ctx, key, 0, 4, base))

	got, err = s.GetShard(ctx, key, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, 3, got.ShardID)
	assert.InDelta(t, 1.5, got.Value, 1e-9)
	assert.Equal(t, int64(2), got.Version)
	assertTime(t, base.Add(time.Millisecond), got.UpdatedAt)

	shards, err := s.ListShards(ctx, key)
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, 0, shards[0].ShardID)
	assert.Equal(t, 3, shards[1].ShardID)

	shards, err = s.ListShards(ctx, key+":none")
	require.NoError(t, err)
	assert.Empty(t, shards)
}

func testShardCapped(t *testing.T, s Backend) {
	ctx := context.Background()
	key := "admission:" + uuid.NewString()

	for i := range 2 {
		ok, err := s.AddShardCapped(ctx, key, 1, 1, 2, base)
		require.NoError(t, err)
		assert.Truef(t, ok, "add %d", i)
	}
	ok, err := s.AddShardCapped(ctx, key, 1, 1, 2, base)
	require.NoError(t, err)
	assert.False(t, ok, "third add would exceed the bound")

	ok, err = s.AddShardCapped(ctx, key, 2, -1, 0, base)
	require.NoError(t, err)
	assert.False(t, ok, "an absent shard counts as zero")

	for range 2 {
		ok, err = s.AddShardCapped(ctx, key, 1, -1, 0, base)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err = s.AddShardCapped(ctx, key, 1, -1, 0, base)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetShard(ctx, key, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0, got.Value, 1e-9)

	ok, err = s.AddShardCapped(ctx, key, 4, 1, 0, base)
	require.NoError(t, err)
	assert.False(t, ok, "limit zero admits nothing")
	got, err = s.GetShard(ctx, key, 4)
	require.NoError(t, err)
	assert.Nil(t, got, "a rejected add creates nothing")
}

func testShardCappedRace(t *testing.T, s Backend) {
	ctx := context.Background()
	key := "admission:" + uuid.NewString()

	var (
		mu       sync.Mutex
		admitted int
	)
	var g errgroup.Group
	for range 40 {
		g.Go(func() error {
			ok, err := s.AddShardCapped(ctx, key, 0, 1, 5, base)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 5, admitted)

	got, err := s.GetShard(ctx, key, 0)
	require.NoError(t, err)
	assert.InDelta(t, 5, got.Value, 1e-9)
}

func testShardSwap(t *testing.T, s Backend) {
	ctx := context.Background()
	key := "credits:" + uuid.NewString()

	require.NoError(t, s.SwapShard(ctx, key, 0, 0, 90, base))
	err := s.SwapShard(ctx, key, 0, 0, 80, base)
	assert.ErrorIs(t, err, failure.ErrConflict, "version 0 only matches an absent shard")

	got, err := s.GetShard(ctx, key, 0)
	require.NoError(t, err)
	assert.InDelta(t, 90, got.Value, 1e-9)
	assert.Equal(t, int64(1), got.Version)

	later := base.Add(time.Second)
	require.NoError(t, s.SwapShard(ctx, key, 0, 1, 70, later))
	assert.ErrorIs(t, s.SwapShard(ctx, key, 0, 1, 60, later), failure.ErrConflict)

	got, err = s.GetShard(ctx, key, 0)
	require.NoError(t, err)
	assert.InDelta(t, 70, got.Value, 1e-9)
	assert.Equal(t, int64(2), got.Version)
	assertTime(t, later, got.UpdatedAt)
}

func testClaimKey(t *testing.T, s Backend) {
	ctx := context.Background()
	key := fmt.Sprintf("mixed:%s", uuid.NewString())

	kind, err := s.ClaimKey(ctx, key, shard.KindCounter)
	require.NoError(t, err)
	assert.Equal(t, shard.KindCounter, kind)

	kind, err = s.ClaimKey(ctx, key, shard.KindCredits)
	require.NoError(t, err)
	assert.Equal(t, shard.KindCounter, kind, "first claim wins")
}
