// Package memory is an in-process Record Store backend.
//
// All records live in maps guarded by one mutex, so every operation is
// trivially atomic. Records are cloned on the way in and out; callers never
// share memory with the store. Nothing survives the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/ledger"
	"github.com/roach88/ledger/internal/shard"
)

var (
	_ ledger.Store = (*Store)(nil)
	_ shard.Store  = (*Store)(nil)
)

type stepKey struct {
	workflowID string
	stepKey    string
}

type shardKey struct {
	key     string
	shardID int
}

// Store implements ledger.Store and shard.Store in memory.
type Store struct {
	mu        sync.Mutex
	workflows map[string]*ledger.WorkflowRun
	steps     map[string]*ledger.StepRecord
	stepIndex map[stepKey]string
	shards    map[shardKey]*shard.Shard
	kinds     map[string]shard.Kind
}

// New creates an empty store.
func New() *Store {
	return &Store{
		workflows: make(map[string]*ledger.WorkflowRun),
		steps:     make(map[string]*ledger.StepRecord),
		stepIndex: make(map[stepKey]string),
		shards:    make(map[shardKey]*shard.Shard),
		kinds:     make(map[string]shard.Kind),
	}
}

// Close is a no-op; it lets the memory store stand in for closable backends.
func (s *Store) Close() error {
	return nil
}

func (s *Store) InsertWorkflow(_ context.Context, run *ledger.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[run.ID]; ok {
		return fmt.Errorf("memory: workflow %s: %w", run.ID, failure.ErrDuplicate)
	}
	s.workflows[run.ID] = run.Clone()
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (*ledger.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("memory: workflow %s: %w", id, failure.ErrNotFound)
	}
	return run.Clone(), nil
}

func (s *Store) PatchWorkflow(_ context.Context, id string, from ledger.WorkflowStatus, patch ledger.WorkflowPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("memory: workflow %s: %w", id, failure.ErrNotFound)
	}
	if run.Status != from {
		return fmt.Errorf("memory: workflow %s is %s, not %s: %w", id, run.Status, from, failure.ErrConflict)
	}
	run.Status = patch.Status
	run.Result = patch.Result.Clone()
	run.Error = patch.Error
	run.UpdatedAt = patch.UpdatedAt
	return nil
}

func (s *Store) InsertStep(_ context.Context, step *ledger.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[step.WorkflowID]; !ok {
		return fmt.Errorf("memory: workflow %s: %w", step.WorkflowID, failure.ErrNotFound)
	}
	k := stepKey{step.WorkflowID, step.StepKey}
	if _, ok := s.stepIndex[k]; ok {
		return fmt.Errorf("memory: step %s/%s: %w", step.WorkflowID, step.StepKey, failure.ErrDuplicate)
	}
	if _, ok := s.steps[step.ID]; ok {
		return fmt.Errorf("memory: step id %s: %w", step.ID, failure.ErrDuplicate)
	}
	s.steps[step.ID] = step.Clone()
	s.stepIndex[k] = step.ID
	return nil
}

func (s *Store) GetStep(_ context.Context, workflowID, key string) (*ledger.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.stepIndex[stepKey{workflowID, key}]
	if !ok {
		return nil, nil
	}
	return s.steps[id].Clone(), nil
}

func (s *Store) PatchStep(_ context.Context, id string, from ledger.StepStatus, patch ledger.StepPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return fmt.Errorf("memory: step %s absent: %w", id, failure.ErrConflict)
	}
	if step.Status != from {
		return fmt.Errorf("memory: step %s is %s, not %s: %w", id, step.Status, from, failure.ErrConflict)
	}
	step.Status = patch.Status
	step.Output = patch.Output.Clone()
	step.Error = patch.Error
	step.UpdatedAt = patch.UpdatedAt
	return nil
}

func (s *Store) ListSteps(_ context.Context, workflowID string) ([]*ledger.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := []*ledger.StepRecord{}
	for _, step := range s.steps {
		if step.WorkflowID == workflowID {
			steps = append(steps, step.Clone())
		}
	}
	sortSteps(steps, func(st *ledger.StepRecord) time.Time { return st.CreatedAt })
	return steps, nil
}

func (s *Store) DeleteStep(_ context.Context, id string, status ledger.StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok || step.Status != status {
		return fmt.Errorf("memory: delete step %s: %w", id, failure.ErrConflict)
	}
	delete(s.steps, id)
	delete(s.stepIndex, stepKey{step.WorkflowID, step.StepKey})
	return nil
}

func (s *Store) ListStaleSteps(_ context.Context, before time.Time) ([]*ledger.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := []*ledger.StepRecord{}
	for _, step := range s.steps {
		if step.Status == ledger.StepRunning && step.UpdatedAt.Before(before) {
			steps = append(steps, step.Clone())
		}
	}
	sortSteps(steps, func(st *ledger.StepRecord) time.Time { return st.UpdatedAt })
	return steps, nil
}

func sortSteps(steps []*ledger.StepRecord, at func(*ledger.StepRecord) time.Time) {
	sort.Slice(steps, func(i, j int) bool {
		ti, tj := at(steps[i]), at(steps[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return steps[i].ID < steps[j].ID
	})
}

func (s *Store) GetShard(_ context.Context, key string, shardID int) (*shard.Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shards[shardKey{key, shardID}]
	if !ok {
		return nil, nil
	}
	cp := *sh
	return &cp, nil
}

func (s *Store) ListShards(_ context.Context, key string) ([]*shard.Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shards := []*shard.Shard{}
	for k, sh := range s.shards {
		if k.key == key {
			cp := *sh
			shards = append(shards, &cp)
		}
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].ShardID < shards[j].ShardID })
	return shards, nil
}

func (s *Store) AddShard(_ context.Context, key string, shardID int, delta float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apply(key, shardID, delta, now)
	return nil
}

func (s *Store) AddShardCapped(_ context.Context, key string, shardID int, delta, bound float64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current float64
	if sh, ok := s.shards[shardKey{key, shardID}]; ok {
		current = sh.Value
	}
	next := current + delta
	if (delta >= 0 && next > bound) || (delta < 0 && next < bound) {
		return false, nil
	}
	s.apply(key, shardID, delta, now)
	return true, nil
}

func (s *Store) SwapShard(_ context.Context, key string, shardID int, prevVersion int64, value float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := shardKey{key, shardID}
	sh, ok := s.shards[k]
	var version int64
	if ok {
		version = sh.Version
	}
	if version != prevVersion {
		return fmt.Errorf("memory: shard %s/%d at version %d, not %d: %w",
			key, shardID, version, prevVersion, failure.ErrConflict)
	}
	s.shards[k] = &shard.Shard{
		Key:       key,
		ShardID:   shardID,
		Value:     value,
		Version:   version + 1,
		UpdatedAt: now,
	}
	return nil
}

func (s *Store) ClaimKey(_ context.Context, key string, kind shard.Kind) (shard.Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if claimed, ok := s.kinds[key]; ok {
		return claimed, nil
	}
	s.kinds[key] = kind
	return kind, nil
}

// apply must be called with mu held.
func (s *Store) apply(key string, shardID int, delta float64, now time.Time) {
	k := shardKey{key, shardID}
	sh, ok := s.shards[k]
	if !ok {
		sh = &shard.Shard{Key: key, ShardID: shardID}
		s.shards[k] = sh
	}
	sh.Value += delta
	sh.Version++
	sh.UpdatedAt = now
}
