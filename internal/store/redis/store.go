// Package redis is the Redis Record Store backend.
//
// Records are Redis hashes. The unique (workflow, step key) index is a
// per-workflow hash, step order and the running-step scan are sorted sets,
// and every compare-and-patch or conditional add is a Lua script so it runs
// atomically on the server.
//
// Usage:
//
//	s, err := redisstore.Open(ctx, "redis://localhost:6379/0")
//	if err != nil { ... }
//	defer s.Close()
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/ledger"
	"github.com/roach88/ledger/internal/shard"
)

// Compile-time interface checks.
var (
	_ ledger.Store = (*Store)(nil)
	_ shard.Store  = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements ledger.Store and shard.Store on Redis.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
	owned  bool
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects to a redis:// URL and verifies the connection. The returned
// store owns the client and closes it on Close.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	s := New(client, opts...)
	s.owned = true
	return s, nil
}

// Close closes the client if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) InsertWorkflow(ctx context.Context, run *ledger.WorkflowRun) error {
	args := []any{
		"id", run.ID,
		"status", string(run.Status),
		"state", string(run.State),
		"error", run.Error,
		"created_at", ms(run.CreatedAt),
		"updated_at", ms(run.UpdatedAt),
	}
	if len(run.Result) > 0 {
		args = append(args, "result", string(run.Result))
	}
	n, err := insertWorkflowScript.Run(ctx, s.client, []string{workflowKey(run.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("redis: insert workflow: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("redis: workflow %s: %w", run.ID, failure.ErrDuplicate)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*ledger.WorkflowRun, error) {
	vals, err := s.client.HGetAll(ctx, workflowKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get workflow: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("redis: workflow %s: %w", id, failure.ErrNotFound)
	}
	return mapToWorkflow(vals)
}

func (s *Store) PatchWorkflow(ctx context.Context, id string, from ledger.WorkflowStatus, patch ledger.WorkflowPatch) error {
	n, err := patchWorkflowScript.Run(ctx, s.client, []string{workflowKey(id)},
		string(from),
		string(patch.Status),
		string(patch.Result),
		flag(len(patch.Result) > 0),
		patch.Error,
		ms(patch.UpdatedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: patch workflow: %w", err)
	}
	switch n {
	case -1:
		return fmt.Errorf("redis: workflow %s: %w", id, failure.ErrNotFound)
	case 0:
		return fmt.Errorf("redis: workflow %s not %s: %w", id, from, failure.ErrConflict)
	}
	return nil
}

func (s *Store) InsertStep(ctx context.Context, step *ledger.StepRecord) error {
	keys := []string{
		workflowKey(step.WorkflowID),
		stepIndexKey(step.WorkflowID),
		stepKey(step.ID),
		stepOrderKey(step.WorkflowID),
		runningKey,
	}
	args := []any{
		step.StepKey, step.ID, ms(step.CreatedAt), ms(step.UpdatedAt), string(step.Status),
		"id", step.ID,
		"workflow_id", step.WorkflowID,
		"step_key", step.StepKey,
		"input", string(step.Input),
		"status", string(step.Status),
		"error", step.Error,
		"created_at", ms(step.CreatedAt),
		"updated_at", ms(step.UpdatedAt),
	}
	if len(step.Output) > 0 {
		args = append(args, "output", string(step.Output))
	}

	n, err := insertStepScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redis: insert step: %w", err)
	}
	switch n {
	case -1:
		return fmt.Errorf("redis: workflow %s: %w", step.WorkflowID, failure.ErrNotFound)
	case 0:
		return fmt.Errorf("redis: step %s/%s: %w", step.WorkflowID, step.StepKey, failure.ErrDuplicate)
	}
	return nil
}

func (s *Store) GetStep(ctx context.Context, workflowID, key string) (*ledger.StepRecord, error) {
	id, err := s.client.HGet(ctx, stepIndexKey(workflowID), key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get step index: %w", err)
	}
	vals, err := s.client.HGetAll(ctx, stepKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get step: %w", err)
	}
	if len(vals) == 0 {
		// Deleted between the two reads.
		return nil, nil
	}
	return mapToStep(vals)
}

func (s *Store) PatchStep(ctx context.Context, id string, from ledger.StepStatus, patch ledger.StepPatch) error {
	n, err := patchStepScript.Run(ctx, s.client, []string{stepKey(id), runningKey},
		string(from),
		string(patch.Status),
		string(patch.Output),
		flag(len(patch.Output) > 0),
		patch.Error,
		ms(patch.UpdatedAt),
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("redis: patch step: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("redis: patch step %s from %s: %w", id, from, failure.ErrConflict)
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]*ledger.StepRecord, error) {
	ids, err := s.client.ZRange(ctx, stepOrderKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list steps: %w", err)
	}
	return s.loadSteps(ctx, ids)
}

func (s *Store) DeleteStep(ctx context.Context, id string, status ledger.StepStatus) error {
	workflowID, err := s.client.HGet(ctx, stepKey(id), "workflow_id").Result()
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis: delete step %s: %w", id, failure.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("redis: delete step: %w", err)
	}

	keys := []string{stepKey(id), stepIndexKey(workflowID), stepOrderKey(workflowID), runningKey}
	n, err := deleteStepScript.Run(ctx, s.client, keys, string(status), id).Int()
	if err != nil {
		return fmt.Errorf("redis: delete step: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("redis: delete %s step %s: %w", status, id, failure.ErrConflict)
	}
	return nil
}

func (s *Store) ListStaleSteps(ctx context.Context, before time.Time) ([]*ledger.StepRecord, error) {
	ids, err := s.client.ZRangeByScore(ctx, runningKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list stale steps: %w", err)
	}
	return s.loadSteps(ctx, ids)
}

// loadSteps fetches step hashes in one pipeline, skipping any removed
// since the ids were read.
func (s *Store) loadSteps(ctx context.Context, ids []string) ([]*ledger.StepRecord, error) {
	steps := []*ledger.StepRecord{}
	if len(ids) == 0 {
		return steps, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, stepKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: load steps: %w", err)
	}

	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			s.logger.Debug("step vanished during listing", slog.String("step_id", ids[i]))
			continue
		}
		step, err := mapToStep(vals)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// ── helpers ──

func ms(t time.Time) int64 { return t.UnixMilli() }

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseMillis(field, v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: parse %s: %w", field, err)
	}
	return time.UnixMilli(n).UTC(), nil
}

func optionalBlob(m map[string]string, field string) blob.Blob {
	v, ok := m[field]
	if !ok || v == "" {
		return nil
	}
	return blob.Blob(v)
}

func mapToWorkflow(m map[string]string) (*ledger.WorkflowRun, error) {
	createdAt, err := parseMillis("created_at", m["created_at"])
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseMillis("updated_at", m["updated_at"])
	if err != nil {
		return nil, err
	}
	return &ledger.WorkflowRun{
		ID:        m["id"],
		Status:    ledger.WorkflowStatus(m["status"]),
		State:     blob.Blob(m["state"]),
		Result:    optionalBlob(m, "result"),
		Error:     m["error"],
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func mapToStep(m map[string]string) (*ledger.StepRecord, error) {
	createdAt, err := parseMillis("created_at", m["created_at"])
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseMillis("updated_at", m["updated_at"])
	if err != nil {
		return nil, err
	}
	return &ledger.StepRecord{
		ID:         m["id"],
		WorkflowID: m["workflow_id"],
		StepKey:    m["step_key"],
		Input:      blob.Blob(m["input"]),
		Output:     optionalBlob(m, "output"),
		Status:     ledger.StepStatus(m["status"]),
		Error:      m["error"],
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}
