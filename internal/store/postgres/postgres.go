// Package postgres is the PostgreSQL Record Store backend, built on
// database/sql with the lib/pq driver.
//
// Tables are prefixed ledger_ so the schema can share a database with
// other applications. Each compare-and-patch is one conditional statement;
// PostgreSQL row locks make it atomic across connections.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/ledger"
	"github.com/roach88/ledger/internal/shard"
)

var (
	_ ledger.Store = (*Store)(nil)
	_ shard.Store  = (*Store)(nil)
)

// PostgreSQL error codes the store maps to sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store implements ledger.Store and shard.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS ledger_workflows (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    state       BYTEA NOT NULL,
    result      BYTEA,
    error       TEXT NOT NULL DEFAULT '',
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_workflow_steps (
    id           TEXT PRIMARY KEY,
    workflow_id  TEXT NOT NULL REFERENCES ledger_workflows(id),
    step_key     TEXT NOT NULL,
    input        BYTEA NOT NULL,
    output       BYTEA,
    status       TEXT NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    created_at   BIGINT NOT NULL,
    updated_at   BIGINT NOT NULL,
    UNIQUE(workflow_id, step_key)
);

CREATE INDEX IF NOT EXISTS idx_ledger_steps_workflow ON ledger_workflow_steps(workflow_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_steps_stale ON ledger_workflow_steps(status, updated_at);

CREATE TABLE IF NOT EXISTS ledger_shards (
    key         TEXT NOT NULL,
    shard_id    INTEGER NOT NULL,
    value       DOUBLE PRECISION NOT NULL,
    version     BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL,
    PRIMARY KEY(key, shard_id)
);

CREATE TABLE IF NOT EXISTS ledger_shard_keys (
    key   TEXT PRIMARY KEY,
    kind  TEXT NOT NULL
);
`

func (s *Store) InsertWorkflow(ctx context.Context, run *ledger.WorkflowRun) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_workflows (id, status, state, result, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, run.ID, string(run.Status), []byte(run.State), nullable(run.Result), run.Error,
		run.CreatedAt.UnixMilli(), run.UpdatedAt.UnixMilli())
	if err != nil {
		return mapError("insert workflow", err)
	}
	return expectOne(res, "insert workflow "+run.ID, failure.ErrDuplicate)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*ledger.WorkflowRun, error) {
	var (
		run                  ledger.WorkflowRun
		status               string
		state, result        []byte
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, state, result, error, created_at, updated_at
		FROM ledger_workflows WHERE id = $1
	`, id).Scan(&run.ID, &status, &state, &result, &run.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: workflow %s: %w", id, failure.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get workflow: %w", err)
	}
	run.Status = ledger.WorkflowStatus(status)
	run.State = blob.Blob(state)
	run.Result = blobOrNil(result)
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return &run, nil
}

func (s *Store) PatchWorkflow(ctx context.Context, id string, from ledger.WorkflowStatus, patch ledger.WorkflowPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_workflows
		SET status = $1, result = $2, error = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`, string(patch.Status), nullable(patch.Result), patch.Error, patch.UpdatedAt.UnixMilli(), id, string(from))
	if err != nil {
		return fmt.Errorf("postgres: patch workflow: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("postgres: patch workflow: %w", err)
	} else if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_workflows WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: patch workflow: %w", err)
	}
	if !exists {
		return fmt.Errorf("postgres: workflow %s: %w", id, failure.ErrNotFound)
	}
	return fmt.Errorf("postgres: workflow %s not %s: %w", id, from, failure.ErrConflict)
}

func (s *Store) InsertStep(ctx context.Context, step *ledger.StepRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_workflow_steps
		(id, workflow_id, step_key, input, output, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`, step.ID, step.WorkflowID, step.StepKey, []byte(step.Input), nullable(step.Output),
		string(step.Status), step.Error, step.CreatedAt.UnixMilli(), step.UpdatedAt.UnixMilli())
	if err != nil {
		return mapError("insert step", err)
	}
	return expectOne(res, fmt.Sprintf("insert step %s/%s", step.WorkflowID, step.StepKey), failure.ErrDuplicate)
}

const stepColumns = `id, workflow_id, step_key, input, output, status, error, created_at, updated_at`

func (s *Store) GetStep(ctx context.Context, workflowID, stepKey string) (*ledger.StepRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM ledger_workflow_steps
		WHERE workflow_id = $1 AND step_key = $2
	`, workflowID, stepKey)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get step: %w", err)
	}
	return step, nil
}

func (s *Store) PatchStep(ctx context.Context, id string, from ledger.StepStatus, patch ledger.StepPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_workflow_steps
		SET status = $1, output = $2, error = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`, string(patch.Status), nullable(patch.Output), patch.Error, patch.UpdatedAt.UnixMilli(), id, string(from))
	if err != nil {
		return fmt.Errorf("postgres: patch step: %w", err)
	}
	return expectOne(res, fmt.Sprintf("patch step %s from %s", id, from), failure.ErrConflict)
}

func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]*ledger.StepRecord, error) {
	return s.querySteps(ctx, `
		SELECT `+stepColumns+` FROM ledger_workflow_steps
		WHERE workflow_id = $1
		ORDER BY created_at ASC, id COLLATE "C" ASC
	`, workflowID)
}

func (s *Store) DeleteStep(ctx context.Context, id string, status ledger.StepStatus) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_workflow_steps WHERE id = $1 AND status = $2`, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: delete step: %w", err)
	}
	return expectOne(res, fmt.Sprintf("delete %s step %s", status, id), failure.ErrConflict)
}

func (s *Store) ListStaleSteps(ctx context.Context, before time.Time) ([]*ledger.StepRecord, error) {
	return s.querySteps(ctx, `
		SELECT `+stepColumns+` FROM ledger_workflow_steps
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC, id COLLATE "C" ASC
	`, string(ledger.StepRunning), before.UnixMilli())
}

func (s *Store) querySteps(ctx context.Context, query string, args ...any) ([]*ledger.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query steps: %w", err)
	}
	defer rows.Close()

	steps := []*ledger.StepRecord{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate steps: %w", err)
	}
	return steps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStep(row scanner) (*ledger.StepRecord, error) {
	var (
		step                 ledger.StepRecord
		status               string
		input, output        []byte
		createdAt, updatedAt int64
	)
	if err := row.Scan(&step.ID, &step.WorkflowID, &step.StepKey, &input, &output,
		&status, &step.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	step.Status = ledger.StepStatus(status)
	step.Input = blob.Blob(input)
	step.Output = blobOrNil(output)
	step.CreatedAt = fromMillis(createdAt)
	step.UpdatedAt = fromMillis(updatedAt)
	return &step, nil
}

func mapError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeForeignKeyViolation:
			return fmt.Errorf("postgres: %s: %v: %w", op, err, failure.ErrNotFound)
		case codeUniqueViolation:
			return fmt.Errorf("postgres: %s: %v: %w", op, err, failure.ErrDuplicate)
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

func expectOne(res sql.Result, what string, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: %s: %w", what, err)
	}
	if n != 1 {
		return fmt.Errorf("postgres: %s: %w", what, sentinel)
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func blobOrNil(b []byte) blob.Blob {
	if len(b) == 0 {
		return nil
	}
	return blob.Blob(b)
}
