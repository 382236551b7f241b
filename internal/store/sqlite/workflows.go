package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/failure"
	"github.com/roach88/ledger/internal/ledger"
)

func (s *Store) InsertWorkflow(ctx context.Context, run *ledger.WorkflowRun) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, status, state, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		string(run.Status),
		[]byte(run.State),
		nullable(run.Result),
		run.Error,
		toMillis(run.CreatedAt),
		toMillis(run.UpdatedAt),
	)
	if err != nil {
		return mapError("insert workflow", err)
	}
	return expectOne(res, "insert workflow "+run.ID, failure.ErrDuplicate)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*ledger.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, state, result, error, created_at, updated_at
		FROM workflows
		WHERE id = ?
	`, id)

	var (
		run                  ledger.WorkflowRun
		status               string
		state, result        []byte
		createdAt, updatedAt int64
	)
	err := row.Scan(&run.ID, &status, &state, &result, &run.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: workflow %s: %w", id, failure.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get workflow: %w", err)
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
		UPDATE workflows
		SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(patch.Status),
		nullable(patch.Result),
		patch.Error,
		toMillis(patch.UpdatedAt),
		id,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("sqlite: patch workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: patch workflow: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: workflow %s: %w", id, failure.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("sqlite: patch workflow: %w", err)
	}
	return fmt.Errorf("sqlite: workflow %s not %s: %w", id, from, failure.ErrConflict)
}

func (s *Store) InsertStep(ctx context.Context, step *ledger.StepRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps
		(id, workflow_id, step_key, input, output, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		step.ID,
		step.WorkflowID,
		step.StepKey,
		[]byte(step.Input),
		nullable(step.Output),
		string(step.Status),
		step.Error,
		toMillis(step.CreatedAt),
		toMillis(step.UpdatedAt),
	)
	if err != nil {
		return mapError("insert step", err)
	}
	return expectOne(res, fmt.Sprintf("insert step %s/%s", step.WorkflowID, step.StepKey), failure.ErrDuplicate)
}

const stepColumns = `id, workflow_id, step_key, input, output, status, error, created_at, updated_at`

func (s *Store) GetStep(ctx context.Context, workflowID, stepKey string) (*ledger.StepRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+`
		FROM workflow_steps
		WHERE workflow_id = ? AND step_key = ?
	`, workflowID, stepKey)

	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get step: %w", err)
	}
	return step, nil
}

func (s *Store) PatchStep(ctx context.Context, id string, from ledger.StepStatus, patch ledger.StepPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET status = ?, output = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(patch.Status),
		nullable(patch.Output),
		patch.Error,
		toMillis(patch.UpdatedAt),
		id,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("sqlite: patch step: %w", err)
	}
	return expectOne(res, fmt.Sprintf("patch step %s from %s", id, from), failure.ErrConflict)
}

func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]*ledger.StepRecord, error) {
	return s.querySteps(ctx, `
		SELECT `+stepColumns+`
		FROM workflow_steps
		WHERE workflow_id = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, workflowID)
}

func (s *Store) DeleteStep(ctx context.Context, id string, status ledger.StepStatus) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_steps WHERE id = ? AND status = ?
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("sqlite: delete step: %w", err)
	}
	return expectOne(res, fmt.Sprintf("delete %s step %s", status, id), failure.ErrConflict)
}

func (s *Store) ListStaleSteps(ctx context.Context, before time.Time) ([]*ledger.StepRecord, error) {
	return s.querySteps(ctx, `
		SELECT `+stepColumns+`
		FROM workflow_steps
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC, id COLLATE BINARY ASC
	`, string(ledger.StepRunning), toMillis(before))
}

func (s *Store) querySteps(ctx context.Context, query string, args ...any) ([]*ledger.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query steps: %w", err)
	}
	defer rows.Close()

	steps := []*ledger.StepRecord{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate steps: %w", err)
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
	err := row.Scan(
		&step.ID,
		&step.WorkflowID,
		&step.StepKey,
		&input,
		&output,
		&status,
		&step.Error,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	step.Status = ledger.StepStatus(status)
	step.Input = blob.Blob(input)
	step.Output = blobOrNil(output)
	step.CreatedAt = fromMillis(createdAt)
	step.UpdatedAt = fromMillis(updatedAt)
	return &step, nil
}

func blobOrNil(b []byte) blob.Blob {
	if len(b) == 0 {
		return nil
	}
	return blob.Blob(b)
}

// expectOne returns sentinel unless exactly one row was affected.
func expectOne(res sql.Result, what string, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", what, err)
	}
	if n != 1 {
		return fmt.Errorf("sqlite: %s: %w", what, sentinel)
	}
	return nil
}
