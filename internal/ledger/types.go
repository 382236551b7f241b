package ledger

import (
	"time"

	"github.com/roach88/ledger/internal/blob"
)

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowPaused    WorkflowStatus = "paused"
)

// workflowTransitions lists the allowed forward moves. failed→running is a
// replay; completed is terminal.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowPending: {WorkflowRunning},
	WorkflowRunning: {WorkflowCompleted, WorkflowFailed, WorkflowPaused},
	WorkflowPaused:  {WorkflowRunning},
	WorkflowFailed:  {WorkflowRunning},
}

// CanTransition reports whether a workflow may move from s to next.
func (s WorkflowStatus) CanTransition(next WorkflowStatus) bool {
	for _, allowed := range workflowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowPending, WorkflowRunning, WorkflowCompleted, WorkflowFailed, WorkflowPaused:
		return true
	}
	return false
}

// StepStatus is the state of one journaled step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step has reached completed or failed.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// WorkflowRun is one durable execution instance of a multi-step process.
type WorkflowRun struct {
	ID        string         `json:"id"`
	Status    WorkflowStatus `json:"status"`
	State     blob.Blob      `json:"state"`
	Result    blob.Blob      `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy.
func (w *WorkflowRun) Clone() *WorkflowRun {
	if w == nil {
		return nil
	}
	cp := *w
	cp.State = w.State.Clone()
	cp.Result = w.Result.Clone()
	return &cp
}

// StepRecord is the journal entry for one step of one workflow run.
//
// INVARIANTS:
//   - (WorkflowID, StepKey) is unique
//   - Output is set if and only if Status is completed
//   - Error is set if and only if Status is failed
//   - Status moves running→completed or running→failed, never back
type StepRecord struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	StepKey    string     `json:"step_key"`
	Input      blob.Blob  `json:"input"`
	Output     blob.Blob  `json:"output,omitempty"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *StepRecord) Clone() *StepRecord {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Input = s.Input.Clone()
	cp.Output = s.Output.Clone()
	return &cp
}

// WorkflowPatch is the set of fields a workflow status change writes.
type WorkflowPatch struct {
	Status    WorkflowStatus
	Result    blob.Blob
	Error     string
	UpdatedAt time.Time
}

// StepPatch is the set of fields a step status change writes.
type StepPatch struct {
	Status    StepStatus
	Output    blob.Blob
	Error     string
	UpdatedAt time.Time
}
