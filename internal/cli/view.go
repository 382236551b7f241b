package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/ledger"
	"github.com/roach88/ledger/internal/shard"
)

// workflowView is a workflow run with its journal, as printed by
// `workflow show` and the lifecycle commands.
type workflowView struct {
	*ledger.WorkflowRun
	Steps []*ledger.StepRecord `json:"steps,omitempty"`
}

func (v workflowView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\n", v.ID)
	fmt.Fprintf(&b, "Status:   %s\n", v.Status)
	fmt.Fprintf(&b, "State:    %s\n", v.State)
	if len(v.Result) > 0 {
		fmt.Fprintf(&b, "Result:   %s\n", v.Result)
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "Error:    %s\n", v.Error)
	}
	fmt.Fprintf(&b, "Created:  %s\n", stamp(v.CreatedAt))
	fmt.Fprintf(&b, "Updated:  %s", stamp(v.UpdatedAt))
	if len(v.Steps) > 0 {
		b.WriteString("\n\n")
		b.WriteString(stepsView(v.Steps).String())
	}
	return b.String()
}

// stepsView prints one line per journaled step.
type stepsView []*ledger.StepRecord

func (v stepsView) String() string {
	if len(v) == 0 {
		return "No steps journaled."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Steps (%d):", len(v))
	for _, s := range v {
		fmt.Fprintf(&b, "\n  %-10s %-24s %s", s.Status, s.StepKey, stamp(s.UpdatedAt))
		switch s.Status {
		case ledger.StepCompleted:
			fmt.Fprintf(&b, "  -> %s", s.Output)
		case ledger.StepFailed:
			fmt.Fprintf(&b, "  !! %s", s.Error)
		}
	}
	return b.String()
}

// stepRunView is the outcome of `step run`.
type stepRunView struct {
	WorkflowID string    `json:"workflow_id"`
	StepKey    string    `json:"step_key"`
	Output     blob.Blob `json:"output"`
	Replayed   bool      `json:"replayed"`
}

func (v stepRunView) String() string {
	verb := "executed"
	if v.Replayed {
		verb = "replayed"
	}
	return fmt.Sprintf("Step %s/%s %s: %s", v.WorkflowID, v.StepKey, verb, v.Output)
}

// totalView is the outcome of `counter total`.
type totalView struct {
	Key    string         `json:"key"`
	Total  float64        `json:"total"`
	Shards []*shard.Shard `json:"shards,omitempty"`
}

func (v totalView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s = %g", v.Key, v.Total)
	for _, s := range v.Shards {
		fmt.Fprintf(&b, "\n  shard %-4d %-12g v%d", s.ShardID, s.Value, s.Version)
	}
	return b.String()
}

type admissionView struct {
	Key string `json:"key"`
	shard.Admission
}

func (v admissionView) String() string {
	if !v.Allowed {
		return fmt.Sprintf("%s: denied (shard %d full)", v.Key, v.ShardID)
	}
	return fmt.Sprintf("%s: admitted on shard %d", v.Key, v.ShardID)
}

type creditView struct {
	Key string `json:"key"`
	shard.Credit
}

func (v creditView) String() string {
	verdict := "granted"
	if !v.Allowed {
		verdict = "denied"
	}
	return fmt.Sprintf("%s: %s, %g remaining on shard %d", v.Key, verdict, v.Remaining, v.ShardID)
}

// message is a plain confirmation line.
type message struct {
	Message string `json:"message"`
}

func (m message) String() string { return m.Message }

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
