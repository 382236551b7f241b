package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/config"
	"github.com/roach88/ledger/internal/ledger"
	"github.com/roach88/ledger/internal/store/sqlite"
)

// harness runs CLI invocations against one temp-dir SQLite database.
type harness struct {
	t      *testing.T
	dbPath string
}

type result struct {
	code   int
	stdout string
	stderr string
	resp   CLIResponse
	data   json.RawMessage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	for _, name := range []string{config.EnvBackend, config.EnvSQLitePath, config.EnvLogLevel, config.EnvShardCount} {
		t.Setenv(name, "")
	}
	t.Chdir(t.TempDir())
	return &harness{t: t, dbPath: filepath.Join(t.TempDir(), "ledger.db")}
}

// run executes args with --format json and decodes the response envelope.
func (h *harness) run(args ...string) result {
	h.t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--backend", "sqlite", "--db", h.dbPath, "--format", "json"}, args...)
	code := Execute(context.Background(), full, &out, &errOut)

	res := result{code: code, stdout: out.String(), stderr: errOut.String()}
	if out.Len() > 0 {
		var raw struct {
			CLIResponse
			Data json.RawMessage `json:"data"`
		}
		require.NoError(h.t, json.Unmarshal(out.Bytes(), &raw), "stdout: %s", out.String())
		res.resp = raw.CLIResponse
		res.data = raw.Data
	}
	return res
}

func (h *harness) ok(args ...string) json.RawMessage {
	h.t.Helper()
	res := h.run(args...)
	require.Equal(h.t, ExitSuccess, res.code, "stdout: %s\nstderr: %s", res.stdout, res.stderr)
	require.Equal(h.t, "ok", res.resp.Status)
	return res.data
}

func decode[T any](t *testing.T, data json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func (h *harness) createRunning() string {
	h.t.Helper()
	run := decode[ledger.WorkflowRun](h.t, h.ok("workflow", "create", "--state", `{"lead":"l-1"}`))
	assert.Equal(h.t, ledger.WorkflowPending, run.Status)
	assert.JSONEq(h.t, `{"lead":"l-1"}`, run.State.String())

	started := decode[ledger.WorkflowRun](h.t, h.ok("workflow", "start", run.ID))
	require.Equal(h.t, ledger.WorkflowRunning, started.Status)
	return run.ID
}

func TestStepRun_ReplaysJournaledOutcome(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning()

	first := decode[stepRunView](t, h.ok("step", "run", id, "fetch", "--input", `{"url":"x"}`, "--output", `"A-done"`))
	assert.False(t, first.Replayed)
	assert.Equal(t, `"A-done"`, first.Output.String())

	second := decode[stepRunView](t, h.ok("step", "run", id, "fetch", "--input", `{"url":"x"}`, "--output", `"B-done"`))
	assert.True(t, second.Replayed)
	assert.Equal(t, `"A-done"`, second.Output.String(), "journaled output wins over the new one")
}

func TestStepRun_FailureIsPersisted(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning()

	for i := 0; i < 2; i++ {
		res := h.run("step", "run", id, "notify", "--error", "boom")
		assert.Equal(t, ExitFailure, res.code)
		require.NotNil(t, res.resp.Error)
		assert.Equal(t, "STEP_FAILED", res.resp.Error.Code)
		assert.Contains(t, res.resp.Error.Message, "boom")
		assert.NotContains(t, res.stderr, "Error:", "reported errors are not printed twice")
	}

	steps := decode[[]*ledger.StepRecord](t, h.ok("step", "list", id))
	require.Len(t, steps, 1)
	assert.Equal(t, ledger.StepFailed, steps[0].Status)
	assert.Equal(t, "boom", steps[0].Error)

	h.ok("step", "reset", id, "notify")
	rerun := decode[stepRunView](t, h.ok("step", "run", id, "notify", "--output", `{"sent":true}`))
	assert.False(t, rerun.Replayed)
}

func TestWorkflow_Lifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning()
	h.ok("step", "run", id, "fetch", "--output", `1`)
	h.ok("step", "run", id, "enrich", "--output", `2`)

	shown := decode[workflowView](t, h.ok("workflow", "show", id))
	require.Len(t, shown.Steps, 2)
	assert.Equal(t, "fetch", shown.Steps[0].StepKey)
	assert.Equal(t, "enrich", shown.Steps[1].StepKey)

	paused := decode[ledger.WorkflowRun](t, h.ok("workflow", "pause", id))
	assert.Equal(t, ledger.WorkflowPaused, paused.Status)
	h.ok("workflow", "start", id)

	done := decode[ledger.WorkflowRun](t, h.ok("workflow", "complete", id, "--result", `{"score":7}`))
	assert.Equal(t, ledger.WorkflowCompleted, done.Status)
	assert.JSONEq(t, `{"score":7}`, done.Result.String())

	res := h.run("workflow", "start", id)
	assert.Equal(t, ExitCommandError, res.code)
	assert.Equal(t, "INVALID_TRANSITION", res.resp.Error.Code)
}

func TestWorkflow_FailAndUnknown(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning()

	failed := decode[ledger.WorkflowRun](t, h.ok("workflow", "fail", id, "--error", "gave up"))
	assert.Equal(t, ledger.WorkflowFailed, failed.Status)
	assert.Equal(t, "gave up", failed.Error)

	res := h.run("workflow", "show", "does-not-exist")
	assert.Equal(t, ExitCommandError, res.code)
	assert.Equal(t, "NOT_FOUND", res.resp.Error.Code)
}

func TestCounter_IncrTotalAdmitRelease(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		h.ok("counter", "incr", "api:t1", "2.5", "--shards", "4")
	}
	total := decode[totalView](t, h.ok("counter", "total", "api:t1", "--detail"))
	assert.Equal(t, 7.5, total.Total)
	assert.NotEmpty(t, total.Shards)

	adm := decode[admissionView](t, h.ok("counter", "admit", "jobs", "--limit", "1", "--shards", "1"))
	assert.True(t, adm.Allowed)
	assert.Equal(t, 0, adm.ShardID)

	res := h.run("counter", "admit", "jobs", "--limit", "1", "--shards", "1")
	assert.Equal(t, ExitFailure, res.code)
	assert.False(t, decode[admissionView](t, res.data).Allowed)

	h.ok("counter", "release", "jobs", "0")
	h.ok("counter", "admit", "jobs", "--limit", "1", "--shards", "1")

	res = h.run("counter", "incr", "api:t1", "lots")
	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, "not a number")
}

func TestCredits_Consume(t *testing.T) {
	h := newHarness(t)
	t.Setenv(config.EnvShardCount, "1")

	granted := decode[creditView](t, h.ok("credits", "consume", "llm:t1", "--amount", "6", "--capacity", "10"))
	assert.True(t, granted.Allowed)
	assert.Equal(t, 4.0, granted.Remaining)

	res := h.run("credits", "consume", "llm:t1", "--amount", "6", "--capacity", "10")
	assert.Equal(t, ExitFailure, res.code)
	denied := decode[creditView](t, res.data)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 4.0, denied.Remaining)
}

func TestSweep_ReportsStaleRunningSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := sqlite.Open(h.dbPath)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond)
	require.NoError(t, st.InsertWorkflow(ctx, &ledger.WorkflowRun{
		ID: "wf-stale", Status: ledger.WorkflowRunning, State: blob.Empty, CreatedAt: old, UpdatedAt: old,
	}))
	require.NoError(t, st.InsertStep(ctx, &ledger.StepRecord{
		ID: "step-stale", WorkflowID: "wf-stale", StepKey: "charge", Input: blob.Null,
		Status: ledger.StepRunning, CreatedAt: old, UpdatedAt: old,
	}))
	require.NoError(t, st.Close())

	swept := decode[sweepResult](t, h.ok("sweep", "--once", "--stale-after", "1h"))
	require.Len(t, swept.Stale, 1)
	assert.Equal(t, "charge", swept.Stale[0].StepKey)

	swept = decode[sweepResult](t, h.ok("sweep", "--once", "--stale-after", "3h"))
	assert.Empty(t, swept.Stale)
}

func TestSweep_StopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out, errOut bytes.Buffer
	code := Execute(ctx, []string{"--backend", "sqlite", "--db", h.dbPath, "sweep", "--schedule", "@every 1h"}, &out, &errOut)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, errOut.String(), "sweeper stopped")
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad format", []string{"--format", "yaml", "counter", "total", "k"}, "invalid format"},
		{"unknown backend", []string{"--backend", "mongo", "counter", "total", "k"}, "config"},
		{"bad json input", []string{"--backend", "memory", "workflow", "create", "--state", "{"}, "not valid JSON"},
		{"missing required flag", []string{"--backend", "memory", "credits", "consume", "k"}, "required flag"},
		{"bad schedule", []string{"--backend", "memory", "sweep", "--schedule", "whenever"}, "invalid schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			code := Execute(context.Background(), tt.args, &out, &errOut)
			assert.Equal(t, ExitCommandError, code)
			assert.Contains(t, errOut.String(), tt.want)
		})
	}
	_ = h
}

func TestWorkflowShow_Text(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning()
	h.ok("step", "run", id, "fetch", "--output", `"A-done"`)

	var out, errOut bytes.Buffer
	code := Execute(context.Background(), []string{"--backend", "sqlite", "--db", h.dbPath, "workflow", "show", id}, &out, &errOut)
	require.Equal(t, ExitSuccess, code, errOut.String())
	assert.Contains(t, out.String(), "Status:   running")
	assert.Contains(t, out.String(), `fetch`)
	assert.Contains(t, out.String(), `-> "A-done"`)
}
