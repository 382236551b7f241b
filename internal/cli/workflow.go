package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/blob"
	"github.com/roach88/ledger/internal/ledger"
)

// NewWorkflowCommand creates the workflow command group.
func NewWorkflowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Create and move workflow runs through their lifecycle",
		Long: `Create and inspect workflow runs and move them between states.

Allowed transitions:
  pending -> running
  running -> completed | failed | paused
  paused  -> running
  failed  -> running   (replay)

Examples:
  ledger workflow create --state '{"lead":"l-1"}'
  ledger workflow start 0192...
  ledger workflow show 0192... --format json`,
	}

	cmd.AddCommand(newWorkflowCreateCommand(rootOpts))
	cmd.AddCommand(newWorkflowShowCommand(rootOpts))
	cmd.AddCommand(newWorkflowTransitionCommand(rootOpts, "start", "Move a pending, paused or failed run to running",
		func(cmd *cobra.Command, e *env, id string) (*ledger.WorkflowRun, error) {
			return e.ledger.StartWorkflow(cmd.Context(), id)
		}, nil))
	cmd.AddCommand(newWorkflowTransitionCommand(rootOpts, "pause", "Park a running workflow",
		func(cmd *cobra.Command, e *env, id string) (*ledger.WorkflowRun, error) {
			return e.ledger.PauseWorkflow(cmd.Context(), id)
		}, nil))

	var result string
	cmd.AddCommand(newWorkflowTransitionCommand(rootOpts, "complete", "Finalize a running workflow with its result",
		func(cmd *cobra.Command, e *env, id string) (*ledger.WorkflowRun, error) {
			b, err := parseFlagBlob("result", result)
			if err != nil {
				return nil, err
			}
			return e.ledger.CompleteWorkflow(cmd.Context(), id, b)
		},
		func(c *cobra.Command) {
			c.Flags().StringVar(&result, "result", "", "workflow result as JSON")
		}))

	var message string
	cmd.AddCommand(newWorkflowTransitionCommand(rootOpts, "fail", "Finalize a running workflow with an error",
		func(cmd *cobra.Command, e *env, id string) (*ledger.WorkflowRun, error) {
			return e.ledger.FailWorkflow(cmd.Context(), id, message)
		},
		func(c *cobra.Command) {
			c.Flags().StringVar(&message, "error", "", "error message (required)")
			_ = c.MarkFlagRequired("error")
		}))

	return cmd
}

func newWorkflowCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Journal a new pending workflow run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			b, err := parseFlagBlob("state", state)
			if err != nil {
				return err
			}
			run, err := e.ledger.CreateWorkflow(cmd.Context(), b)
			if err != nil {
				return e.out.Fail(err, nil)
			}
			return e.out.Success(workflowView{WorkflowRun: run})
		},
	}

	cmd.Flags().StringVar(&state, "state", "{}", "opaque workflow state as JSON")
	return cmd
}

func newWorkflowShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow run and its step journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.ledger.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return e.out.Fail(err, nil)
			}
			steps, err := e.ledger.Steps(cmd.Context(), run.ID)
			if err != nil {
				return e.out.Fail(err, nil)
			}
			return e.out.Success(workflowView{WorkflowRun: run, Steps: steps})
		},
	}
}

type transitionFunc func(cmd *cobra.Command, e *env, id string) (*ledger.WorkflowRun, error)

func newWorkflowTransitionCommand(rootOpts *RootOptions, name, short string, apply transitionFunc, flags func(*cobra.Command)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " <workflow-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := apply(cmd, e, args[0])
			if err != nil {
				return e.out.Fail(err, nil)
			}
			return e.out.Success(workflowView{WorkflowRun: run})
		},
	}
	if flags != nil {
		flags(cmd)
	}
	return cmd
}

// parseFlagBlob parses a JSON flag value. An empty value is JSON null.
func parseFlagBlob(flag, value string) (blob.Blob, error) {
	b, err := blob.Parse(value)
	if err != nil {
		return nil, NewExitError(ExitCommandError, "--"+flag+" is not valid JSON: "+err.Error())
	}
	return b, nil
}
