package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/blob"
)

// StepRunOptions holds flags for the step run command.
type StepRunOptions struct {
	*RootOptions
	Input  string
	Output string
	Error  string
}

// NewStepCommand creates the step command group.
func NewStepCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Run, list and reset journaled steps",
	}

	cmd.AddCommand(newStepRunCommand(rootOpts))
	cmd.AddCommand(newStepListCommand(rootOpts))
	cmd.AddCommand(newStepResetCommand(rootOpts))
	return cmd
}

func newStepRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StepRunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <workflow-id> <step-key>",
		Short: "Record a step outcome at most once",
		Long: `Run a step through the ledger with a fixed outcome.

The first run journals the step and records either --output or --error.
Every later run for the same workflow and key returns the journaled outcome
without recording anything, which makes this command a manual replay probe.

Exit codes:
  0 - Step completed (now or previously)
  1 - Step failed or is indeterminate
  2 - Command error

Examples:
  ledger step run 0192... fetch --input '{"url":"x"}' --output '"A-done"'
  ledger step run 0192... notify --error boom`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.Input, "input", "", "step input as JSON (journaled for drift checks)")
	cmd.Flags().StringVar(&opts.Output, "output", "", "output to journal when the step executes, as JSON")
	cmd.Flags().StringVar(&opts.Error, "error", "", "error message to journal when the step executes")
	cmd.MarkFlagsMutuallyExclusive("output", "error")
	return cmd
}

func runStep(cmd *cobra.Command, opts *StepRunOptions, workflowID, stepKey string) error {
	e, err := opts.openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	input, err := parseFlagBlob("input", opts.Input)
	if err != nil {
		return err
	}
	output, err := parseFlagBlob("output", opts.Output)
	if err != nil {
		return err
	}

	executed := false
	work := func(context.Context) (blob.Blob, error) {
		executed = true
		if opts.Error != "" {
			return nil, errors.New(opts.Error)
		}
		return output, nil
	}

	got, err := e.ledger.RunStep(cmd.Context(), workflowID, stepKey, input, work)
	if err != nil {
		return e.out.Fail(err, map[string]bool{"replayed": !executed})
	}
	return e.out.Success(stepRunView{
		WorkflowID: workflowID,
		StepKey:    stepKey,
		Output:     got,
		Replayed:   !executed,
	})
}

func newStepListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <workflow-id>",
		Short: "List a workflow's journaled steps in creation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			steps, err := e.ledger.Steps(cmd.Context(), args[0])
			if err != nil {
				return e.out.Fail(err, nil)
			}
			return e.out.Success(stepsView(steps))
		},
	}
}

func newStepResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <workflow-id> <step-key>",
		Short: "Remove a failed step so it runs again on the next replay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.ledger.ResetStep(cmd.Context(), args[0], args[1]); err != nil {
				return e.out.Fail(err, nil)
			}
			return e.out.Success(message{Message: "Step " + args[0] + "/" + args[1] + " reset."})
		},
	}
}
