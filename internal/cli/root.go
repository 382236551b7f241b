package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Backend    string // overrides store.backend
	Database   string // overrides the selected backend's path or URL
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ledger CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Durable step ledger and sharded accounting",
		Long: `Operate the durable step ledger and the sharded accounting service.

Workflow steps are journaled so a replayed workflow skips work that already
ran. Sharded counters provide contention-free totals, bounded admission and
token-bucket credit metering over the same store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./ledger.yaml if present)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", fmt.Sprintf("record store backend %v", BackendNames()))
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database path or URL for the selected backend")

	cmd.AddCommand(NewWorkflowCommand(opts))
	cmd.AddCommand(NewStepCommand(opts))
	cmd.AddCommand(NewCounterCommand(opts))
	cmd.AddCommand(NewCreditsCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// Execute runs the CLI with args and returns the process exit code. Errors
// not already reported by a command are printed to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil && !reported(err) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return GetExitCode(err)
}
