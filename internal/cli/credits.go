package cli

import (
	"github.com/spf13/cobra"
)

// CreditsOptions holds flags for the credits consume command.
type CreditsOptions struct {
	*RootOptions
	Amount   float64
	Capacity float64
	Refill   float64
}

// NewCreditsCommand creates the credits command group.
func NewCreditsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Token-bucket credit metering",
	}
	cmd.AddCommand(newCreditsConsumeCommand(rootOpts))
	return cmd
}

func newCreditsConsumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreditsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "consume <key>",
		Short: "Spend credits from a refilling bucket",
		Long: `Spend --amount credits from one shard of key's bucket.

The shard refills at --refill credits per millisecond since its last write,
capped at --capacity. A new shard starts full.

Exit codes:
  0 - Credits granted
  1 - Denied (insufficient balance) or lost a concurrent update
  2 - Command error

Examples:
  ledger credits consume llm:tenant-1 --amount 250 --capacity 10000 --refill 0.5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			credit, err := e.shards.ConsumeCredits(cmd.Context(), args[0], opts.Amount, opts.Capacity, opts.Refill)
			if err != nil {
				return e.out.Fail(err, nil)
			}
			if err := e.out.Success(creditView{Key: args[0], Credit: credit}); err != nil {
				return err
			}
			if !credit.Allowed {
				return NewExitError(ExitFailure, "credits denied")
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&opts.Amount, "amount", 1, "credits to spend")
	cmd.Flags().Float64Var(&opts.Capacity, "capacity", 0, "bucket capacity (required)")
	cmd.Flags().Float64Var(&opts.Refill, "refill", 0, "refill rate in credits per millisecond")
	_ = cmd.MarkFlagRequired("capacity")
	return cmd
}
