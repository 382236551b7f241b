package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewCounterCommand creates the counter command group.
func NewCounterCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Sharded counters and admission control",
		Long: `Operate sharded counters.

A key is spread over N shards so concurrent writers rarely touch the same
record. Totals are the sum of all shards. Admission treats each shard as a
slot pool bounded by --limit and picks the emptier of two random shards.

Examples:
  ledger counter incr api:tenant-1 1 --shards 16
  ledger counter total api:tenant-1
  ledger counter admit jobs:render --limit 5 --shards 4
  ledger counter release jobs:render 2`,
	}

	cmd.AddCommand(newCounterIncrCommand(rootOpts))
	cmd.AddCommand(newCounterTotalCommand(rootOpts))
	cmd.AddCommand(newCounterAdmitCommand(rootOpts))
	cmd.AddCommand(newCounterReleaseCommand(rootOpts))
	return cmd
}

func newCounterIncrCommand(rootOpts *RootOptions) *cobra.Command {
	var shards int

	cmd := &cobra.Command{
		Use:   "incr <key> <delta>",
		Short: "Add delta to one randomly chosen shard of key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("delta %q is not a number", args[1]))
			}

			e, err := rootOpts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			n := orDefault(shards, e.shards.DefaultShards())
			if err := e.shards.Increment(cmd.Context(), args[0], delta, n); err != nil {
				return e.out.Fail(err, nil)
			}
			e.out.VerboseLog("incremented %s by %g over %d shards", args[0], delta, n)

			total, err := e.shards.ReadTotal(cmd.Context(), args[0])
			if err != nil {
				return e.out.Fail(err, nil)
			}
			return e.out.Success(totalView{Key: args[0], Total: total})
		},
	}

	cmd.Flags().IntVar(&shards, "shards", 0, "shard count (default accounting.shard_count)")
	return cmd
}

func newCounterTotalCommand(rootOpts *RootOptions) *cobra.Command {
	var detail bool

	cmd := &cobra.Command{
		Use:   "total <key>",
		Short: "Sum all shards of key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			total, err := e.shards.ReadTotal(cmd.Context(), args[0])
			if err != nil {
				return e.out.Fail(err, nil)
			}
			view := totalView{Key: args[0], Total: total}
			if detail {
				view.Shards, err = e.shards.Shards(cmd.Context(), args[0])
				if err != nil {
					return e.out.Fail(err, nil)
				}
			}
			return e.out.Success(view)
		},
	}

	cmd.Flags().BoolVar(&detail, "detail", false, "include per-shard values")
	return cmd
}

func newCounterAdmitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		limit  int
		shards int
	)

	cmd := &cobra.Command{
		Use:   "admit <key>",
		Short: "Take one slot on the less loaded of two random shards",
		Long: `Take one admission slot for key.

Exit codes:
  0 - Admitted
  1 - Denied, the chosen shard is at --limit
  2 - Command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			n := orDefault(shards, e.shards.DefaultShards())
			adm, err := e.shards.Admit(cmd.Context(), args[0], limit, n)
			if err != nil {
				return e.out.Fail(err, nil)
			}
			if err := e.out.Success(admissionView{Key: args[0], Admission: adm}); err != nil {
				return err
			}
			if !adm.Allowed {
				return NewExitError(ExitFailure, "admission denied")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum occupancy per shard (required)")
	cmd.Flags().IntVar(&shards, "shards", 0, "shard count (default accounting.shard_count)")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}

func newCounterReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <key> <shard-id>",
		Short: "Return a slot taken by admit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			shardID, err := strconv.Atoi(args[1])
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("shard id %q is not an integer", args[1]))
			}

			e, err := rootOpts.openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			freed, err := e.shards.Release(cmd.Context(), args[0], shardID)
			if err != nil {
				return e.out.Fail(err, nil)
			}
			msg := fmt.Sprintf("Released a slot on %s shard %d.", args[0], shardID)
			if !freed {
				msg = fmt.Sprintf("Shard %d of %s holds no slots; nothing released.", shardID, args[0])
			}
			return e.out.Success(message{Message: msg})
		},
	}
}

func orDefault(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}
