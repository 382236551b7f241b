package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/ledger"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	StaleAfter time.Duration
	Schedule   string
	Once       bool
}

// sweepResult is the outcome of one pass.
type sweepResult struct {
	Cutoff time.Time            `json:"cutoff"`
	Stale  []*ledger.StepRecord `json:"stale"`
}

func (r sweepResult) String() string {
	if len(r.Stale) == 0 {
		return fmt.Sprintf("No running steps older than %s.", stamp(r.Cutoff))
	}
	return fmt.Sprintf("%d running step(s) older than %s:\n%s",
		len(r.Stale), stamp(r.Cutoff), stepsView(r.Stale))
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Report steps left running by crashed or cancelled workers",
		Long: `Scan for steps that have been running longer than --stale-after.

The ledger cannot tell an abandoned step from one still in flight, so the
sweeper only reports. An operator decides whether the side effect happened,
then resolves the step out of band.

Without --once the scan repeats on --schedule (a cron expression or an
@every descriptor) until interrupted.

Examples:
  ledger sweep --once --stale-after 30m
  ledger sweep --schedule "*/5 * * * *"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.StaleAfter, "stale-after", 0, "age at which a running step is reported (default sweep.stale_after)")
	cmd.Flags().StringVar(&opts.Schedule, "schedule", "", "cron schedule (default sweep.schedule)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "scan once and exit")
	return cmd
}

func runSweep(cmd *cobra.Command, opts *SweepOptions) error {
	e, err := opts.openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		// Validated with the rest of the config.
		staleAfter, _ = e.cfg.Sweep.StaleAfterDuration()
	}

	if opts.Once {
		res, err := sweepOnce(cmd.Context(), e, staleAfter)
		if err != nil {
			return e.out.Fail(err, nil)
		}
		return e.out.Success(res)
	}

	spec := opts.Schedule
	if spec == "" {
		spec = e.cfg.Sweep.Schedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid schedule %q", spec), err)
	}

	return runScheduled(cmd.Context(), e, schedule, staleAfter)
}

func runScheduled(ctx context.Context, e *env, schedule cron.Schedule, staleAfter time.Duration) error {
	c := cron.New(
		cron.WithLogger(cronLogger{e.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{e.logger})),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		res, err := sweepOnce(ctx, e, staleAfter)
		if err != nil {
			e.logger.Error("sweep failed", slog.String("error", err.Error()))
			return
		}
		if len(res.Stale) > 0 {
			_ = e.out.Success(res)
		}
	}))

	e.logger.Info("sweeper started", slog.Duration("stale_after", staleAfter))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	e.logger.Info("sweeper stopped")
	return nil
}

// sweepOnce lists stale running steps and logs each one.
func sweepOnce(ctx context.Context, e *env, staleAfter time.Duration) (sweepResult, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	steps, err := e.ledger.StaleSteps(ctx, staleAfter)
	if err != nil {
		return sweepResult{}, err
	}
	for _, s := range steps {
		e.logger.Warn("stale running step",
			slog.String("workflow_id", s.WorkflowID),
			slog.String("step_key", s.StepKey),
			slog.Time("updated_at", s.UpdatedAt),
		)
	}
	return sweepResult{Cutoff: cutoff, Stale: steps}, nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
