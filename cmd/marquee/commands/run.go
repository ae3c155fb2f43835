package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marquee-labs/marquee/pkg/activation"
	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"runs"},
		Short:   "Prepare, inspect and promote activation runs",
		Long: `Manage activation runs.

A run re-evaluates every catalog item that was ready at its snapshot cutoff
against one policy version. Once prepared and within the promotion thresholds
it can be promoted, which makes its policy version active.`,
	}

	cmd.AddCommand(newRunPrepareCommand())
	cmd.AddCommand(newRunStatusCommand())
	cmd.AddCommand(newRunPromoteCommand())
	cmd.AddCommand(newRunCancelCommand())
	cmd.AddCommand(newRunListCommand())

	return cmd
}

// thresholdFlags binds the promotion threshold overrides of a command.
type thresholdFlags struct {
	coverage  float64
	maxErrors int64
}

func (f *thresholdFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.coverage, "coverage-threshold", 0, "minimum processed/total ratio (default from config)")
	cmd.Flags().Int64Var(&f.maxErrors, "max-errors", 0, "maximum item errors (default from config)")
}

// resolve returns nil unless a threshold flag was set, so the configured
// defaults apply.
func (f *thresholdFlags) resolve(cmd *cobra.Command, svc *activation.Service) *activation.Thresholds {
	coverageSet := cmd.Flags().Changed("coverage-threshold")
	errorsSet := cmd.Flags().Changed("max-errors")
	if !coverageSet && !errorsSet {
		return nil
	}
	th := svc.DefaultThresholds()
	if coverageSet {
		th.CoverageThreshold = f.coverage
	}
	if errorsSet {
		th.MaxErrors = f.maxErrors
	}
	return &th
}

func newRunPrepareCommand() *cobra.Command {
	var (
		batchSize int
		createdBy string
		wait      bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prepare <policy-id|version>",
		Short: "Start a run that re-evaluates the catalog against a policy version",
		Long: `Start a run for a policy version.

The catalog snapshot is frozen when the run is created. Evaluation happens in
"marquee serve", or in this process with --wait.`,
		Example: `  # Prepare version 4 and let the server evaluate it
  marquee run prepare 4

  # Prepare and evaluate in this process
  marquee run prepare 4 --wait --timeout 30m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			op := a.operation(ctx, "cli.run.prepare")
			defer func() { op.End(err) }()
			ctx = op.Ctx

			policyID, err := a.resolvePolicyID(ctx, args[0])
			if err != nil {
				return err
			}

			res, err := a.service.Prepare(ctx, policyID, activation.PrepareOptions{
				BatchSize: batchSize,
				CreatedBy: createdBy,
			})
			if err != nil {
				return err
			}
			if !res.Success {
				if jsonOutput {
					_ = printJSON(res)
				}
				return failureError(res.Error)
			}
			op.Logger.WithRunID(res.RunID).Infof("Run prepared with %d ready item(s)", res.TotalReadySnapshot)

			if !wait {
				if jsonOutput {
					return printJSON(res)
				}
				fmt.Printf("Run %s prepared: %d ready item(s) at %s\n",
					res.RunID, res.TotalReadySnapshot, formatTime(res.SnapshotCutoff))
				return nil
			}

			if err := a.waitForRun(ctx, res.RunID, timeout); err != nil {
				return err
			}
			return a.printStatus(ctx, res.RunID, nil)
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "orchestrator page size (default from config)")
	cmd.Flags().StringVar(&createdBy, "created-by", os.Getenv("USER"), "operator recorded on the run")
	cmd.Flags().BoolVar(&wait, "wait", false, "evaluate the run in this process and wait for it to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "maximum time to wait with --wait")

	return cmd
}

// waitForRun drives the job lanes and the watchdog on the calling goroutine
// until the run leaves the running state.
func (a *app) waitForRun(ctx context.Context, runID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := a.cfg.Queue.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	// Surface item failures of this run while it is evaluated in-process.
	ofRun, severe := telemetry.FilterByRunID(runID), telemetry.FilterByLevel(telemetry.EventLevelWarning)
	a.tel.Events.Subscribe(func(e telemetry.Event) {
		log.Warn().Str("run_id", e.RunID).Str("item_id", e.ItemID).Str("type", e.Type).Msg(e.Message)
	}, func(e telemetry.Event) bool { return ofRun(e) && severe(e) })

	for {
		attempts, err := a.dispatcher.RunPending(ctx)
		if err != nil {
			return err
		}
		if _, err := a.service.RunWatchdog(ctx); err != nil {
			return err
		}

		report, err := a.service.GetStatus(ctx, runID, nil)
		if err != nil {
			return err
		}
		if report.Run.Status != engine.RunStatusRunning {
			return nil
		}
		log.Debug().
			Int("attempts", attempts).
			Int64("processed", report.Run.Processed).
			Int64("total", report.Run.TotalReadySnapshot).
			Msg("Run in progress")

		if attempts == 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("run %s still running: %w", runID, ctx.Err())
			case <-time.After(poll):
			}
		}
	}
}

func newRunStatusCommand() *cobra.Command {
	var th thresholdFlags

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run progress and promotion readiness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			return a.printStatus(ctx, args[0], th.resolve(cmd, a.service))
		},
	}

	th.register(cmd)

	return cmd
}

func (a *app) printStatus(ctx context.Context, runID string, th *activation.Thresholds) error {
	report, err := a.service.GetStatus(ctx, runID, th)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(report)
	}

	run := report.Run
	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Policy:     %s (version %d)\n", run.PolicyID, run.PolicyVersion)
	fmt.Printf("Status:     %s\n", run.Status)
	fmt.Printf("Snapshot:   %d item(s) at %s\n", run.TotalReadySnapshot, formatTime(run.SnapshotCutoff))
	fmt.Printf("Progress:   %d processed (%.1f%%), %d eligible, %d ineligible, %d pending\n",
		run.Processed, report.Coverage*100, run.Eligible, run.Ineligible, run.Pending)
	fmt.Printf("Errors:     %d\n", run.Errors)
	for _, e := range run.ErrorSample {
		fmt.Printf("  %s %s: %s\n", formatTime(e.At), e.ItemID, e.Message)
	}
	fmt.Printf("Started:    %s\n", formatTime(run.StartedAt))
	fmt.Printf("Finished:   %s\n", formatTimePtr(run.FinishedAt))
	if run.PromotedAt != nil {
		fmt.Printf("Promoted:   %s by %s\n", formatTimePtr(run.PromotedAt), run.PromotedBy)
	}
	fmt.Printf("Promotable: %v (blocking: %s)\n", report.ReadyToPromote, formatReasons(report.BlockingReasons))
	return nil
}

func newRunPromoteCommand() *cobra.Command {
	var (
		th         thresholdFlags
		promotedBy string
	)

	cmd := &cobra.Command{
		Use:   "promote <run-id>",
		Short: "Activate the policy version of a prepared run",
		Long: `Promote a prepared run, making its policy version the active one.

Promotion is refused while coverage is below the threshold or more errors than
allowed were recorded. The diff against the replaced version is archived when
an archive backend is configured.`,
		Example: `  # Promote with the configured thresholds
  marquee run promote 6f1c...

  # Accept a lower coverage
  marquee run promote 6f1c... --coverage-threshold 0.95`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			op := a.operation(ctx, "cli.run.promote", telemetry.AttrRunID.String(args[0]))
			defer func() { op.End(err) }()
			ctx = op.Ctx

			res, err := a.service.Promote(ctx, args[0], activation.PromoteOptions{
				Thresholds: th.resolve(cmd, a.service),
				PromotedBy: promotedBy,
			})
			if err != nil {
				return err
			}
			if res.Success {
				op.Logger.WithRunID(res.Run.ID).WithPolicyVersion(res.Run.PolicyVersion).Info("Run promoted")
			}
			return printRunResult(res, "promoted")
		},
	}

	th.register(cmd)
	cmd.Flags().StringVar(&promotedBy, "promoted-by", os.Getenv("USER"), "operator recorded on the run")

	return cmd
}

func newRunCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			op := a.operation(ctx, "cli.run.cancel", telemetry.AttrRunID.String(args[0]))
			defer func() { op.End(err) }()

			res, err := a.service.Cancel(op.Ctx, args[0])
			if err != nil {
				return err
			}
			return printRunResult(res, "cancelled")
		},
	}

	return cmd
}

func printRunResult(res *activation.RunResult, verb string) error {
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	}
	if !res.Success {
		return failureError(res.Error)
	}
	if !jsonOutput {
		fmt.Printf("Run %s %s (policy version %d)\n", res.Run.ID, verb, res.Run.PolicyVersion)
	}
	return nil
}

func newRunListCommand() *cobra.Command {
	var opts engine.ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			runs, err := a.service.ListRuns(ctx, opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tPROCESSED\tTOTAL\tERRORS\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\t%s\n",
					r.ID, r.PolicyVersion, r.Status, r.Processed, r.TotalReadySnapshot, r.Errors, formatTime(r.StartedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "number of runs to skip")

	return cmd
}
