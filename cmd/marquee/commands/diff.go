package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marquee-labs/marquee/pkg/activation"
	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

func newDiffCommand() *cobra.Command {
	var (
		sampleSize int
		archive    bool
	)

	cmd := &cobra.Command{
		Use:   "diff <run-id>",
		Short: "Compare a run's evaluations with its baseline version",
		Long: `Compare the evaluations of a prepared or promoted run with its baseline.

A prepared run is compared with the active version; a promoted run with the
version it replaced. Items are classified as regressions, improvements,
unchanged or still ineligible, and the highest trending items of each class
are sampled.`,
		Example: `  # Show the diff of a prepared run
  marquee diff 6f1c... --sample-size 20

  # Write the report to the configured archive
  marquee diff 6f1c... --archive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			op := a.operation(ctx, "cli.diff", telemetry.AttrRunID.String(args[0]))
			defer func() { op.End(err) }()
			ctx = op.Ctx

			if archive {
				location, err := a.service.ArchiveDiff(ctx, args[0], sampleSize)
				if err != nil {
					return err
				}
				op.Logger.WithRunID(args[0]).WithField("location", location).Info("Diff archived")
				if jsonOutput {
					return printJSON(map[string]string{"location": location})
				}
				fmt.Printf("Diff archived to %s\n", location)
				return nil
			}

			res, err := a.service.ComputeDiff(ctx, args[0], sampleSize)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(res); err != nil {
					return err
				}
			}
			if !res.Success {
				return failureError(res.Error)
			}
			if !jsonOutput {
				printDiff(res.Report)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&sampleSize, "sample-size", 0, "items sampled per class (default from config)")
	cmd.Flags().BoolVar(&archive, "archive", false, "archive the report instead of printing it")

	return cmd
}

var diffClassTitles = []struct {
	class engine.DiffClass
	title string
}{
	{engine.DiffRegression, "Regressions"},
	{engine.DiffImprovement, "Improvements"},
	{engine.DiffUnchanged, "Unchanged"},
	{engine.DiffStillIneligible, "Still ineligible"},
}

func printDiff(r *activation.DiffReport) {
	baseline := "none"
	if r.OldVersion != nil {
		baseline = fmt.Sprintf("version %d", *r.OldVersion)
	}
	fmt.Printf("Run %s: version %d against %s\n", r.RunID, r.NewVersion, baseline)
	fmt.Printf("Regressions: %d  Improvements: %d  Unchanged: %d  Still ineligible: %d\n",
		r.Counts.Regressions, r.Counts.Improvements, r.Counts.Unchanged, r.Counts.StillIneligible)

	for _, c := range diffClassTitles {
		samples := r.Samples[c.class]
		if len(samples) == 0 {
			continue
		}
		fmt.Printf("\n%s:\n", c.title)
		for _, s := range samples {
			line := fmt.Sprintf("  %-12s %-40s %s -> %s (trending %.3f)",
				s.ItemID, s.Title, s.OldStatus, s.NewStatus, s.TrendingScore)
			if len(s.NewReasons) > 0 {
				reasons := make([]string, len(s.NewReasons))
				for i, reason := range s.NewReasons {
					reasons[i] = string(reason)
				}
				line += " " + strings.Join(reasons, ",")
			}
			fmt.Println(line)
		}
	}
}
