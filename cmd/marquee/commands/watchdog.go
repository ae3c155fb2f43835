package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWatchdogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Run one watchdog pass over running runs",
		Long: `Run one watchdog pass.

The watchdog finalizes runs whose items are all accounted for, resumes stalled
dispatch from the saved cursor and fails runs that made no progress for too
long. "marquee serve" runs it on a schedule; this command runs it once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			report, err := a.service.RunWatchdog(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}

			if !report.Acquired {
				fmt.Println("Watchdog lock is held by another instance")
				return nil
			}
			if len(report.Checks) == 0 {
				fmt.Println("No running runs")
				return nil
			}
			for _, c := range report.Checks {
				resumed := ""
				if c.Resumed {
					resumed = " (dispatch resumed)"
				}
				fmt.Printf("%s: %s, %d/%d processed, %d error(s)%s\n",
					c.RunID, c.Outcome, c.Counters.Processed, c.Total, c.Errors, resumed)
			}
			return nil
		},
	}

	return cmd
}
