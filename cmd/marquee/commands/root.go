package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "marquee",
		Short: "Marquee - catalog eligibility policy activation",
		Long: `Marquee evaluates a media catalog against versioned eligibility policies.

A new policy version is activated in steps:
  - prepare a run that re-evaluates every ready catalog item
  - inspect coverage, errors and the diff against the active version
  - promote the run once it is ready, making its policy active

Item evaluation and the run watchdog are processed by "marquee serve".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newWatchdogCommand())

	return rootCmd
}
