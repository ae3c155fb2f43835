package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marquee-labs/marquee/pkg/config"
	"github.com/marquee-labs/marquee/pkg/policy"
)

func newServeCommand(version string) *cobra.Command {
	var policyDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Process evaluation jobs and run the watchdog",
		Long: `Start the job workers for run orchestration and item evaluation.

The process also:
  - schedules the run watchdog
  - exposes Prometheus metrics when enabled
  - imports policy documents from the policy directory, optionally watching it`,
		Example: `  # Serve with the default configuration
  marquee serve

  # Import and watch a policy directory
  MARQUEE_WATCH_POLICIES=true marquee serve --policy-dir ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if policyDir != "" {
				a.cfg.PolicyDir = policyDir
			}
			if err := a.store.HealthCheck(ctx); err != nil {
				return err
			}

			watcher, err := a.startPolicyImport(ctx)
			if err != nil {
				return err
			}
			if watcher != nil {
				defer func() {
					if err := watcher.Stop(); err != nil {
						a.logger.Warn().Err(err).Msg("Failed to stop policy watcher")
					}
				}()
			}

			go func() {
				if err := a.tel.Metrics.Serve(ctx); err != nil {
					a.logger.Error().Err(err).Msg("Metrics endpoint failed")
				}
			}()

			if err := a.dispatcher.Start(ctx); err != nil {
				return err
			}
			log.Info().
				Str("database", a.cfg.Database.Path).
				Str("lock_backend", a.cfg.Lock.Backend).
				Msg("Marquee started")

			<-ctx.Done()
			a.dispatcher.Stop()
			log.Info().Msg("Marquee stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "policy document directory (overrides config)")

	return cmd
}

// startPolicyImport imports the policy directory once, or keeps watching it
// when WatchPolicies is set. It returns the running watcher, if any.
func (a *app) startPolicyImport(ctx context.Context) (*policy.DirectoryWatcher, error) {
	if a.cfg.PolicyDir == "" {
		return nil, nil
	}

	parser, err := config.NewPolicyDocumentParser()
	if err != nil {
		return nil, err
	}
	watcher := policy.NewDirectoryWatcher(a.cfg.PolicyDir, parser, a.registry, a.logger)

	if a.cfg.WatchPolicies {
		if err := watcher.Start(ctx); err != nil {
			return nil, err
		}
		return watcher, nil
	}

	if _, err := watcher.ImportAll(ctx); err != nil {
		a.logger.Warn().Err(err).Str("dir", a.cfg.PolicyDir).Msg("Some policy documents were not imported")
	}
	return nil, nil
}
