package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marquee-labs/marquee/pkg/config"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage catalog items",
	}

	cmd.AddCommand(newCatalogImportCommand())

	return cmd
}

func newCatalogImportCommand() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert catalog items from a JSON or YAML file",
		Long: `Upsert catalog items from a JSON or YAML file.

The file is a list of items, or an object with an "items" list. Items default
to ingestion complete. Items updated after a run's snapshot cutoff are not part
of that run.`,
		Example: `  # Import a catalog export
  marquee catalog import ./catalog.yaml --batch-size 1000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			items, err := config.LoadCatalogItems(args[0], time.Now().UTC())
			if err != nil {
				return err
			}

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			op := a.operation(ctx, "cli.catalog.import")
			defer func() { op.End(err) }()
			ctx = op.Ctx

			if batchSize <= 0 {
				batchSize = len(items)
			}
			for start := 0; start < len(items); start += batchSize {
				end := min(start+batchSize, len(items))
				if err := a.store.UpsertCatalogItems(ctx, items[start:end]); err != nil {
					return fmt.Errorf("failed to import items %d-%d: %w", start, end-1, err)
				}
				op.Logger.Debugf("Imported catalog items %d-%d", start, end-1)
			}

			if jsonOutput {
				return printJSON(map[string]int{"imported": len(items)})
			}
			fmt.Printf("Imported %d catalog item(s)\n", len(items))
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "items per database transaction")

	return cmd
}
