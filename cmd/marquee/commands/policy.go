package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marquee-labs/marquee/pkg/config"
	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage eligibility policy versions",
		Long: `Create, lint and inspect eligibility policy versions.

Policy documents are CUE, YAML or JSON files validated against the built-in
schema. Creating a document whose config matches an existing version is a no-op.`,
	}

	cmd.AddCommand(newPolicyCreateCommand())
	cmd.AddCommand(newPolicyLintCommand())
	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())

	return cmd
}

// parseDocuments parses a single document or every document of a directory.
func parseDocuments(path string) ([]*config.PolicyDocument, error) {
	parser, err := config.NewPolicyDocumentParser()
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return parser.ParseDir(path)
	}
	doc, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return []*config.PolicyDocument{doc}, nil
}

func newPolicyCreateCommand() *cobra.Command {
	var createdBy string

	cmd := &cobra.Command{
		Use:   "create <file|dir>",
		Short: "Create policy versions from documents",
		Example: `  # Create a version from one document
  marquee policy create ./policies/default.cue

  # Import every document of a directory
  marquee policy create ./policies --created-by ops`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			docs, parseErr := parseDocuments(args[0])
			if len(docs) == 0 && parseErr != nil {
				return parseErr
			}

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			op := a.operation(ctx, "cli.policy.create")
			defer func() { op.End(err) }()
			ctx = op.Ctx

			results := make([]*policy.CreateResult, 0, len(docs))
			errs := []error{parseErr}
			for _, doc := range docs {
				if doc.CreatedBy == "" {
					doc.CreatedBy = createdBy
				}
				res, err := a.registry.Create(ctx, doc)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", doc.Source, err))
					continue
				}
				results = append(results, res)
			}

			if jsonOutput {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				for _, res := range results {
					state := "created"
					if !res.Created {
						state = "unchanged"
					}
					fmt.Printf("%s: version %d (%s) %s\n", res.Policy.Name, res.Policy.Version, res.Policy.ID, state)
					printWarnings(res.Warnings)
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&createdBy, "created-by", os.Getenv("USER"), "creator recorded when the document names none")

	return cmd
}

func newPolicyLintCommand() *cobra.Command {
	var (
		ruleFiles []string
		strict    bool
	)

	cmd := &cobra.Command{
		Use:   "lint <file|dir>",
		Short: "Validate and lint policy documents without storing them",
		Long: `Validate policy documents against the schema and run the Rego lint rules.

Lint warnings are advisory. With --strict any warning fails the command.`,
		Example: `  # Lint a document
  marquee policy lint ./policies/default.cue

  # Add custom Rego rules and fail on warnings
  marquee policy lint ./policies --rules ./lint --strict`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			docs, err := parseDocuments(args[0])
			if err != nil {
				return err
			}

			rules, err := policy.LoadRuleFiles(ruleFiles...)
			if err != nil {
				return err
			}
			linter, err := policy.NewLinter(ctx, log.Logger, policy.WithRules(rules...))
			if err != nil {
				return err
			}

			type lintResult struct {
				Source   string           `json:"source"`
				Name     string           `json:"name"`
				Warnings []policy.Warning `json:"warnings"`
			}

			results := make([]lintResult, 0, len(docs))
			total := 0
			for _, doc := range docs {
				warnings, err := linter.Lint(ctx, doc.Config)
				if err != nil {
					return fmt.Errorf("%s: %w", doc.Source, err)
				}
				total += len(warnings)
				results = append(results, lintResult{Source: doc.Source, Name: doc.Name, Warnings: warnings})
			}

			if jsonOutput {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				for _, res := range results {
					fmt.Printf("%s (%s): %d warning(s)\n", res.Name, res.Source, len(res.Warnings))
					printWarnings(res.Warnings)
				}
			}

			if strict && total > 0 {
				return fmt.Errorf("%d lint warning(s)", total)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&ruleFiles, "rules", nil, "additional Rego rule files or directories")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when any warning is reported")

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	var opts engine.ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policy versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			policies, err := a.registry.List(ctx, opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(policies)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tID\tNAME\tACTIVE\tCREATED BY\tCREATED AT")
			for _, p := range policies {
				active := ""
				if p.IsActive {
					active = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					p.Version, p.ID, p.Name, active, p.CreatedBy, formatTime(p.CreatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of versions")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "number of versions to skip")

	return cmd
}

func newPolicyShowCommand() *cobra.Command {
	var active bool

	cmd := &cobra.Command{
		Use:   "show [id|version]",
		Short: "Show a policy version",
		Example: `  # Show version 3
  marquee policy show 3

  # Show the active version
  marquee policy show --active`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if active == (len(args) == 1) {
				return errors.New("specify either a policy id or version, or --active")
			}

			a, err := openApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.close(ctx)

			p, err := a.showPolicy(ctx, args, active)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}

			fmt.Printf("Policy:      %s\n", p.Name)
			fmt.Printf("ID:          %s\n", p.ID)
			fmt.Printf("Version:     %d\n", p.Version)
			fmt.Printf("Active:      %v\n", p.IsActive)
			fmt.Printf("Checksum:    %s\n", p.Checksum)
			fmt.Printf("Created:     %s by %s\n", formatTime(p.CreatedAt), p.CreatedBy)
			fmt.Printf("Activated:   %s\n", formatTimePtr(p.ActivatedAt))
			if p.Description != "" {
				fmt.Printf("Description: %s\n", p.Description)
			}
			fmt.Println("Config:")
			return printJSON(p.Config)
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "show the active version")

	return cmd
}

func (a *app) showPolicy(ctx context.Context, args []string, active bool) (*engine.Policy, error) {
	if active {
		p, err := a.registry.Active(ctx)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, errors.New("no policy is active")
		}
		return p, nil
	}
	id, err := a.resolvePolicyID(ctx, args[0])
	if err != nil {
		return nil, err
	}
	return a.registry.Get(ctx, id)
}

func printWarnings(warnings []policy.Warning) {
	for _, w := range warnings {
		fmt.Printf("  warning [%s] %s: %s\n", w.Rule, w.Field, w.Message)
	}
}
