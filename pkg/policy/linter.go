package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/marquee-labs/marquee/pkg/eligibility"
)

const lintQuery = "data.marquee.lint.warn"

// Warning is one advisory finding about a policy config.
type Warning struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// LintRecorder counts emitted warnings.
type LintRecorder interface {
	RecordLintWarning(rule string)
}

// LinterOption configures a Linter.
type LinterOption func(*Linter)

// WithRules adds rules next to the built-in ones.
func WithRules(rules ...Rule) LinterOption {
	return func(l *Linter) { l.rules = append(l.rules, rules...) }
}

// WithLintRecorder reports every warning to r.
func WithLintRecorder(r LintRecorder) LinterOption {
	return func(l *Linter) { l.metrics = r }
}

// Linter evaluates Rego lint rules against policy configs.
type Linter struct {
	rules   []Rule
	query   rego.PreparedEvalQuery
	metrics LintRecorder
	logger  zerolog.Logger
}

// NewLinter compiles the built-in rules plus any added by options.
func NewLinter(ctx context.Context, logger zerolog.Logger, opts ...LinterOption) (*Linter, error) {
	l := &Linter{
		rules:  BuiltinRules(),
		logger: logger.With().Str("component", "policy-linter").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	regoOpts := []func(*rego.Rego){
		rego.Query(lintQuery),
		rego.Store(inmem.New()),
	}
	for _, rule := range l.rules {
		regoOpts = append(regoOpts, rego.Module(rule.Name+".rego", rule.Rego))
	}

	query, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile lint rules: %w", err)
	}
	l.query = query

	l.logger.Debug().Int("rules", len(l.rules)).Msg("Lint rules compiled")
	return l, nil
}

// Rules returns the rules the linter was compiled with.
func (l *Linter) Rules() []Rule {
	out := make([]Rule, len(l.rules))
	copy(out, l.rules)
	return out
}

// Lint returns the warnings for cfg, sorted by rule then field.
func (l *Linter) Lint(ctx context.Context, cfg eligibility.PolicyConfig) ([]Warning, error) {
	results, err := l.query.Eval(ctx, rego.EvalInput(lintInput(cfg)))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate lint rules: %w", err)
	}

	warnings := []Warning{}
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, entry := range set {
			warnings = append(warnings, toWarning(entry))
		}
	}

	sort.Slice(warnings, func(i, j int) bool {
		if warnings[i].Rule != warnings[j].Rule {
			return warnings[i].Rule < warnings[j].Rule
		}
		return warnings[i].Field < warnings[j].Field
	})

	if l.metrics != nil {
		for _, w := range warnings {
			l.metrics.RecordLintWarning(w.Rule)
		}
	}
	return warnings, nil
}

func toWarning(entry interface{}) Warning {
	switch v := entry.(type) {
	case string:
		return Warning{Rule: "custom", Message: v}
	case map[string]interface{}:
		w := Warning{Rule: "custom"}
		if rule, ok := v["rule"].(string); ok {
			w.Rule = rule
		}
		if field, ok := v["field"].(string); ok {
			w.Field = field
		}
		if msg, ok := v["message"].(string); ok {
			w.Message = msg
		}
		return w
	default:
		return Warning{Rule: "custom", Message: fmt.Sprintf("%v", entry)}
	}
}

// lintInput flattens a config into the document the rules see. Lists are
// never null so rules can count them directly.
func lintInput(cfg eligibility.PolicyConfig) map[string]interface{} {
	rules := make([]map[string]interface{}, 0, len(cfg.BreakoutRules))
	for i, r := range cfg.BreakoutRules {
		rules = append(rules, map[string]interface{}{
			"index":           i,
			"id":              r.ID,
			"priority":        r.Priority,
			"hasRequirements": !r.Requirements.IsEmpty(),
		})
	}

	input := map[string]interface{}{
		"allowedCountries":   orEmpty(cfg.AllowedCountries),
		"blockedCountries":   orEmpty(cfg.BlockedCountries),
		"allowedLanguages":   orEmpty(cfg.AllowedLanguages),
		"blockedLanguages":   orEmpty(cfg.BlockedLanguages),
		"blockMode":          string(cfg.BlockMode),
		"eligibilityMode":    string(cfg.EligibilityMode),
		"breakoutRules":      rules,
		"relevanceThreshold": cfg.RelevanceThreshold,
	}

	if gr := cfg.GlobalRequirements; gr != nil {
		gate := map[string]interface{}{
			"requireAnyOfRatingsPresent": orEmpty(gr.RequireAnyOfRatingsPresent),
		}
		if gr.MinQualityScoreNormalized != nil {
			gate["minQualityScoreNormalized"] = *gr.MinQualityScoreNormalized
		}
		if gr.MinVotesAnyOf != nil {
			gate["minVotesAnyOf"] = map[string]interface{}{
				"sources": orEmpty(gr.MinVotesAnyOf.Sources),
				"min":     gr.MinVotesAnyOf.Min,
			}
		}
		input["globalRequirements"] = gate
	}
	return input
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// LoadRuleFiles reads .rego files from paths. Directories are walked.
func LoadRuleFiles(paths ...string) ([]Rule, error) {
	var rules []Rule
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".rego") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read rule %s: %w", path, err)
			}
			rules = append(rules, Rule{
				Name: strings.TrimSuffix(filepath.Base(path), ".rego"),
				Rego: string(data),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load rules from %s: %w", root, err)
		}
	}
	return rules, nil
}
