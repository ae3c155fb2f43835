package eligibility

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldIssue is one problem found in a policy configuration.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a policy configuration is malformed.
// It lists every issue found rather than stopping at the first.
type ValidationError struct {
	Issues []FieldIssue `json:"issues"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
	}
	return "invalid policy config: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...interface{}) {
	e.Issues = append(e.Issues, FieldIssue{Field: field, Message: fmt.Sprintf(format, args...)})
}

var structValidator = validator.New()

// ValidatePolicyConfig checks a policy configuration before it is stored.
// Struct-level rules come from the validate tags; cross-field rules (disjoint
// allow/block lists, unique rule ids and priorities) are checked here.
func ValidatePolicyConfig(cfg PolicyConfig) error {
	verr := &ValidationError{}

	if err := structValidator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate policy config: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add(trimNamespace(fe.Namespace()), "%s", describeTag(fe))
		}
	}

	if len(cfg.AllowedCountries) == 0 && len(cfg.AllowedLanguages) == 0 {
		verr.add("allowedCountries", "at least one allowed country or language is required")
	}
	for _, c := range intersectFold(cfg.AllowedCountries, cfg.BlockedCountries) {
		verr.add("blockedCountries", "country %s is both allowed and blocked", c)
	}
	for _, l := range intersectFold(cfg.AllowedLanguages, cfg.BlockedLanguages) {
		verr.add("blockedLanguages", "language %s is both allowed and blocked", l)
	}

	ids := make(map[string]int, len(cfg.BreakoutRules))
	priorities := make(map[int]string, len(cfg.BreakoutRules))
	for i, rule := range cfg.BreakoutRules {
		field := fmt.Sprintf("breakoutRules[%d]", i)
		if rule.ID != "" {
			if prev, dup := ids[rule.ID]; dup {
				verr.add(field+".id", "duplicate rule id %q (also at index %d)", rule.ID, prev)
			} else {
				ids[rule.ID] = i
			}
		}
		if other, dup := priorities[rule.Priority]; dup {
			verr.add(field+".priority", "priority %d already used by rule %q", rule.Priority, other)
		} else {
			priorities[rule.Priority] = rule.ID
		}
	}

	if len(verr.Issues) > 0 {
		return verr
	}
	return nil
}

// trimNamespace turns "PolicyConfig.BreakoutRules[0].ID" into "BreakoutRules[0].ID".
func trimNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "len":
		return fmt.Sprintf("must be exactly %s characters, got %q", fe.Param(), fe.Value())
	case "uppercase", "lowercase", "alpha":
		return fmt.Sprintf("must be %s, got %q", fe.Tag(), fe.Value())
	case "gte", "min":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte", "max":
		return fmt.Sprintf("must be <= %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

func intersectFold(a, b []string) []string {
	var out []string
	for _, v := range a {
		if containsFold(b, v) && !containsFold(out, v) {
			out = append(out, v)
		}
	}
	return out
}
