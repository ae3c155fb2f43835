package policy

// Rule is a named Rego module contributing warn entries to package marquee.lint.
type Rule struct {
	Name        string
	Description string
	Rego        string
}

// BuiltinRules returns the rules every Linter starts with.
func BuiltinRules() []Rule {
	return []Rule{
		unconditionalBreakoutRule(),
		unusedBreakoutRule(),
		strictAllowListRule(),
		relaxedAllowListRule(),
		zeroVotesGateRule(),
	}
}

func unconditionalBreakoutRule() Rule {
	return Rule{
		Name:        "breakout-unconditional",
		Description: "A breakout rule without requirements lets every blocked item through",
		Rego: `package marquee.lint

import rego.v1

warn contains w if {
	some rule in input.breakoutRules
	not rule.hasRequirements
	w := {
		"rule": "breakout-unconditional",
		"field": sprintf("breakoutRules[%d]", [rule.index]),
		"message": sprintf("breakout rule '%s' has no requirements and admits every blocked item that passes the gate", [rule.id]),
	}
}
`,
	}
}

func unusedBreakoutRule() Rule {
	return Rule{
		Name:        "breakout-unused",
		Description: "Breakout rules only apply to blocked items",
		Rego: `package marquee.lint

import rego.v1

warn contains w if {
	count(input.breakoutRules) > 0
	count(input.blockedCountries) == 0
	count(input.blockedLanguages) == 0
	w := {
		"rule": "breakout-unused",
		"field": "breakoutRules",
		"message": "breakout rules are never consulted because nothing is blocked",
	}
}
`,
	}
}

func strictAllowListRule() Rule {
	return Rule{
		Name:        "strict-empty-allow-list",
		Description: "STRICT mode needs both allow lists to admit anything",
		Rego: `package marquee.lint

import rego.v1

empty_allow_lists contains "allowedCountries" if count(input.allowedCountries) == 0

empty_allow_lists contains "allowedLanguages" if count(input.allowedLanguages) == 0

warn contains w if {
	input.eligibilityMode == "STRICT"
	some field in empty_allow_lists
	w := {
		"rule": "strict-empty-allow-list",
		"field": field,
		"message": sprintf("STRICT policy with an empty %s only admits items through breakout rules", [field]),
	}
}
`,
	}
}

func relaxedAllowListRule() Rule {
	return Rule{
		Name:        "relaxed-no-allow-lists",
		Description: "RELAXED mode needs at least one allow list",
		Rego: `package marquee.lint

import rego.v1

warn contains w if {
	input.eligibilityMode == "RELAXED"
	count(input.allowedCountries) == 0
	count(input.allowedLanguages) == 0
	w := {
		"rule": "relaxed-no-allow-lists",
		"field": "eligibilityMode",
		"message": "RELAXED policy without allow lists only admits items through breakout rules",
	}
}
`,
	}
}

func zeroVotesGateRule() Rule {
	return Rule{
		Name:        "gate-zero-votes",
		Description: "A minimum of zero votes only checks that a source is present",
		Rego: `package marquee.lint

import rego.v1

warn contains w if {
	input.globalRequirements.minVotesAnyOf.min == 0
	w := {
		"rule": "gate-zero-votes",
		"field": "globalRequirements.minVotesAnyOf.min",
		"message": "minVotesAnyOf.min is 0, so the gate only checks that one of the sources has votes",
	}
}
`,
	}
}
