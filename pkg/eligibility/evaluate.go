package eligibility

import (
	"sort"
	"strings"
)

// Evaluate decides the eligibility of item under policy.
//
// The policy is assumed to have passed ValidatePolicyConfig; Evaluate does not
// re-validate it. The returned Evaluation always carries at least one reason.
func Evaluate(item Item, policy PolicyConfig) Evaluation {
	countries := normalizeCountries(item.OriginCountries)
	if len(countries) == 0 {
		return Evaluation{Status: StatusPending, Reasons: []Reason{ReasonMissingOriginCountry}}
	}

	language := strings.ToLower(strings.TrimSpace(item.OriginalLanguage))
	if language == "" {
		return Evaluation{Status: StatusPending, Reasons: []Reason{ReasonMissingOriginalLang}}
	}

	signals := NormalizeSignals(item.Signals)
	countryBlocked := isCountryBlocked(countries, policy.BlockedCountries, policy.BlockMode)
	languageBlocked := containsFold(policy.BlockedLanguages, language)

	if countryBlocked || languageBlocked {
		var blocked []Reason
		if countryBlocked {
			blocked = append(blocked, ReasonBlockedCountry)
		}
		if languageBlocked {
			blocked = append(blocked, ReasonBlockedLanguage)
		}
		return evaluateBlocked(signals, policy, blocked)
	}

	if gate := checkGate(signals, policy.GlobalRequirements); gate != nil && !gate.Passed {
		return Evaluation{
			Status:  StatusIneligible,
			Reasons: []Reason{ReasonMissingGlobalSignals},
			Gate:    gate,
		}
	}

	countryAllowed := anyContainedFold(policy.AllowedCountries, countries)
	languageAllowed := containsFold(policy.AllowedLanguages, language)

	if countryAllowed && languageAllowed {
		return Evaluation{
			Status:  StatusEligible,
			Reasons: []Reason{ReasonAllowedCountry, ReasonAllowedLanguage},
		}
	}

	return evaluateNeutral(policy.EligibilityMode, countryAllowed, languageAllowed)
}

// evaluateBlocked handles an item hit by at least one block list. The gate runs
// first; breakout rules are only consulted when it passes.
func evaluateBlocked(signals Signals, policy PolicyConfig, blocked []Reason) Evaluation {
	if gate := checkGate(signals, policy.GlobalRequirements); gate != nil && !gate.Passed {
		return Evaluation{Status: StatusIneligible, Reasons: blocked, Gate: gate}
	}

	for _, rule := range sortedRules(policy.BreakoutRules) {
		if ruleMatches(signals, rule.Requirements) {
			return Evaluation{
				Status:         StatusEligible,
				Reasons:        []Reason{ReasonBreakoutAllowed},
				BreakoutRuleID: rule.ID,
			}
		}
	}

	return Evaluation{Status: StatusIneligible, Reasons: blocked}
}

// evaluateNeutral resolves an item where at least one dimension is on neither list.
func evaluateNeutral(mode EligibilityMode, countryAllowed, languageAllowed bool) Evaluation {
	reasons := make([]Reason, 0, 2)
	if countryAllowed {
		reasons = append(reasons, ReasonAllowedCountry)
	} else {
		reasons = append(reasons, ReasonNeutralCountry)
	}
	if languageAllowed {
		reasons = append(reasons, ReasonAllowedLanguage)
	} else {
		reasons = append(reasons, ReasonNeutralLanguage)
	}

	if mode == EligibilityModeRelaxed && (countryAllowed || languageAllowed) {
		return Evaluation{Status: StatusEligible, Reasons: reasons}
	}

	neutral := reasons[:0:0]
	for _, r := range reasons {
		if r == ReasonNeutralCountry || r == ReasonNeutralLanguage {
			neutral = append(neutral, r)
		}
	}
	return Evaluation{Status: StatusIneligible, Reasons: neutral}
}

// isCountryBlocked applies the block mode. MAJORITY only differs from ANY once an
// item has three or more origin countries.
func isCountryBlocked(countries, blockedList []string, mode BlockMode) bool {
	blocked := 0
	for _, c := range countries {
		if containsFold(blockedList, c) {
			blocked++
		}
	}
	if blocked == 0 {
		return false
	}

	n := len(countries)
	if mode != BlockModeMajority || n <= 2 {
		return true
	}
	return blocked >= (n+1)/2
}

// checkGate evaluates the global requirements. It returns nil when no gate is configured.
func checkGate(signals Signals, gate *GlobalRequirements) *GateDiagnostics {
	if gate == nil {
		return nil
	}

	var failed []string
	if gate.MinQualityScoreNormalized != nil {
		q := signals.QualityScoreNormalized
		if q == nil || *q < *gate.MinQualityScoreNormalized {
			failed = append(failed, GateCheckMinQuality)
		}
	}
	if len(gate.RequireAnyOfRatingsPresent) > 0 && !anyRatingPresent(signals, gate.RequireAnyOfRatingsPresent) {
		failed = append(failed, GateCheckRatingsPresent)
	}
	if gate.MinVotesAnyOf != nil {
		ok := false
		for _, source := range gate.MinVotesAnyOf.Sources {
			if votes, present := lookupVotes(signals, source); present && votes >= gate.MinVotesAnyOf.Min {
				ok = true
				break
			}
		}
		if !ok {
			failed = append(failed, GateCheckMinVotesAnyOf)
		}
	}

	return &GateDiagnostics{Passed: len(failed) == 0, Failed: failed}
}

// ruleMatches ANDs every configured requirement. A missing signal fails its requirement.
func ruleMatches(signals Signals, req BreakoutRequirements) bool {
	if req.MinImdbVotes != nil {
		votes, ok := lookupVotes(signals, SourceIMDb)
		if !ok || votes < *req.MinImdbVotes {
			return false
		}
	}
	if req.MinTraktVotes != nil {
		votes, ok := lookupVotes(signals, SourceTrakt)
		if !ok || votes < *req.MinTraktVotes {
			return false
		}
	}
	if req.MinQualityScoreNormalized != nil {
		q := signals.QualityScoreNormalized
		if q == nil || *q < *req.MinQualityScoreNormalized {
			return false
		}
	}
	if len(req.RequireAnyOfProviders) > 0 {
		found := false
		for _, p := range signals.Providers {
			if containsFold(req.RequireAnyOfProviders, p) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(req.RequireAnyOfRatingsPresent) > 0 && !anyRatingPresent(signals, req.RequireAnyOfRatingsPresent) {
		return false
	}
	return true
}

func sortedRules(rules []BreakoutRule) []BreakoutRule {
	out := make([]BreakoutRule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// lookupVotes expects signals passed through NormalizeSignals.
func lookupVotes(signals Signals, source string) (int64, bool) {
	v, ok := signals.Votes[sourceKey(source)]
	return v, ok
}

func anyRatingPresent(signals Signals, sources []string) bool {
	for _, source := range sources {
		if _, ok := signals.Ratings[sourceKey(source)]; ok {
			return true
		}
	}
	return false
}

func sourceKey(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}

// NormalizeSignals lower-cases and trims the source keys of Votes and
// Ratings. Keys that collide after folding keep the largest value, so the
// result does not depend on map order. The input is not modified.
func NormalizeSignals(s Signals) Signals {
	s.Votes = foldKeys(s.Votes)
	s.Ratings = foldKeys(s.Ratings)
	return s
}

func foldKeys[V int64 | float64](in map[string]V) map[string]V {
	folded := true
	for k := range in {
		if k != sourceKey(k) {
			folded = false
			break
		}
	}
	if folded {
		return in
	}

	out := make(map[string]V, len(in))
	for k, v := range in {
		key := sourceKey(k)
		if prev, dup := out[key]; !dup || v > prev {
			out[key] = v
		}
	}
	return out
}

// normalizeCountries upper-cases, trims and de-duplicates origin countries, preserving order.
func normalizeCountries(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func anyContainedFold(list, values []string) bool {
	for _, v := range values {
		if containsFold(list, v) {
			return true
		}
	}
	return false
}
