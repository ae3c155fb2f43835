package eligibility

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePolicyConfig_Valid(t *testing.T) {
	cfg := basePolicy()
	cfg.RelevanceThreshold = 40
	cfg.BreakoutRules = []BreakoutRule{
		{ID: "a", Priority: 1, Requirements: BreakoutRequirements{MinImdbVotes: i64(50000)}},
		{ID: "b", Priority: 2, Requirements: BreakoutRequirements{MinQualityScoreNormalized: f64(0.8)}},
	}
	cfg.GlobalRequirements = &GlobalRequirements{
		MinQualityScoreNormalized: f64(0.3),
		MinVotesAnyOf:             &VotesAnyOf{Sources: []string{"imdb", "tmdb"}, Min: 100},
	}

	if err := ValidatePolicyConfig(cfg); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}
}

func TestValidatePolicyConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *PolicyConfig)
		field  string
	}{
		{
			name:   "unknown block mode",
			mutate: func(cfg *PolicyConfig) { cfg.BlockMode = "SOME" },
			field:  "BlockMode",
		},
		{
			name:   "missing eligibility mode",
			mutate: func(cfg *PolicyConfig) { cfg.EligibilityMode = "" },
			field:  "EligibilityMode",
		},
		{
			name:   "lower case country",
			mutate: func(cfg *PolicyConfig) { cfg.AllowedCountries = []string{"us"} },
			field:  "AllowedCountries[0]",
		},
		{
			name:   "three letter language",
			mutate: func(cfg *PolicyConfig) { cfg.BlockedLanguages = []string{"rus"} },
			field:  "BlockedLanguages[0]",
		},
		{
			name:   "overlapping countries",
			mutate: func(cfg *PolicyConfig) { cfg.BlockedCountries = append(cfg.BlockedCountries, "US") },
			field:  "blockedCountries",
		},
		{
			name:   "overlapping languages",
			mutate: func(cfg *PolicyConfig) { cfg.BlockedLanguages = []string{"en"} },
			field:  "blockedLanguages",
		},
		{
			name: "duplicate rule ids",
			mutate: func(cfg *PolicyConfig) {
				cfg.BreakoutRules = []BreakoutRule{{ID: "x", Priority: 1}, {ID: "x", Priority: 2}}
			},
			field: "breakoutRules[1].id",
		},
		{
			name: "duplicate priorities",
			mutate: func(cfg *PolicyConfig) {
				cfg.BreakoutRules = []BreakoutRule{{ID: "x", Priority: 1}, {ID: "y", Priority: 1}}
			},
			field: "breakoutRules[1].priority",
		},
		{
			name: "quality out of range",
			mutate: func(cfg *PolicyConfig) {
				cfg.GlobalRequirements = &GlobalRequirements{MinQualityScoreNormalized: f64(1.5)}
			},
			field: "GlobalRequirements.MinQualityScoreNormalized",
		},
		{
			name:   "relevance threshold out of range",
			mutate: func(cfg *PolicyConfig) { cfg.RelevanceThreshold = 140 },
			field:  "RelevanceThreshold",
		},
		{
			name: "negative vote minimum",
			mutate: func(cfg *PolicyConfig) {
				cfg.BreakoutRules = []BreakoutRule{{ID: "x", Priority: 1, Requirements: BreakoutRequirements{MinImdbVotes: i64(-1)}}}
			},
			field: "BreakoutRules[0].Requirements.MinImdbVotes",
		},
		{
			name: "no allow lists",
			mutate: func(cfg *PolicyConfig) {
				cfg.AllowedCountries, cfg.AllowedLanguages = nil, nil
			},
			field: "allowedCountries",
		},
		{
			name: "votes any-of without sources",
			mutate: func(cfg *PolicyConfig) {
				cfg.GlobalRequirements = &GlobalRequirements{MinVotesAnyOf: &VotesAnyOf{Min: 10}}
			},
			field: "GlobalRequirements.MinVotesAnyOf.Sources",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := basePolicy()
			tt.mutate(&cfg)

			err := ValidatePolicyConfig(cfg)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected *ValidationError, got %T", err)
			}

			found := false
			for _, issue := range verr.Issues {
				if issue.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected an issue for field %q, got %+v", tt.field, verr.Issues)
			}
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	cfg := basePolicy()
	cfg.BlockedCountries = []string{"US", "GB"}

	err := ValidatePolicyConfig(cfg)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "invalid policy config: ") {
		t.Errorf("Unexpected message prefix: %s", msg)
	}
	if !strings.Contains(msg, "country US is both allowed and blocked") || !strings.Contains(msg, "country GB") {
		t.Errorf("Expected both overlaps reported, got: %s", msg)
	}
}
