package eligibility

import "fmt"

// Status is the eligibility outcome for a single catalog item.
type Status string

const (
	// StatusPending means required identity data is missing from the item.
	StatusPending Status = "pending"

	// StatusEligible means the item may be displayed under the policy.
	StatusEligible Status = "eligible"

	// StatusIneligible means the policy excludes the item.
	StatusIneligible Status = "ineligible"

	// StatusReview is reserved for manual moderation. Evaluate never produces it.
	StatusReview Status = "review"
)

// IsEligible reports whether the status admits the item.
func (s Status) IsEligible() bool {
	return s == StatusEligible
}

// Validate checks if the status is one of the known values.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusEligible, StatusIneligible, StatusReview:
		return nil
	default:
		return fmt.Errorf("invalid evaluation status: %s", s)
	}
}

// Reason is a stable reason code explaining an evaluation outcome.
type Reason string

const (
	ReasonMissingOriginCountry Reason = "MISSING_ORIGIN_COUNTRY"
	ReasonMissingOriginalLang  Reason = "MISSING_ORIGINAL_LANGUAGE"
	ReasonBlockedCountry       Reason = "BLOCKED_COUNTRY"
	ReasonBlockedLanguage      Reason = "BLOCKED_LANGUAGE"
	ReasonBreakoutAllowed      Reason = "BREAKOUT_ALLOWED"
	ReasonMissingGlobalSignals Reason = "MISSING_GLOBAL_SIGNALS"
	ReasonNeutralCountry       Reason = "NEUTRAL_COUNTRY"
	ReasonNeutralLanguage      Reason = "NEUTRAL_LANGUAGE"
	ReasonAllowedCountry       Reason = "ALLOWED_COUNTRY"
	ReasonAllowedLanguage      Reason = "ALLOWED_LANGUAGE"
)

// BlockMode controls how multiple origin countries are matched against the block list.
type BlockMode string

const (
	// BlockModeAny blocks when any origin country is blocked.
	BlockModeAny BlockMode = "ANY"

	// BlockModeMajority blocks when at least half of the origin countries are blocked.
	// Items with one or two origin countries are treated as BlockModeAny.
	BlockModeMajority BlockMode = "MAJORITY"
)

// EligibilityMode controls how neutral dimensions are treated.
type EligibilityMode string

const (
	// EligibilityModeStrict requires both country and language to be allowed.
	EligibilityModeStrict EligibilityMode = "STRICT"

	// EligibilityModeRelaxed requires either country or language to be allowed.
	EligibilityModeRelaxed EligibilityMode = "RELAXED"
)

// Well-known vote and rating sources.
const (
	SourceIMDb  = "imdb"
	SourceTrakt = "trakt"
	SourceTMDb  = "tmdb"
)

// PolicyConfig is the immutable rule set of one policy version.
type PolicyConfig struct {
	AllowedCountries   []string            `json:"allowedCountries" yaml:"allowedCountries" validate:"dive,len=2,alpha,uppercase"`
	BlockedCountries   []string            `json:"blockedCountries" yaml:"blockedCountries" validate:"dive,len=2,alpha,uppercase"`
	AllowedLanguages   []string            `json:"allowedLanguages" yaml:"allowedLanguages" validate:"dive,len=2,alpha,lowercase"`
	BlockedLanguages   []string            `json:"blockedLanguages" yaml:"blockedLanguages" validate:"dive,len=2,alpha,lowercase"`
	BlockMode          BlockMode           `json:"blockMode" yaml:"blockMode" validate:"required,oneof=ANY MAJORITY"`
	EligibilityMode    EligibilityMode     `json:"eligibilityMode" yaml:"eligibilityMode" validate:"required,oneof=STRICT RELAXED"`
	BreakoutRules      []BreakoutRule      `json:"breakoutRules,omitempty" yaml:"breakoutRules,omitempty" validate:"dive"`
	GlobalRequirements *GlobalRequirements `json:"globalRequirements,omitempty" yaml:"globalRequirements,omitempty"`

	// RelevanceThreshold is consumed by downstream ranking only.
	RelevanceThreshold float64 `json:"relevanceThreshold" yaml:"relevanceThreshold" validate:"gte=0,lte=100"`
}

// BreakoutRule lets otherwise-blocked content through when every configured
// requirement is satisfied. Lower Priority values are checked first.
type BreakoutRule struct {
	ID           string               `json:"id" yaml:"id" validate:"required"`
	Name         string               `json:"name" yaml:"name"`
	Priority     int                  `json:"priority" yaml:"priority" validate:"gte=0"`
	Requirements BreakoutRequirements `json:"requirements" yaml:"requirements"`
}

// BreakoutRequirements are ANDed together. Nil or empty fields are not checked.
type BreakoutRequirements struct {
	MinImdbVotes               *int64   `json:"minImdbVotes,omitempty" yaml:"minImdbVotes,omitempty" validate:"omitempty,gte=0"`
	MinTraktVotes              *int64   `json:"minTraktVotes,omitempty" yaml:"minTraktVotes,omitempty" validate:"omitempty,gte=0"`
	MinQualityScoreNormalized  *float64 `json:"minQualityScoreNormalized,omitempty" yaml:"minQualityScoreNormalized,omitempty" validate:"omitempty,gte=0,lte=1"`
	RequireAnyOfProviders      []string `json:"requireAnyOfProviders,omitempty" yaml:"requireAnyOfProviders,omitempty" validate:"dive,required"`
	RequireAnyOfRatingsPresent []string `json:"requireAnyOfRatingsPresent,omitempty" yaml:"requireAnyOfRatingsPresent,omitempty" validate:"dive,required"`
}

// IsEmpty reports whether no requirement is configured.
func (r BreakoutRequirements) IsEmpty() bool {
	return r.MinImdbVotes == nil && r.MinTraktVotes == nil && r.MinQualityScoreNormalized == nil &&
		len(r.RequireAnyOfProviders) == 0 && len(r.RequireAnyOfRatingsPresent) == 0
}

// GlobalRequirements is the optional policy-wide quality gate. All configured checks are ANDed.
type GlobalRequirements struct {
	MinQualityScoreNormalized  *float64    `json:"minQualityScoreNormalized,omitempty" yaml:"minQualityScoreNormalized,omitempty" validate:"omitempty,gte=0,lte=1"`
	RequireAnyOfRatingsPresent []string    `json:"requireAnyOfRatingsPresent,omitempty" yaml:"requireAnyOfRatingsPresent,omitempty" validate:"dive,required"`
	MinVotesAnyOf              *VotesAnyOf `json:"minVotesAnyOf,omitempty" yaml:"minVotesAnyOf,omitempty"`
}

// VotesAnyOf passes when any of the named sources has at least Min votes.
type VotesAnyOf struct {
	Sources []string `json:"sources" yaml:"sources" validate:"required,min=1,dive,required"`
	Min     int64    `json:"min" yaml:"min" validate:"gte=0"`
}

// Item is the subset of a catalog item the evaluator looks at.
type Item struct {
	ID               string   `json:"id" yaml:"id"`
	OriginCountries  []string `json:"originCountries" yaml:"originCountries"`
	OriginalLanguage string   `json:"originalLanguage" yaml:"originalLanguage"`
	Signals          Signals  `json:"signals" yaml:"signals"`
	Stats            *Stats   `json:"stats,omitempty" yaml:"stats,omitempty"`
}

// Signals are the quality and availability signals used by the gate and breakout rules.
// A source absent from Votes or Ratings counts as missing.
type Signals struct {
	Votes                  map[string]int64   `json:"votes,omitempty" yaml:"votes,omitempty"`
	QualityScoreNormalized *float64           `json:"qualityScoreNormalized,omitempty" yaml:"qualityScoreNormalized,omitempty"`
	Providers              []string           `json:"providers,omitempty" yaml:"providers,omitempty"`
	Ratings                map[string]float64 `json:"ratings,omitempty" yaml:"ratings,omitempty"`
}

// Stats are the precomputed ranking components of an item, each expected in 0..1.
type Stats struct {
	QualityScore    *float64 `json:"qualityScore,omitempty" yaml:"qualityScore,omitempty"`
	PopularityScore *float64 `json:"popularityScore,omitempty" yaml:"popularityScore,omitempty"`
	FreshnessScore  *float64 `json:"freshnessScore,omitempty" yaml:"freshnessScore,omitempty"`
	TrendingScore   *float64 `json:"trendingScore,omitempty" yaml:"trendingScore,omitempty"`
}

// Gate check names reported in GateDiagnostics.
const (
	GateCheckMinQuality     = "minQualityScoreNormalized"
	GateCheckRatingsPresent = "requireAnyOfRatingsPresent"
	GateCheckMinVotesAnyOf  = "minVotesAnyOf"
)

// GateDiagnostics describes which global gate checks failed.
type GateDiagnostics struct {
	Passed bool     `json:"passed"`
	Failed []string `json:"failed,omitempty"`
}

// Evaluation is the outcome of evaluating one item against one policy.
type Evaluation struct {
	Status         Status           `json:"status"`
	Reasons        []Reason         `json:"reasons"`
	BreakoutRuleID string           `json:"breakoutRuleId,omitempty"`
	Gate           *GateDiagnostics `json:"gate,omitempty"`
}
