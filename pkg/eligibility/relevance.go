package eligibility

import "math"

const (
	qualityWeight    = 0.4
	popularityWeight = 0.4
	freshnessWeight  = 0.2
)

// RelevanceScore returns round(100 * (0.4*quality + 0.4*popularity + 0.2*freshness))
// clamped to 0..100. Nil or NaN components count as zero and nil stats score 0.
func RelevanceScore(stats *Stats) int {
	if stats == nil {
		return 0
	}

	raw := qualityWeight*component(stats.QualityScore) +
		popularityWeight*component(stats.PopularityScore) +
		freshnessWeight*component(stats.FreshnessScore)

	score := math.Round(100 * raw)
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 100:
		return 100
	}
	return int(score)
}

// TrendingScore returns the trending component used to rank diff samples, 0 when missing.
func TrendingScore(stats *Stats) float64 {
	if stats == nil {
		return 0
	}
	return component(stats.TrendingScore)
}

func component(v *float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return 0
	}
	return *v
}
