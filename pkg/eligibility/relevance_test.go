package eligibility

import (
	"math"
	"testing"
)

func TestRelevanceScore(t *testing.T) {
	tests := []struct {
		name  string
		stats *Stats
		want  int
	}{
		{name: "nil stats", stats: nil, want: 0},
		{name: "empty stats", stats: &Stats{}, want: 0},
		{name: "all ones", stats: &Stats{QualityScore: f64(1), PopularityScore: f64(1), FreshnessScore: f64(1)}, want: 100},
		{name: "weighted mix", stats: &Stats{QualityScore: f64(0.5), PopularityScore: f64(0.25), FreshnessScore: f64(1)}, want: 50},
		{name: "rounds to nearest", stats: &Stats{QualityScore: f64(0.014), FreshnessScore: f64(0.01)}, want: 1},
		{name: "NaN counts as zero", stats: &Stats{QualityScore: f64(math.NaN()), PopularityScore: f64(1)}, want: 40},
		{name: "clamped high", stats: &Stats{QualityScore: f64(5), PopularityScore: f64(5)}, want: 100},
		{name: "clamped low", stats: &Stats{QualityScore: f64(-3)}, want: 0},
		{name: "trending ignored", stats: &Stats{TrendingScore: f64(1)}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RelevanceScore(tt.stats); got != tt.want {
				t.Errorf("RelevanceScore() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRelevanceScore_Bounds(t *testing.T) {
	values := []float64{-1, 0, 0.1, 0.33, 0.5, 0.999, 1, 2, math.NaN(), math.Inf(1), math.Inf(-1)}
	for _, q := range values {
		for _, p := range values {
			for _, f := range values {
				got := RelevanceScore(&Stats{QualityScore: f64(q), PopularityScore: f64(p), FreshnessScore: f64(f)})
				if got < 0 || got > 100 {
					t.Fatalf("RelevanceScore(%v, %v, %v) = %d out of bounds", q, p, f, got)
				}
			}
		}
	}
}

func TestTrendingScore(t *testing.T) {
	if got := TrendingScore(nil); got != 0 {
		t.Errorf("Expected 0 for nil stats, got %v", got)
	}
	if got := TrendingScore(&Stats{TrendingScore: f64(math.NaN())}); got != 0 {
		t.Errorf("Expected 0 for NaN, got %v", got)
	}
	if got := TrendingScore(&Stats{TrendingScore: f64(0.42)}); got != 0.42 {
		t.Errorf("Expected 0.42, got %v", got)
	}
}
