// Package triage decides whether a reclamation is credible. It analyzes the
// photos and the written claim, then scores how well they corroborate each
// other.
package triage

import (
	"fmt"
	"strings"

	"github.com/25x8/reclamations/internal/reclamations/models"
)

// Policy holds every tunable of the analysis and decision rules.
type Policy struct {
	FoodVocabulary     []string `yaml:"food_vocabulary"`
	DefectVocabulary   []string `yaml:"defect_vocabulary"`
	NegativeVocabulary []string `yaml:"negative_vocabulary"`

	// Per-photo quality when labels come from the labeling backend.
	QualityFood       int `yaml:"quality_food"`
	QualityFoodDefect int `yaml:"quality_food_defect"`
	QualityNeutral    int `yaml:"quality_neutral"`

	BaseMatchScore     int `yaml:"base_match_score"`
	FoodBonus          int `yaml:"food_bonus"`
	IssueSeverityBonus int `yaml:"issue_severity_bonus"`
	KeywordWeight      int `yaml:"keyword_weight"`
	KeywordCap         int `yaml:"keyword_cap"`

	ValidMatchScore int    `yaml:"valid_match_score"`
	BlockedSeverity string `yaml:"blocked_severity"`

	ApproveConfidence    int `yaml:"approve_confidence"`
	LikelyConfidence     int `yaml:"likely_confidence"`
	RejectMatchScore     int `yaml:"reject_match_score"`
	AutoRejectConfidence int `yaml:"auto_reject_confidence"`

	FallbackConfidence int `yaml:"fallback_confidence"`
	FallbackKeywords   int `yaml:"fallback_keywords"`
}

// DefaultPolicy returns the stock rules.
func DefaultPolicy() Policy {
	return Policy{
		FoodVocabulary:   []string{"food", "dish", "meal", "cuisine", "plate", "plat", "nourriture"},
		DefectVocabulary: []string{"dirty", "burnt", "raw", "spoiled", "mold", "cold"},
		NegativeVocabulary: []string{
			"bad", "cold", "burnt", "raw", "dirty", "missing", "spoiled", "damaged",
			"mauvais", "froid", "brûlé", "cru", "sale", "manquant", "abîmé",
		},

		QualityFood:       80,
		QualityFoodDefect: 40,
		QualityNeutral:    50,

		BaseMatchScore:     50,
		FoodBonus:          20,
		IssueSeverityBonus: 20,
		KeywordWeight:      5,
		KeywordCap:         20,

		ValidMatchScore: 60,
		BlockedSeverity: "low",

		ApproveConfidence:    80,
		LikelyConfidence:     60,
		RejectMatchScore:     40,
		AutoRejectConfidence: 80,

		FallbackConfidence: 50,
		FallbackKeywords:   5,
	}
}

// Validate rejects a policy whose scores leave 0..100 or whose weights and
// counts are negative.
func (p Policy) Validate() error {
	for _, f := range []struct {
		name  string
		value int
	}{
		{"quality_food", p.QualityFood},
		{"quality_food_defect", p.QualityFoodDefect},
		{"quality_neutral", p.QualityNeutral},
		{"base_match_score", p.BaseMatchScore},
		{"valid_match_score", p.ValidMatchScore},
		{"approve_confidence", p.ApproveConfidence},
		{"likely_confidence", p.LikelyConfidence},
		{"reject_match_score", p.RejectMatchScore},
		{"auto_reject_confidence", p.AutoRejectConfidence},
		{"fallback_confidence", p.FallbackConfidence},
	} {
		if f.value < 0 || f.value > 100 {
			return fmt.Errorf("%s must be within 0..100, got %d", f.name, f.value)
		}
	}
	for _, f := range []struct {
		name  string
		value int
	}{
		{"food_bonus", p.FoodBonus},
		{"issue_severity_bonus", p.IssueSeverityBonus},
		{"keyword_weight", p.KeywordWeight},
		{"keyword_cap", p.KeywordCap},
		{"fallback_keywords", p.FallbackKeywords},
	} {
		if f.value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", f.name, f.value)
		}
	}
	switch p.BlockedSeverity {
	case "", models.SeverityLow, models.SeverityMedium, models.SeverityHigh:
	default:
		return fmt.Errorf("blocked_severity must be low, medium or high, got %q", p.BlockedSeverity)
	}
	return nil
}

// containsAny reports whether s contains any of words. s is expected to be
// lower case already.
func containsAny(s string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(s, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// set is an insertion-ordered string set.
type set struct {
	seen  map[string]bool
	items []string
}

func newSet() *set {
	return &set{seen: make(map[string]bool)}
}

func (s *set) add(items ...string) {
	for _, it := range items {
		if it == "" || s.seen[it] {
			continue
		}
		s.seen[it] = true
		s.items = append(s.items, it)
	}
}

func (s *set) list() []string {
	if s.items == nil {
		return []string{}
	}
	return s.items
}
