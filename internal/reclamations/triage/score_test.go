package triage

import (
	"math"
	"testing"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/models"
)

func TestMatchScore_BurntFoodHighSeverity(t *testing.T) {
	images := models.ImageFindings{Labels: []string{"food", "burnt"}, Issues: []string{"burnt"}}
	text := models.TextFindings{Severity: models.SeverityHigh, Keywords: []string{"late", "delivery"}, Confidence: 70}

	if got := MatchScore(DefaultPolicy(), images, text); got != 90 {
		t.Errorf("MatchScore = %d, want 90", got)
	}
}

func TestMatchScore_Components(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name   string
		images models.ImageFindings
		text   models.TextFindings
		want   int
	}{
		{
			name: "nothing matches",
			want: 50,
		},
		{
			name:   "food label by substring",
			images: models.ImageFindings{Labels: []string{"fast food"}},
			want:   70,
		},
		{
			name:   "issues without high severity",
			images: models.ImageFindings{Labels: []string{"table"}, Issues: []string{"cold"}},
			text:   models.TextFindings{Severity: models.SeverityMedium},
			want:   50,
		},
		{
			name:   "keywords at five points each",
			images: models.ImageFindings{Labels: []string{"pizza", "cheese", "box"}},
			text:   models.TextFindings{Keywords: []string{"Pizza", "cheese", "driver"}},
			want:   60,
		},
		{
			name:   "keyword points capped",
			images: models.ImageFindings{Labels: []string{"a-b-c-d-e-f"}},
			text:   models.TextFindings{Keywords: []string{"a", "b", "c", "d", "e", "f"}},
			want:   70,
		},
		{
			name:   "empty keyword ignored",
			images: models.ImageFindings{Labels: []string{"table"}},
			text:   models.TextFindings{Keywords: []string{"", "  "}},
			want:   50,
		},
		{
			name:   "clamped to 100",
			images: models.ImageFindings{Labels: []string{"dish", "burnt", "rice", "sauce", "meat", "plate"}, Issues: []string{"burnt"}},
			text:   models.TextFindings{Severity: models.SeverityHigh, Keywords: []string{"burnt", "rice", "sauce", "meat"}},
			want:   100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchScore(p, tt.images, tt.text); got != tt.want {
				t.Errorf("MatchScore = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestDecide_Properties walks a grid of image and text findings and checks the
// decision invariants on every combination.
func TestDecide_Properties(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	labelSets := [][]string{nil, {"food"}, {"table", "cold"}, {"meal", "burnt", "fries"}}
	issueSets := [][]string{nil, {"cold"}}
	keywordSets := [][]string{nil, {"fries"}, {"burnt", "fries", "meal", "cold", "food"}}
	severities := []string{models.SeverityLow, models.SeverityMedium, models.SeverityHigh}
	confidences := []int{0, 35, 50, 79, 80, 90, 100}

	for _, labels := range labelSets {
		for _, issues := range issueSets {
			for _, keywords := range keywordSets {
				for _, severity := range severities {
					for _, confidence := range confidences {
						images := models.ImageFindings{Labels: labels, Issues: issues}
						text := models.TextFindings{Severity: severity, Keywords: keywords, Confidence: confidence}

						v := Decide(p, images, text, now)
						if v.MatchScore < 0 || v.MatchScore > 100 {
							t.Fatalf("match score %d out of range for %+v %+v", v.MatchScore, images, text)
						}
						if v.ConfidenceScore < 0 || v.ConfidenceScore > 100 {
							t.Fatalf("confidence %d out of range for %+v %+v", v.ConfidenceScore, images, text)
						}
						wantValid := v.MatchScore >= 60 && severity != models.SeverityLow
						if v.IsValid != wantValid {
							t.Fatalf("IsValid = %v, want %v (match %d, severity %s)", v.IsValid, wantValid, v.MatchScore, severity)
						}
						wantConf := int(math.Round(float64(v.MatchScore+confidence) / 2))
						if v.ConfidenceScore != wantConf {
							t.Fatalf("ConfidenceScore = %d, want %d", v.ConfidenceScore, wantConf)
						}
						if !v.ProcessedAt.Equal(now) {
							t.Fatalf("ProcessedAt = %v, want %v", v.ProcessedAt, now)
						}
					}
				}
			}
		}
	}
}

func TestRecommend(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		valid      bool
		confidence int
		match      int
		want       string
	}{
		{true, 80, 70, RecommendApprove},
		{true, 79, 70, RecommendLikely},
		{true, 60, 60, RecommendLikely},
		{true, 59, 60, RecommendAmbiguous},
		{false, 90, 39, RecommendReject},
		{false, 90, 40, RecommendAmbiguous},
		{false, 20, 55, RecommendAmbiguous},
	}
	for _, tt := range tests {
		if got := Recommend(p, tt.valid, tt.confidence, tt.match); got != tt.want {
			t.Errorf("Recommend(%v, %d, %d) = %q, want %q", tt.valid, tt.confidence, tt.match, got, tt.want)
		}
	}
}

func TestShouldAutoReject(t *testing.T) {
	p := DefaultPolicy()
	if !ShouldAutoReject(p, models.AIValidation{IsValid: false, ConfidenceScore: 80}) {
		t.Error("invalid at 80 should auto-reject")
	}
	if ShouldAutoReject(p, models.AIValidation{IsValid: false, ConfidenceScore: 79}) {
		t.Error("invalid at 79 should not auto-reject")
	}
	if ShouldAutoReject(p, models.AIValidation{IsValid: true, ConfidenceScore: 95}) {
		t.Error("valid should never auto-reject")
	}
}
