package triage

import (
	"math"
	"strings"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/models"
)

// Recommendations attached to a verdict.
const (
	RecommendApprove   = "Legitimate complaint with high confidence. Approve and award points."
	RecommendLikely    = "Complaint is likely valid. Manual check recommended."
	RecommendReject    = "Major inconsistency between photos and description. Reject."
	RecommendAmbiguous = "Ambiguous complaint. Manual review required."
)

// MatchScore measures how well the photos corroborate the written claim.
func MatchScore(p Policy, images models.ImageFindings, text models.TextFindings) int {
	score := p.BaseMatchScore

	for _, l := range images.Labels {
		if containsAny(strings.ToLower(l), p.FoodVocabulary) {
			score += p.FoodBonus
			break
		}
	}

	if len(images.Issues) > 0 && text.Severity == models.SeverityHigh {
		score += p.IssueSeverityBonus
	}

	matched := 0
	for _, kw := range text.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		for _, l := range images.Labels {
			if strings.Contains(strings.ToLower(l), kw) {
				matched++
				break
			}
		}
	}
	keywordPoints := matched * p.KeywordWeight
	if keywordPoints > p.KeywordCap {
		keywordPoints = p.KeywordCap
	}
	score += keywordPoints

	return clamp(score, 0, 100)
}

// Decide combines image and text findings into a validation result.
func Decide(p Policy, images models.ImageFindings, text models.TextFindings, now time.Time) models.AIValidation {
	match := MatchScore(p, images, text)
	isValid := match >= p.ValidMatchScore && text.Severity != p.BlockedSeverity
	confidence := clamp(int(math.Round(float64(match+text.Confidence)/2)), 0, 100)

	return models.AIValidation{
		IsValid:         isValid,
		ConfidenceScore: confidence,
		ImageFindings:   images,
		TextFindings:    text,
		MatchScore:      match,
		Recommendation:  Recommend(p, isValid, confidence, match),
		ProcessedAt:     now,
	}
}

// Recommend picks the recommendation template for a decision.
func Recommend(p Policy, isValid bool, confidence, match int) string {
	switch {
	case isValid && confidence >= p.ApproveConfidence:
		return RecommendApprove
	case isValid && confidence >= p.LikelyConfidence:
		return RecommendLikely
	case !isValid && match < p.RejectMatchScore:
		return RecommendReject
	default:
		return RecommendAmbiguous
	}
}

// ShouldAutoReject reports whether a result is a confident rejection that
// is resolved without waiting for a human.
func ShouldAutoReject(p Policy, v models.AIValidation) bool {
	return !v.IsValid && v.ConfidenceScore >= p.AutoRejectConfidence
}
