package triage

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/inference"
	"github.com/25x8/reclamations/internal/reclamations/models"
)

// TextAnalyzer extracts sentiment, severity, keywords and a confidence value
// from the written claim, in the light of the image findings.
type TextAnalyzer struct {
	Completer inference.Completer
	Policy    Policy
	Timeout   time.Duration
}

type textReport struct {
	Sentiment  string   `json:"sentiment"`
	Severity   string   `json:"severity"`
	Keywords   []string `json:"keywords"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Analyze asks the completer for a structured analysis. Any backend error or
// malformed answer yields the deterministic fallback analysis.
func (a *TextAnalyzer) Analyze(ctx context.Context, description, complaintType string, images models.ImageFindings) models.TextFindings {
	if a.Completer == nil {
		return a.Fallback(description)
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	answer, err := a.Completer.Complete(ctx, buildTextPrompt(description, complaintType, images))
	if err != nil {
		log.Printf("Text analysis backend failed, using fallback: %v", err)
		return a.Fallback(description)
	}

	findings, err := parseTextReport(answer)
	if err != nil {
		log.Printf("Text analysis answer unusable, using fallback: %v", err)
		return a.Fallback(description)
	}
	return findings
}

// Fallback scans the description for negative indicator words.
func (a *TextAnalyzer) Fallback(description string) models.TextFindings {
	lower := strings.ToLower(description)
	findings := models.TextFindings{
		Sentiment:  models.SentimentNeutral,
		Severity:   models.SeverityLow,
		Confidence: a.Policy.FallbackConfidence,
		Reasoning:  "fallback analysis (backend unavailable)",
		Fallback:   true,
	}
	if containsAny(lower, a.Policy.NegativeVocabulary) {
		findings.Sentiment = models.SentimentNegative
		findings.Severity = models.SeverityMedium
	}

	words := strings.Fields(description)
	if n := a.Policy.FallbackKeywords; len(words) > n {
		words = words[:n]
	}
	findings.Keywords = append([]string{}, words...)
	return findings
}

func parseTextReport(answer string) (models.TextFindings, error) {
	var r textReport
	if err := extractJSON(answer, &r); err != nil {
		return models.TextFindings{}, err
	}

	sentiment := strings.ToLower(strings.TrimSpace(r.Sentiment))
	switch sentiment {
	case models.SentimentNegative, models.SentimentNeutral, models.SentimentPositive:
	default:
		return models.TextFindings{}, fmt.Errorf("invalid sentiment %q", r.Sentiment)
	}
	severity := strings.ToLower(strings.TrimSpace(r.Severity))
	switch severity {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh:
	default:
		return models.TextFindings{}, fmt.Errorf("invalid severity %q", r.Severity)
	}
	if r.Confidence == nil {
		return models.TextFindings{}, fmt.Errorf("confidence is missing")
	}

	keywords := make([]string, 0, len(r.Keywords))
	for _, k := range r.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}

	return models.TextFindings{
		Sentiment:  sentiment,
		Severity:   severity,
		Keywords:   keywords,
		Confidence: clamp(int(math.Round(*r.Confidence)), 0, 100),
		Reasoning:  r.Reasoning,
	}, nil
}

func buildTextPrompt(description, complaintType string, images models.ImageFindings) string {
	var sb strings.Builder

	sb.WriteString("You validate customer complaints for a food delivery service.\n\n")
	fmt.Fprintf(&sb, "CUSTOMER DESCRIPTION: %q\n", description)
	fmt.Fprintf(&sb, "COMPLAINT TYPE: %q\n", complaintType)
	fmt.Fprintf(&sb, "OBJECTS DETECTED IN THE PHOTOS: %s\n", joinOr(images.Labels, "none"))
	fmt.Fprintf(&sb, "VISUAL PROBLEMS DETECTED: %s\n", joinOr(images.Issues, "none"))
	fmt.Fprintf(&sb, "PHOTO QUALITY SCORE: %d/100\n\n", images.QualityScore)

	sb.WriteString(`TASK:
1. Check whether the description matches the detected objects
2. Rate the severity of the complaint (low, medium, high)
3. Detect the sentiment (negative, neutral, positive)
4. Extract the important keywords
5. Give a confidence score (0-100)

ANSWER WITH JSON ONLY (no markdown):
{
  "sentiment": "negative",
  "severity": "medium",
  "keywords": ["word1", "word2"],
  "confidence": 85,
  "reasoning": "short explanation"
}
`)
	return sb.String()
}

func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return strings.Join(items, ", ")
}
