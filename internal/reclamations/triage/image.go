package triage

import (
	"context"
	"log"
	"math"
	"strings"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/inference"
	"github.com/25x8/reclamations/internal/reclamations/models"
	"github.com/25x8/reclamations/internal/reclamations/photos"
)

// PhotoResolver turns an opaque photo reference into image bytes.
type PhotoResolver interface {
	Resolve(ref string) (*photos.Photo, error)
}

// ImageAnalyzer produces labels, a quality score and defect issues for the
// photos of a reclamation. The labeling backend is used when configured;
// the multimodal completer is the fallback, per photo.
type ImageAnalyzer struct {
	Resolver  PhotoResolver
	Labeler   inference.Labeler // nil when no labeling backend is configured
	Completer inference.Completer
	Policy    Policy
	Timeout   time.Duration
}

// photoReport is the JSON the multimodal backend is asked to return.
type photoReport struct {
	Labels       []string `json:"labels"`
	HasFood      bool     `json:"hasFood"`
	HasIssues    bool     `json:"hasIssues"`
	Issues       []string `json:"issues"`
	QualityScore *float64 `json:"qualityScore"`
}

const imagePrompt = `Analyze this food photo and answer with JSON only:

{
  "labels": ["list", "of", "detected", "objects"],
  "hasFood": true,
  "hasIssues": false,
  "issues": ["detected", "problems"],
  "qualityScore": 0
}

qualityScore is an integer from 0 to 100.
Detect: food, dishes, problems (burnt, raw, cold, spoiled, dirty, mold, etc.)`

// Analyze inspects every resolvable photo. Unresolvable photos are skipped.
// The quality score is the average over analyzed photos, or the neutral
// score when none could be analyzed.
func (a *ImageAnalyzer) Analyze(ctx context.Context, refs []string) models.ImageFindings {
	labels := newSet()
	issues := newSet()
	total, analyzed := 0, 0

	for _, ref := range refs {
		photo, err := a.Resolver.Resolve(ref)
		if err != nil {
			log.Printf("Skipping photo %q: %v", ref, err)
			continue
		}

		var quality int
		var photoLabels, photoIssues []string
		if a.Labeler != nil {
			photoLabels, photoIssues, quality, err = a.labelPhoto(ctx, photo)
			if err != nil {
				log.Printf("Label detection failed for %q, using multimodal analysis: %v", ref, err)
				photoLabels, photoIssues, quality = a.describePhoto(ctx, photo)
			}
		} else {
			photoLabels, photoIssues, quality = a.describePhoto(ctx, photo)
		}

		labels.add(photoLabels...)
		issues.add(photoIssues...)
		total += quality
		analyzed++
	}

	quality := a.Policy.QualityNeutral
	if analyzed > 0 {
		quality = int(math.Round(float64(total) / float64(analyzed)))
	}

	return models.ImageFindings{
		Labels:       labels.list(),
		QualityScore: clamp(quality, 0, 100),
		Issues:       issues.list(),
	}
}

// labelPhoto classifies the labeling backend's labels with the vocabularies.
func (a *ImageAnalyzer) labelPhoto(ctx context.Context, photo *photos.Photo) ([]string, []string, int, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	raw, err := a.Labeler.Labels(ctx, photo.Data)
	if err != nil {
		return nil, nil, 0, err
	}

	var labels, issues []string
	hasFood := false
	for _, l := range raw {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		labels = append(labels, l)
		if containsAny(l, a.Policy.FoodVocabulary) {
			hasFood = true
		}
		if containsAny(l, a.Policy.DefectVocabulary) {
			issues = append(issues, l)
		}
	}

	quality := a.Policy.QualityNeutral
	switch {
	case hasFood && len(issues) == 0:
		quality = a.Policy.QualityFood
	case hasFood:
		quality = a.Policy.QualityFoodDefect
	}
	return labels, issues, quality, nil
}

// describePhoto asks the multimodal completer for a structured description.
// Any failure yields the neutral quality and no labels or issues.
func (a *ImageAnalyzer) describePhoto(ctx context.Context, photo *photos.Photo) ([]string, []string, int) {
	neutral := a.Policy.QualityNeutral
	if a.Completer == nil {
		return nil, nil, neutral
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	answer, err := a.Completer.Complete(ctx, imagePrompt, inference.Image{MIMEType: photo.MIMEType, Data: photo.Data})
	if err != nil {
		log.Printf("Multimodal analysis failed for %q: %v", photo.Ref, err)
		return nil, nil, neutral
	}

	var report photoReport
	if err := extractJSON(answer, &report); err != nil {
		log.Printf("Multimodal analysis for %q returned no usable JSON: %v", photo.Ref, err)
		return nil, nil, neutral
	}

	labels := normalizeAll(report.Labels)
	var issues []string
	if report.HasIssues {
		issues = normalizeAll(report.Issues)
	}
	quality := neutral
	if report.QualityScore != nil && *report.QualityScore > 0 {
		quality = clamp(int(math.Round(*report.QualityScore)), 0, 100)
	}
	return labels, issues, quality
}

func (a *ImageAnalyzer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.Timeout)
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
