package inference

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

const maxVisionLabels = 20

// VisionLabeler implements Labeler with Google Cloud Vision label detection.
type VisionLabeler struct {
	svc *vision.Service
}

// NewVisionLabeler authenticates with a service account credentials file.
func NewVisionLabeler(ctx context.Context, credentialsFile string) (*VisionLabeler, error) {
	svc, err := vision.NewService(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("vision: new service: %w", err)
	}
	return &VisionLabeler{svc: svc}, nil
}

func (l *VisionLabeler) Labels(ctx context.Context, image []byte) ([]string, error) {
	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image: &vision.Image{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []*vision.Feature{{
				Type:       "LABEL_DETECTION",
				MaxResults: maxVisionLabels,
			}},
		}},
	}

	resp, err := l.svc.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("vision: annotate: %w", err)
	}
	if len(resp.Responses) == 0 {
		return nil, fmt.Errorf("vision: empty response")
	}
	r := resp.Responses[0]
	if r.Error != nil && r.Error.Code != 0 {
		return nil, fmt.Errorf("vision: annotate: %s (code %d)", r.Error.Message, r.Error.Code)
	}

	labels := make([]string, 0, len(r.LabelAnnotations))
	for _, a := range r.LabelAnnotations {
		if a.Description != "" {
			labels = append(labels, a.Description)
		}
	}
	return labels, nil
}
