package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiCompleter implements Completer with the Google Generative AI SDK.
// A client is created per call so that the caller's context governs the
// connection and the client is always closed after use.
type GeminiCompleter struct {
	apiKey    string
	model     string
	maxTokens int
}

func (g *GeminiCompleter) Complete(ctx context.Context, prompt string, images ...Image) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return "", fmt.Errorf("gemini: client: %w", err)
	}
	defer client.Close()

	m := client.GenerativeModel(g.model)
	maxOut := int32(g.maxTokens)
	m.MaxOutputTokens = &maxOut
	temp := float32(0.2)
	m.Temperature = &temp
	m.ResponseMIMEType = "application/json"

	parts := []genai.Part{genai.Text(prompt)}
	for _, img := range images {
		parts = append(parts, genai.Blob{MIMEType: img.MIMEType, Data: img.Data})
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}

	var out []string
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				out = append(out, string(t))
			}
		}
	}
	if len(out) == 0 {
		return "", fmt.Errorf("gemini: response contained no text")
	}
	return strings.Join(out, ""), nil
}
