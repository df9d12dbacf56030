// Package inference wraps the network backends the evidence pipeline relies
// on: an image-labeling service and a generative completion service. The
// backend of each kind is chosen once at startup from configuration.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrRateLimited is returned when a backend asks the caller to slow down.
var ErrRateLimited = errors.New("inference: rate limited")

// Image is one photo sent to a multimodal backend.
type Image struct {
	MIMEType string
	Data     []byte
}

// Labeler detects labels in a single image.
type Labeler interface {
	Labels(ctx context.Context, image []byte) ([]string, error)
}

// Completer sends a prompt, optionally with images, to a generative model and
// returns the raw text of the answer.
type Completer interface {
	Complete(ctx context.Context, prompt string, images ...Image) (string, error)
}

// Backend names accepted in configuration.
const (
	LabelerVision = "vision"
	LabelerHTTP   = "http"
	LabelerNone   = "none"

	CompleterGemini    = "gemini"
	CompleterOpenAI    = "openai"
	CompleterAnthropic = "anthropic"
)

// Options selects and configures the backends.
type Options struct {
	Labeler               string
	LabelerAddress        string
	VisionCredentialsFile string

	Completer       string
	Model           string
	GeminiAPIKey    string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	MaxTokens       int
}

// Default completion models per provider.
var defaultModels = map[string]string{
	CompleterGemini:    "gemini-1.5-flash",
	CompleterOpenAI:    "gpt-4o-mini",
	CompleterAnthropic: "claude-3-5-haiku-latest",
}

// NewLabeler builds the configured labeling backend. A nil Labeler with a nil
// error means no labeling backend is configured; callers fall back to the
// multimodal completion path.
func NewLabeler(ctx context.Context, opts Options) (Labeler, error) {
	switch strings.ToLower(opts.Labeler) {
	case LabelerNone, "":
		return nil, nil
	case LabelerVision:
		if opts.VisionCredentialsFile == "" {
			return nil, nil
		}
		l, err := NewVisionLabeler(ctx, opts.VisionCredentialsFile)
		if err != nil {
			return nil, err
		}
		return l, nil
	case LabelerHTTP:
		if opts.LabelerAddress == "" {
			return nil, fmt.Errorf("inference: labeler %q requires an address", opts.Labeler)
		}
		return NewHTTPLabeler(opts.LabelerAddress), nil
	default:
		return nil, fmt.Errorf("inference: unknown labeler %q", opts.Labeler)
	}
}

// NewCompleter builds the configured completion backend. Unlike the labeler a
// completer is mandatory, so a missing key is an error.
func NewCompleter(opts Options) (Completer, error) {
	name := strings.ToLower(opts.Completer)
	if name == "" {
		name = CompleterGemini
	}
	model := opts.Model
	if model == "" {
		model = defaultModels[name]
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	switch name {
	case CompleterGemini:
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("inference: GEMINI_API_KEY is not set")
		}
		return &GeminiCompleter{apiKey: opts.GeminiAPIKey, model: model, maxTokens: maxTokens}, nil
	case CompleterOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("inference: OPENAI_API_KEY is not set")
		}
		return newOpenAICompleter(opts.OpenAIAPIKey, model, maxTokens), nil
	case CompleterAnthropic:
		if opts.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("inference: ANTHROPIC_API_KEY is not set")
		}
		return newAnthropicCompleter(opts.AnthropicAPIKey, model, maxTokens), nil
	default:
		return nil, fmt.Errorf("inference: unknown completer %q", opts.Completer)
	}
}

// Probe issues one small completion and reports whether the backend answers.
func Probe(ctx context.Context, c Completer) error {
	out, err := c.Complete(ctx, `Reply with the JSON object {"ok": true} and nothing else.`)
	if err != nil {
		return fmt.Errorf("inference: probe: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return errors.New("inference: probe: empty answer")
	}
	return nil
}
