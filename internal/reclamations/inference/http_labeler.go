package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// defaultRateLimitPause is how long the labeler stays quiet after a 429
// without a usable Retry-After header
const defaultRateLimitPause = time.Minute

// HTTPLabeler talks to a self-hosted label detection service
type HTTPLabeler struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	mu          sync.Mutex
	pausedUntil time.Time
}

// labelResponse is one element of the label service answer
type labelResponse struct {
	Label string `json:"label"`
}

// NewHTTPLabeler creates a new label service client
func NewHTTPLabeler(baseURL string) *HTTPLabeler {
	return &HTTPLabeler{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// Labels posts the image bytes and returns the detected labels. After the
// service answered 429, calls fail with ErrRateLimited without reaching it
// until the Retry-After delay has passed.
func (s *HTTPLabeler) Labels(ctx context.Context, image []byte) ([]string, error) {
	if until := s.paused(); !until.IsZero() {
		return nil, fmt.Errorf("%w until %s", ErrRateLimited, until.Format(time.RFC3339))
	}

	url := fmt.Sprintf("%s/api/labels", s.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", http.DetectContentType(image))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Handle rate limiting
	if resp.StatusCode == http.StatusTooManyRequests {
		pause := defaultRateLimitPause
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds >= 0 {
			pause = time.Duration(seconds) * time.Second
		}
		s.pause(pause)
		return nil, fmt.Errorf("%w, retry after %s", ErrRateLimited, pause)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("label service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var labels []labelResponse
	if err := json.Unmarshal(body, &labels); err != nil {
		return nil, fmt.Errorf("label service: decode response: %w", err)
	}

	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l.Label != "" {
			out = append(out, l.Label)
		}
	}
	return out, nil
}

// paused returns the end of the current rate limit pause, or the zero time
func (s *HTTPLabeler) paused() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Before(s.pausedUntil) {
		return s.pausedUntil
	}
	return time.Time{}
}

func (s *HTTPLabeler) pause(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedUntil = s.now().Add(d)
}
