// Package llm is a minimal client for the Gemini generateContent API used by
// field extraction.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/platform/resilience"
)

var ErrEmptyResponse = errors.New("model returned no content")

// Client generates a completion for a single prompt.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

type GeminiRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text"`
}

type GenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
}

type GeminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// RPS caps outbound requests across the process.
	RPS float64
}

type GeminiClient struct {
	cfg   Config
	http  *http.Client
	guard *resilience.Guard
}

// NewGeminiClient builds a client. Deadlines come from the caller's context;
// the HTTP client itself has no timeout.
func NewGeminiClient(cfg Config, logger zerolog.Logger) *GeminiClient {
	bc := resilience.DefaultBreakerConfig("llm")
	bc.RPS = cfg.RPS
	bc.Burst = int(cfg.RPS) + 1
	return &GeminiClient{
		cfg:   cfg,
		http:  &http.Client{},
		guard: resilience.NewGuard(bc, logger),
	}
}

func (c *GeminiClient) Model() string { return c.cfg.Model }

func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	return resilience.Do(ctx, c.guard, func(ctx context.Context) (string, error) {
		return c.generate(ctx, prompt)
	})
}

// endpoint carries no credentials; transport errors echo the URL.
func (c *GeminiClient) endpoint() string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/models/%s:generateContent", base, url.PathEscape(c.cfg.Model))
}

func (c *GeminiClient) generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(GeminiRequest{
		Contents:         []Content{{Role: "user", Parts: []Part{{Text: prompt}}}},
		GenerationConfig: &GenerationConfig{Temperature: 0, ResponseMIMEType: "application/json"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out GeminiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("model returned status %d: %s", resp.StatusCode, out.Error.Message)
		}
		return "", fmt.Errorf("model returned status %d", resp.StatusCode)
	}

	var sb strings.Builder
	for _, cand := range out.Candidates {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			break
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
