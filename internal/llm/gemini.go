package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/codeanatomy/codeanatomy/internal/logging"
)

// GeminiClient wraps Google's Generative AI SDK. Gemini is the one
// provider that does not speak the OpenAI protocol; it gets native JSON
// output via the response MIME type instead of response_format.
type GeminiClient struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGemini creates a Gemini API client.
func NewGemini(ctx context.Context, apiKey, model string, limiter *rate.Limiter) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = geminiDefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	logger := logging.Component("llm").With("provider", "gemini", "model", model)
	logger.Debug("client initialized")

	return &GeminiClient{
		client:  client,
		model:   model,
		limiter: limiter,
		logger:  logger,
	}, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

// CompleteJSON sends the prompt and requests a JSON response through the
// MIME type.
func (c *GeminiClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature:      ptrFloat32(Temperature),
		ResponseMIMEType: "application/json",
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), genConfig)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no content parts")
	}

	text := strings.TrimSpace(candidate.Content.Parts[0].Text)
	if text == "" {
		return "", fmt.Errorf("gemini returned empty content")
	}

	c.logger.Debug("completion",
		"prompt_length", len(prompt),
		"response_length", len(text),
	)
	return text, nil
}

// Close releases resources held by the client. The current SDK needs no
// explicit cleanup.
func (c *GeminiClient) Close() error { return nil }

func ptrFloat32(f float64) *float32 {
	f32 := float32(f)
	return &f32
}
