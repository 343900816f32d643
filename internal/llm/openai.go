package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/codeanatomy/codeanatomy/internal/logging"
)

// OpenAICompatClient talks to any endpoint speaking the OpenAI chat
// completion protocol. Groq, DeepSeek, OpenRouter and Anthropic's
// compatibility layer all ride on the same code path with a different
// base URL and model.
type OpenAICompatClient struct {
	name     string
	client   *openai.Client
	model    string
	jsonMode bool
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewOpenAICompat builds a client for one provider. baseURL may be empty
// for api.openai.com itself.
func NewOpenAICompat(name, apiKey, baseURL, model string, jsonMode bool, limiter *rate.Limiter) *OpenAICompatClient {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	logger := logging.Component("llm").With("provider", name, "model", model)
	logger.Debug("client initialized", "base_url", clientConfig.BaseURL, "json_mode", jsonMode)
	return &OpenAICompatClient{
		name:     name,
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		jsonMode: jsonMode,
		limiter:  limiter,
		logger:   logger,
	}
}

func (c *OpenAICompatClient) Name() string { return c.name }

// CompleteJSON sends the prompt as a single user message and returns the
// trimmed response content.
func (c *OpenAICompatClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: Temperature,
	}
	if c.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", c.name)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%s returned empty content", c.name)
	}

	c.logger.Debug("completion",
		"prompt_length", len(prompt),
		"response_length", len(content),
		"tokens_used", resp.Usage.TotalTokens,
	)
	return content, nil
}

func (c *OpenAICompatClient) Close() error { return nil }
