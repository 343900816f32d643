// Package llm provides the completion clients behind dependency
// extraction. Every provider speaks "prompt in, JSON text out": the
// OpenAI-compatible family (openai, groq, deepseek, openrouter and
// Anthropic's compatibility endpoint) goes through one client, Gemini has
// its own, and FakeClient serves tests and offline runs. All providers run
// at temperature 0.1 and are paced by a shared rate limiter.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"github.com/codeanatomy/codeanatomy/internal/config"
)

// Temperature used for every completion. Extraction wants repeatable
// output, not creativity.
const Temperature = 0.1

// Client is the minimal surface the extraction pipeline needs from a
// provider.
type Client interface {
	// Name identifies the provider in logs and error messages.
	Name() string
	// CompleteJSON sends one prompt and returns the raw response text,
	// trimmed. The prompt itself demands a JSON object; providers that
	// support a native JSON response mode enable it on top.
	CompleteJSON(ctx context.Context, prompt string) (string, error)
	// Close releases any underlying resources.
	Close() error
}

// providerSpec is one row of the OpenAI-compatible provider table.
type providerSpec struct {
	baseURL string
	model   string
	// jsonMode enables response_format json_object. OpenRouter's free
	// models and Anthropic's compatibility endpoint reject it, so they
	// rely on the prompt contract alone.
	jsonMode bool
}

var openAICompatProviders = map[string]providerSpec{
	"openai":     {baseURL: "", model: "gpt-4o-mini", jsonMode: true},
	"groq":       {baseURL: "https://api.groq.com/openai/v1", model: "llama-3.3-70b-versatile", jsonMode: true},
	"deepseek":   {baseURL: "https://api.deepseek.com", model: "deepseek-chat", jsonMode: true},
	"openrouter": {baseURL: "https://openrouter.ai/api/v1", model: "openrouter/free"},
	"anthropic":  {baseURL: "https://api.anthropic.com/v1/", model: "claude-3-5-sonnet-20241022"},
}

const geminiDefaultModel = "gemini-2.5-flash"

// DefaultModel returns the model used for a provider when none is
// configured. OpenRouter honors OPENROUTER_MODEL so users can pin one of
// the routed free models.
func DefaultModel(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "gemini" {
		return geminiDefaultModel
	}
	if provider == "openrouter" {
		if m := strings.TrimSpace(os.Getenv("OPENROUTER_MODEL")); m != "" {
			return m
		}
	}
	if spec, ok := openAICompatProviders[provider]; ok {
		return spec.model
	}
	return ""
}

// New builds the client for the configured provider. The API key must
// already be resolved (config handles env, keychain and file precedence).
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		return nil, fmt.Errorf("no llm provider configured: set ANATOMY_PROVIDER or one of the provider API keys")
	}
	if cfg.APIKey == "" {
		if env := config.ProviderKeyEnv(provider); env != "" {
			return nil, fmt.Errorf("provider %q requires %s to be set", provider, env)
		}
		return nil, fmt.Errorf("provider %q requires an API key", provider)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel(provider)
	}
	limiter := newLimiter(cfg.RateLimit)

	if provider == "gemini" {
		return NewGemini(ctx, cfg.APIKey, model, limiter)
	}
	spec, ok := openAICompatProviders[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (choose one of: %s)", provider, strings.Join(config.Providers(), ", "))
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = spec.baseURL
	}
	return NewOpenAICompat(provider, cfg.APIKey, baseURL, model, spec.jsonMode, limiter), nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}
