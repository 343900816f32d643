package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeanatomy/codeanatomy/internal/config"
)

// TestDefaultModel resolves the per-provider default, honoring
// OPENROUTER_MODEL for the router.
func TestDefaultModel(t *testing.T) {
	assert.Equal(t, "gpt-4o-mini", DefaultModel("openai"))
	assert.Equal(t, "llama-3.3-70b-versatile", DefaultModel("groq"))
	assert.Equal(t, "deepseek-chat", DefaultModel("deepseek"))
	assert.Equal(t, "claude-3-5-sonnet-20241022", DefaultModel("anthropic"))
	assert.Equal(t, "gemini-2.5-flash", DefaultModel("gemini"))
	assert.Equal(t, "", DefaultModel("mystery"))

	t.Setenv("OPENROUTER_MODEL", "")
	assert.Equal(t, "openrouter/free", DefaultModel("openrouter"))
	t.Setenv("OPENROUTER_MODEL", "meta-llama/llama-3.1-8b-instruct:free")
	assert.Equal(t, "meta-llama/llama-3.1-8b-instruct:free", DefaultModel("openrouter"))
}

// TestNew_Errors: missing provider, missing key and unknown names are
// rejected with actionable messages.
func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, config.LLMConfig{})
	assert.ErrorContains(t, err, "no llm provider configured")

	_, err = New(ctx, config.LLMConfig{Provider: "groq"})
	assert.ErrorContains(t, err, "GROQ_API_KEY")

	_, err = New(ctx, config.LLMConfig{Provider: "mystery", APIKey: "k"})
	assert.ErrorContains(t, err, `unknown provider "mystery"`)
}

// TestNew_OpenAICompat builds clients for the whole compatible family
// without touching the network.
func TestNew_OpenAICompat(t *testing.T) {
	ctx := context.Background()
	for _, provider := range []string{"openai", "groq", "deepseek", "openrouter", "anthropic"} {
		c, err := New(ctx, config.LLMConfig{Provider: provider, APIKey: "test-key", RateLimit: 2})
		require.NoError(t, err, provider)
		assert.Equal(t, provider, c.Name())
		assert.NoError(t, c.Close())
	}

	c, err := New(ctx, config.LLMConfig{Provider: "groq", APIKey: "k", Model: "llama-3.1-8b-instant"})
	require.NoError(t, err)
	compat, ok := c.(*OpenAICompatClient)
	require.True(t, ok)
	assert.Equal(t, "llama-3.1-8b-instant", compat.model, "configured model wins over the default")
}

// TestFakeClient serves scripted responses in order and repeats the last
// one.
func TestFakeClient(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeClient(`{"nodes": [{"id": "a"}]}`, `{"nodes": [{"id": "b"}]}`)

	first, err := fake.CompleteJSON(ctx, "p1")
	require.NoError(t, err)
	assert.Contains(t, first, `"a"`)

	second, err := fake.CompleteJSON(ctx, "p2")
	require.NoError(t, err)
	assert.Contains(t, second, `"b"`)

	third, err := fake.CompleteJSON(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, second, third, "last response repeats")
	assert.Equal(t, 3, fake.Calls())
}

// TestFakeClient_Failure: injected errors surface on every call until
// cleared, and a cancelled context short-circuits.
func TestFakeClient_Failure(t *testing.T) {
	fake := NewFakeClient()
	boom := errors.New("quota exhausted")
	fake.FailWith(boom)

	_, err := fake.CompleteJSON(context.Background(), "p")
	assert.ErrorIs(t, err, boom)

	fake.FailWith(nil)
	resp, err := fake.CompleteJSON(context.Background(), "p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes": [], "edges": []}`, resp)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fake.CompleteJSON(cancelled, "p")
	assert.ErrorIs(t, err, context.Canceled)
}
