package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault verifies the baked-in defaults the pipeline depends on.
func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 2, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 5, cfg.Pipeline.CheckpointEvery)
	assert.Equal(t, 300*time.Millisecond, cfg.Pipeline.RetryBackoff)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.ExtractionTimeout)
	assert.Equal(t, 3, cfg.Query.CriticalThreshold)
	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.False(t, cfg.Neo4j.Enabled)
}

// TestLoad_ConfigFile loads settings from an explicit YAML file.
func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
pipeline:
  workers: 8
  checkpoint_every: 10
llm:
  provider: openai
  model: gpt-4o
server:
  addr: ":9100"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 10, cfg.Pipeline.CheckpointEvery)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2, cfg.Pipeline.MaxRetries)
}

// TestLoad_EnvOverrides: environment variables win over file values.
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANATOMY_PROVIDER", "groq")
	t.Setenv("GROQ_API_KEY", "gsk_test_1234567890")
	t.Setenv("ANATOMY_WORKERS", "2")
	t.Setenv("ANATOMY_CHECKPOINT_EVERY", "3")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("NEO4J_URI", "bolt://graph:7687")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: openai\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "groq", cfg.LLM.Provider)
	assert.Equal(t, "gsk_test_1234567890", cfg.LLM.APIKey, "provider key comes from its env var")
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 3, cfg.Pipeline.CheckpointEvery)
	assert.Equal(t, "ghp_test", cfg.GitHub.Token)
	assert.True(t, cfg.Neo4j.Enabled, "setting NEO4J_URI enables the mirror")
	assert.Equal(t, "bolt://graph:7687", cfg.Neo4j.URI)
}

// TestLoad_ProviderAutoSelect picks the first provider with a key set
// when none is configured.
func TestLoad_ProviderAutoSelect(t *testing.T) {
	// Clear keys the host environment may carry for providers that
	// outrank deepseek in the scan order.
	for _, name := range []string{"groq", "openai", "anthropic", "gemini"} {
		t.Setenv(ProviderKeyEnv(name), "")
	}
	t.Setenv("DEEPSEEK_API_KEY", "sk-deepseek-test")

	cfg := Default()
	applyEnvOverrides(cfg)

	assert.Equal(t, "deepseek", cfg.LLM.Provider)
	assert.Equal(t, "sk-deepseek-test", cfg.LLM.APIKey)
}

// TestLoad_ProviderScanOrder: groq outranks deepseek in the scan order.
func TestLoad_ProviderScanOrder(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "sk-deepseek-test")
	t.Setenv("GROQ_API_KEY", "gsk-groq-test")

	cfg := Default()
	applyEnvOverrides(cfg)

	assert.Equal(t, "groq", cfg.LLM.Provider)
	assert.Equal(t, "gsk-groq-test", cfg.LLM.APIKey)
}

func TestProviderKeyEnv(t *testing.T) {
	assert.Equal(t, "OPENAI_API_KEY", ProviderKeyEnv("openai"))
	assert.Equal(t, "GEMINI_API_KEY", ProviderKeyEnv("gemini"))
	assert.Empty(t, ProviderKeyEnv("nonsense"))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".codeanatomy"), expandPath("~/.codeanatomy"))
	assert.Equal(t, "/var/lib/anatomy", expandPath("/var/lib/anatomy"))
	assert.Empty(t, expandPath(""))
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "(not set)", MaskAPIKey(""))
	assert.Equal(t, "***", MaskAPIKey("short"))
	assert.Equal(t, "sk-proj...cdef", MaskAPIKey("sk-proj-1234567890abcdef"))
}

// TestSaveRoundTrip writes a config and loads it back.
func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.Pipeline.Workers = 6
	cfg.Server.Addr = ":9999"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Pipeline.Workers)
	assert.Equal(t, ":9999", loaded.Server.Addr)
}
