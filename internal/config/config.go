package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration settings
type Config struct {
	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// Storage configuration (runs, graphs, checkpoints)
	Storage StorageConfig `yaml:"storage"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Extraction pipeline settings
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Graph query settings
	Query QueryConfig `yaml:"query"`

	// HTTP server settings
	Server ServerConfig `yaml:"server"`

	// GitHub configuration (remote codebase sources)
	GitHub GitHubConfig `yaml:"github"`

	// Neo4j graph mirror (optional)
	Neo4j Neo4jConfig `yaml:"neo4j"`

	// Schema agent settings
	Agent AgentConfig `yaml:"agent"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
	File  string `yaml:"file"`  // empty means stderr only
	JSON  bool   `yaml:"json"`
}

type StorageConfig struct {
	Type           string `yaml:"type"` // "postgres", "sqlite"
	PostgresDSN    string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	LocalPath      string `yaml:"local_path" mapstructure:"local_path"`
	CheckpointPath string `yaml:"checkpoint_path" mapstructure:"checkpoint_path"` // bbolt file for run checkpoints
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"` // "groq", "openai", "anthropic", "gemini", "deepseek", "openrouter"
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	Model       string  `yaml:"model"` // empty means the provider default
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"` // override for self-hosted gateways
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second, 0 disables throttling
	UseKeychain bool    `yaml:"use_keychain" mapstructure:"use_keychain"`
}

type PipelineConfig struct {
	Workers           int           `yaml:"workers"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	CheckpointEvery   int           `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	ExtractionTimeout time.Duration `yaml:"extraction_timeout" mapstructure:"extraction_timeout"`
}

type QueryConfig struct {
	CriticalThreshold int `yaml:"critical_threshold" mapstructure:"critical_threshold"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// BrowseRoot bounds the folder picker endpoint. Empty means the
	// server's working directory.
	BrowseRoot string `yaml:"browse_root" mapstructure:"browse_root"`
}

type GitHubConfig struct {
	Token     string `yaml:"token"`
	RateLimit int    `yaml:"rate_limit" mapstructure:"rate_limit"` // Requests per second
}

type Neo4jConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type AgentConfig struct {
	ServerURL string `yaml:"server_url" mapstructure:"server_url"` // websocket endpoint of the analyzer server
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`       // project key the agent authenticates with
}

// Default returns default configuration
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Type:           "sqlite",
			LocalPath:      filepath.Join(homeDir, ".codeanatomy", "anatomy.db"),
			CheckpointPath: filepath.Join(homeDir, ".codeanatomy", "checkpoints.db"),
		},
		LLM: LLMConfig{
			RateLimit: 2, // 2 requests per second
		},
		Pipeline: PipelineConfig{
			Workers:           4,
			MaxRetries:        2,
			CheckpointEvery:   5,
			RetryBackoff:      300 * time.Millisecond,
			ExtractionTimeout: 2 * time.Minute,
		},
		Query: QueryConfig{
			CriticalThreshold: 3,
		},
		Server: ServerConfig{
			Addr: ":8000",
		},
		GitHub: GitHubConfig{
			RateLimit: 1, // 1 request per second
		},
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
			Database: "neo4j",
		},
		Agent: AgentConfig{
			ServerURL: "ws://localhost:8000/ws/schema",
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	// Load .env files first (in order of precedence)
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults
	cfg := Default()
	v.SetDefault("logging", cfg.Logging)
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("llm", cfg.LLM)
	v.SetDefault("pipeline", cfg.Pipeline)
	v.SetDefault("query", cfg.Query)
	v.SetDefault("server", cfg.Server)
	v.SetDefault("github", cfg.GitHub)
	v.SetDefault("neo4j", cfg.Neo4j)
	v.SetDefault("agent", cfg.Agent)

	// Load from environment variables
	v.SetEnvPrefix("ANATOMY")
	v.AutomaticEnv()

	// Try to find config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.AddConfigPath(".codeanatomy")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".codeanatomy"))
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence
func loadEnvFiles() {
	envFiles := []string{
		".env.local", // Local overrides (highest precedence)
		".env",       // Main environment file
	}

	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}

	// Also try loading from home directory
	homeDir, _ := os.UserHomeDir()
	homeEnvFile := filepath.Join(homeDir, ".codeanatomy", ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		godotenv.Load(homeEnvFile)
	}
}

// llmKeyEnvVars maps each provider to the environment variable its API
// key is conventionally supplied in.
var llmKeyEnvVars = map[string]string{
	"groq":       "GROQ_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// llmProviderOrder is the scan order used to auto-select a provider
// when none is configured: the first provider with its key set wins.
var llmProviderOrder = []string{"groq", "openai", "anthropic", "gemini", "deepseek", "openrouter"}

// ProviderKeyEnv returns the environment variable holding the API key
// for a provider, or "" for unknown providers.
func ProviderKeyEnv(provider string) string {
	return llmKeyEnvVars[provider]
}

// Providers returns the supported provider names in scan order.
func Providers() []string {
	return append([]string(nil), llmProviderOrder...)
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) {
	// Logging configuration
	if level := os.Getenv("ANATOMY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if file := os.Getenv("ANATOMY_LOG_FILE"); file != "" {
		cfg.Logging.File = expandPath(file)
	}
	if jsonOut := os.Getenv("ANATOMY_LOG_JSON"); jsonOut != "" {
		cfg.Logging.JSON = jsonOut == "true"
	}

	// GitHub configuration
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	}
	if rateLimit := os.Getenv("GITHUB_RATE_LIMIT"); rateLimit != "" {
		if rate, err := strconv.Atoi(rateLimit); err == nil {
			cfg.GitHub.RateLimit = rate
		}
	}

	// LLM provider configuration
	// Precedence: 1. Env var (highest) 2. Keychain 3. Config file (lowest)
	if provider := os.Getenv("ANATOMY_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if cfg.LLM.Provider == "" {
		// Auto-select: first provider whose key env is set, in the
		// fixed scan order.
		for _, name := range llmProviderOrder {
			if os.Getenv(llmKeyEnvVars[name]) != "" {
				cfg.LLM.Provider = name
				break
			}
		}
	}
	if keyEnv := llmKeyEnvVars[cfg.LLM.Provider]; keyEnv != "" {
		if key := os.Getenv(keyEnv); key != "" {
			// Environment variable has highest precedence (for CI/CD)
			cfg.LLM.APIKey = key
		} else if cfg.LLM.APIKey == "" {
			// Try keychain if no env var and no config file value
			km := NewKeyringManager()
			if km.IsAvailable() {
				if keychainKey, err := km.GetAPIKey(); err == nil && keychainKey != "" {
					cfg.LLM.APIKey = keychainKey
				}
			}
		}
	}
	if model := os.Getenv("ANATOMY_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if url := os.Getenv("ANATOMY_LLM_BASE_URL"); url != "" {
		cfg.LLM.BaseURL = url
	}

	// Pipeline configuration
	if workers := os.Getenv("ANATOMY_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.Pipeline.Workers = n
		}
	}
	if retries := os.Getenv("ANATOMY_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil && n >= 0 {
			cfg.Pipeline.MaxRetries = n
		}
	}
	if every := os.Getenv("ANATOMY_CHECKPOINT_EVERY"); every != "" {
		if n, err := strconv.Atoi(every); err == nil && n > 0 {
			cfg.Pipeline.CheckpointEvery = n
		}
	}

	// Storage configuration
	if storageType := os.Getenv("STORAGE_TYPE"); storageType != "" {
		cfg.Storage.Type = storageType
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if path := os.Getenv("LOCAL_DB_PATH"); path != "" {
		cfg.Storage.LocalPath = expandPath(path)
	}
	if path := os.Getenv("ANATOMY_CHECKPOINT_PATH"); path != "" {
		cfg.Storage.CheckpointPath = expandPath(path)
	}

	// Server configuration
	if addr := os.Getenv("ANATOMY_SERVER_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if root := os.Getenv("BROWSER_ROOT"); root != "" {
		cfg.Server.BrowseRoot = expandPath(root)
	}

	// Neo4j configuration; setting the URI enables the mirror
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		cfg.Neo4j.URI = uri
		cfg.Neo4j.Enabled = true
	}
	if user := os.Getenv("NEO4J_USERNAME"); user != "" {
		cfg.Neo4j.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		cfg.Neo4j.Password = pass
	}
	if db := os.Getenv("NEO4J_DATABASE"); db != "" {
		cfg.Neo4j.Database = db
	}

	// Agent configuration
	if url := os.Getenv("ANATOMY_AGENT_URL"); url != "" {
		cfg.Agent.ServerURL = url
	}
	if key := os.Getenv("ANATOMY_AGENT_KEY"); key != "" {
		cfg.Agent.APIKey = key
	}
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	// Convert struct to map for Viper
	v.Set("logging", c.Logging)
	v.Set("storage", c.Storage)
	v.Set("llm", c.LLM)
	v.Set("pipeline", c.Pipeline)
	v.Set("query", c.Query)
	v.Set("server", c.Server)
	v.Set("github", c.GitHub)
	v.Set("neo4j", c.Neo4j)
	v.Set("agent", c.Agent)

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write config file
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
