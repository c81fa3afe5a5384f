// Package config resolves runtime configuration: compiled defaults, then an
// optional TOML file, then environment variables (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Model     ModelConfig     `toml:"model"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Store     StoreConfig     `toml:"store"`
	Engine    EngineConfig    `toml:"engine"`
	Memory    MemoryConfig    `toml:"memory"`
	Guard     GuardConfig     `toml:"guard"`
	Prompt    PromptConfig    `toml:"prompt"`
	HTTP      HTTPConfig      `toml:"http"`
	Log       LogConfig       `toml:"log"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ModelConfig struct {
	BaseURL       string  `toml:"base_url"`
	APIKey        string  `toml:"api_key"`
	ID            string  `toml:"id"`
	MaxTokens     int     `toml:"max_tokens"`
	Temperature   float64 `toml:"temperature"`
	ContextTokens int     `toml:"context_tokens"`
	RPM           int     `toml:"rpm"`
	TPM           int     `toml:"tpm"`
}

type EmbeddingConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	ModelID   string `toml:"model_id"`
	Dimension int    `toml:"dimension"`
}

type StoreConfig struct {
	SessionURL string `toml:"session_url"`
	MemoryURL  string `toml:"memory_url"`
}

type EngineConfig struct {
	RequestTimeoutS int `toml:"request_timeout_s"`
	AgentTimeoutS   int `toml:"agent_timeout_s"`
	// MaxConcurrentAgents caps simultaneous model calls. Zero means one
	// slot per registered agent.
	MaxConcurrentAgents int    `toml:"max_concurrent_agents"`
	DefaultAgent        string `toml:"default_agent"`
	FailureMarker       bool   `toml:"failure_marker"`
}

type MemoryConfig struct {
	DecayCron   string  `toml:"decay_cron"`
	DecayFactor float64 `toml:"decay_factor"`
	DecayFloor  float64 `toml:"decay_floor"`
}

type GuardConfig struct {
	Mode string `toml:"mode"`
}

type PromptConfig struct {
	// Dir holds one <template-id>.txt per override. Empty keeps the
	// embedded templates.
	Dir string `toml:"dir"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type ObserverConfig struct {
	// OTLPEndpoint enables telemetry export when non-empty. It is applied
	// through the standard OTEL_EXPORTER_OTLP_ENDPOINT variable.
	OTLPEndpoint string                  `toml:"otlp_endpoint"`
	Pricing      map[string]PricingEntry `toml:"pricing"`
}

type PricingEntry struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Model: ModelConfig{
			BaseURL:       "https://api.openai.com/v1",
			ID:            "gpt-4o-mini",
			MaxTokens:     2048,
			Temperature:   0.7,
			ContextTokens: 8192,
		},
		Embedding: EmbeddingConfig{
			ModelID:   "text-embedding-3-small",
			Dimension: 1536,
		},
		Store: StoreConfig{
			SessionURL: "sqlite://conclave.db",
		},
		Engine: EngineConfig{
			RequestTimeoutS: 60,
			AgentTimeoutS:   30,
			DefaultAgent:    "engineering",
		},
		Memory: MemoryConfig{
			DecayFactor: 0.9,
			DecayFloor:  0.05,
		},
		Guard:  GuardConfig{Mode: "warn"},
		HTTP:   HTTPConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conclave.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	envStr("MODEL_BASE_URL", &cfg.Model.BaseURL)
	envStr("MODEL_API_KEY", &cfg.Model.APIKey)
	envStr("MODEL_ID", &cfg.Model.ID)
	envInt("MODEL_MAX_TOKENS", &cfg.Model.MaxTokens)
	envFloat("MODEL_TEMPERATURE", &cfg.Model.Temperature)
	envInt("MODEL_CONTEXT_TOKENS", &cfg.Model.ContextTokens)
	envInt("MODEL_RPM", &cfg.Model.RPM)
	envInt("MODEL_TPM", &cfg.Model.TPM)

	envStr("EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	envStr("EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	envStr("EMBEDDING_MODEL_ID", &cfg.Embedding.ModelID)
	envInt("EMBEDDING_DIMENSION", &cfg.Embedding.Dimension)

	envStr("SESSION_STORE_URL", &cfg.Store.SessionURL)
	envStr("MEMORY_STORE_URL", &cfg.Store.MemoryURL)

	envInt("REQUEST_TIMEOUT_S", &cfg.Engine.RequestTimeoutS)
	envInt("AGENT_TIMEOUT_S", &cfg.Engine.AgentTimeoutS)
	envInt("MAX_CONCURRENT_AGENTS", &cfg.Engine.MaxConcurrentAgents)
	envStr("DEFAULT_AGENT", &cfg.Engine.DefaultAgent)
	envBool("FAILURE_MARKER", &cfg.Engine.FailureMarker)

	envStr("MEMORY_DECAY_CRON", &cfg.Memory.DecayCron)
	envFloat("MEMORY_DECAY_FACTOR", &cfg.Memory.DecayFactor)
	envFloat("MEMORY_DECAY_FLOOR", &cfg.Memory.DecayFloor)

	envStr("GUARD_MODE", &cfg.Guard.Mode)
	envStr("PROMPT_DIR", &cfg.Prompt.Dir)
	envStr("HTTP_ADDR", &cfg.HTTP.Addr)
	envStr("LOG_LEVEL", &cfg.Log.Level)
	envStr("OTLP_ENDPOINT", &cfg.Observer.OTLPEndpoint)

	// Fallbacks
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.Model.BaseURL
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Model.APIKey
	}
	if cfg.Store.MemoryURL == "" {
		cfg.Store.MemoryURL = cfg.Store.SessionURL
	}

	return cfg
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	if scheme, _, ok := SplitURL(c.Store.SessionURL); !ok || (scheme != "sqlite" && scheme != "postgres") {
		return fmt.Errorf("SESSION_STORE_URL %q: want sqlite:// or postgres://", c.Store.SessionURL)
	}
	if scheme, _, ok := SplitURL(c.Store.MemoryURL); !ok || (scheme != "sqlite" && scheme != "postgres" && scheme != "chromem") {
		return fmt.Errorf("MEMORY_STORE_URL %q: want sqlite://, postgres:// or chromem://", c.Store.MemoryURL)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION %d: must be positive", c.Embedding.Dimension)
	}
	if c.Engine.RequestTimeoutS <= 0 || c.Engine.AgentTimeoutS <= 0 {
		return fmt.Errorf("timeouts must be positive (request %ds, agent %ds)",
			c.Engine.RequestTimeoutS, c.Engine.AgentTimeoutS)
	}
	if c.Engine.MaxConcurrentAgents < 0 {
		return fmt.Errorf("MAX_CONCURRENT_AGENTS %d: must not be negative", c.Engine.MaxConcurrentAgents)
	}
	switch c.Guard.Mode {
	case "off", "warn", "block":
	default:
		return fmt.Errorf("GUARD_MODE %q: want off, warn or block", c.Guard.Mode)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q: want debug, info, warn or error", c.Log.Level)
	}
	if c.Memory.DecayFactor <= 0 || c.Memory.DecayFactor > 1 {
		return fmt.Errorf("MEMORY_DECAY_FACTOR %g: want (0, 1]", c.Memory.DecayFactor)
	}
	if c.Memory.DecayFloor < 0 {
		return fmt.Errorf("MEMORY_DECAY_FLOOR %g: must not be negative", c.Memory.DecayFloor)
	}
	return nil
}

// SplitURL separates a store URL into its scheme and the driver-specific
// remainder.
func SplitURL(raw string) (scheme, rest string, ok bool) {
	return strings.Cut(raw, "://")
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}
