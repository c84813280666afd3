// Package config loads the Envoy configuration: JSON5 file, defaults,
// env overrides. Secrets (API key, database DSN) come from env only and
// are never written to the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Config is the root configuration.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Memory    MemoryConfig    `json:"memory,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// AgentConfig are the loop defaults.
type AgentConfig struct {
	Workspace     string `json:"workspace"`
	SystemPrompt  string `json:"system_prompt,omitempty"` // identity / soul text
	MaxTokens     int    `json:"max_tokens"`
	MaxIterations int    `json:"max_iterations"`
	ContextWindow int    `json:"context_window"`
}

// ProvidersConfig holds upstream LLM settings.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `json:"anthropic"`
}

type AnthropicConfig struct {
	APIKey            string `json:"-"` // env ENVOY_ANTHROPIC_API_KEY only
	BaseURL           string `json:"api_base,omitempty"`
	Model             string `json:"model,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
}

// ToolsConfig configures the seed tools and the dynamic tool runtime.
type ToolsConfig struct {
	DartBin           string `json:"dart_bin,omitempty"` // interpreter for scripts (default "dart")
	FetchMaxChars     int    `json:"fetch_max_chars,omitempty"`
	RunTimeoutSeconds int    `json:"run_timeout_seconds,omitempty"`
}

// DatabaseConfig selects the storage backend. PostgresDSN is env-only.
type DatabaseConfig struct {
	Path        string `json:"path,omitempty"` // sqlite file (default ~/.envoy/envoy.db)
	PostgresDSN string `json:"-"`              // env ENVOY_DATABASE_URL only
}

// MemoryConfig tunes the Souvenir engine.
type MemoryConfig struct {
	Enabled         bool          `json:"enabled"`
	EmbeddingURL    string        `json:"-"` // env ENVOY_EMBEDDING_URL only
	EmbeddingModel  string        `json:"embedding_model,omitempty"`
	ConsolidateCron string        `json:"consolidate_cron,omitempty"`
	Recall          RecallTuning  `json:"recall,omitempty"`
	Identity        string        `json:"identity,omitempty"`
	Personality     string        `json:"personality,omitempty"`
}

// RecallTuning mirrors the hybrid scorer's knobs.
type RecallTuning struct {
	FTSWeight    float64 `json:"fts_weight,omitempty"`
	VectorWeight float64 `json:"vec_weight,omitempty"`
	EntityWeight float64 `json:"entity_weight,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
	TopK         int     `json:"top_k,omitempty"`
	TokenBudget  int     `json:"token_budget,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:     filepath.Join(home, ".envoy", "workspace"),
			MaxTokens:     8192,
			MaxIterations: 20,
			ContextWindow: 200000,
		},
		Providers: ProvidersConfig{
			Anthropic: AnthropicConfig{
				Model: "claude-sonnet-4-5-20250929",
			},
		},
		Tools: ToolsConfig{
			DartBin:           "dart",
			FetchMaxChars:     50000,
			RunTimeoutSeconds: 30,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(home, ".envoy", "envoy.db"),
		},
		Memory: MemoryConfig{
			Enabled:        true,
			EmbeddingModel: "nomic-embed-text",
			Recall: RecallTuning{
				FTSWeight:    0.35,
				VectorWeight: 0.45,
				EntityWeight: 0.20,
				Threshold:    0.25,
				TopK:         5,
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("ENVOY_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("ENVOY_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.BaseURL)
	envStr("ENVOY_DATABASE_URL", &c.Database.PostgresDSN)
	envStr("ENVOY_EMBEDDING_URL", &c.Memory.EmbeddingURL)
	envStr("ENVOY_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	envStr("ENVOY_WORKSPACE", &c.Agent.Workspace)
}
