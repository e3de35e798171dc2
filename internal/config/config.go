// Package config holds the gateway's runtime configuration: a JSON5 file
// overlaid with environment variables, hot-reloaded on change.
package config

import (
	"encoding/json"
	"sync"
)

// Config is the root configuration for the Haven gateway.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Router    RouterConfig    `json:"router"`
	Memory    MemoryConfig    `json:"memory"`
	Gardener  GardenerConfig  `json:"gardener"`
	Subagents SubagentsConfig `json:"subagents"`
	Budget    BudgetConfig    `json:"budget"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Database  DatabaseConfig  `json:"database"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig are defaults for the main agent loop.
type AgentConfig struct {
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"`
	ContextWindow     int     `json:"context_window"`
	Persona           string  `json:"persona,omitempty"`
	Workspace         string  `json:"workspace"`
}

// ProvidersConfig holds credentials and routing order for LLM backends.
type ProvidersConfig struct {
	Anthropic  ProviderCreds `json:"anthropic"`
	OpenAI     ProviderCreds `json:"openai"`
	OpenRouter ProviderCreds `json:"openrouter"`
	Groq       ProviderCreds `json:"groq"`
}

// ProviderCreds is one backend's credentials. API keys come from env,
// never from the config file.
type ProviderCreds struct {
	APIKey  string `json:"-"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// RouterConfig tunes failover between providers.
type RouterConfig struct {
	// Fallbacks is the preference order after the primary provider.
	Fallbacks       []string `json:"fallbacks,omitempty"`
	HealthWindowSec int      `json:"health_window_sec"`
	FailureLimit    int      `json:"failure_limit"`
}

// MemoryConfig tunes retrieval and the embedding backend.
type MemoryConfig struct {
	TopK              int     `json:"top_k"`
	LexicalWeight     float64 `json:"lexical_weight"`
	VectorWeight      float64 `json:"vector_weight"`
	RecencyWeight     float64 `json:"recency_weight"`
	EmbeddingProvider string  `json:"embedding_provider,omitempty"`
	EmbeddingModel    string  `json:"embedding_model,omitempty"`
}

// GardenerConfig tunes the consolidation loop.
type GardenerConfig struct {
	LightTickSec       int  `json:"light_tick_sec"`
	DeepEvery          int  `json:"deep_every"`  // light ticks per deep tick
	SleepEvery         int  `json:"sleep_every"` // light ticks per sleep tick
	MinClusterSize     int  `json:"min_cluster_size"`
	MaxClusters        int  `json:"max_clusters"`
	SummarizeAfterMsgs int  `json:"summarize_after_msgs"`
	RetentionDays      int  `json:"retention_days"`
	DreamEnabled       bool `json:"dream_enabled"`
}

// SubagentsConfig bounds background task runs.
type SubagentsConfig struct {
	MaxConcurrent  int    `json:"max_concurrent"`
	MaxIterations  int    `json:"max_iterations"`
	MaxInputTokens int    `json:"max_input_tokens"`
	TimeoutSec     int    `json:"timeout_sec"`
	Model          string `json:"model,omitempty"`
}

// BudgetConfig caps LLM spend per day and per calendar month. A zero
// limit disables that period's cap.
type BudgetConfig struct {
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
	WarnRatio       float64 `json:"warn_ratio"`
}

// GatewayConfig configures the HTTP/WebSocket listener.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	MaxMessageChars int    `json:"max_message_chars"`
	RateLimitRPM    int    `json:"rate_limit_rpm"`
	FilesDir        string `json:"files_dir"`
}

// ChannelsConfig holds the chat channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig configures the Telegram adapter. Token from env only.
type TelegramConfig struct {
	Enabled  bool     `json:"enabled"`
	Token    string   `json:"-"`
	OwnerIDs []string `json:"owner_ids,omitempty"`
}

// DiscordConfig configures the Discord adapter. Token from env only.
type DiscordConfig struct {
	Enabled  bool     `json:"enabled"`
	Token    string   `json:"-"`
	OwnerIDs []string `json:"owner_ids,omitempty"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ReplaceFrom copies all data fields from src, preserving the mutex.
// Used by the file watcher on reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Providers = src.Providers
	c.Router = src.Router
	c.Memory = src.Memory
	c.Gardener = src.Gardener
	c.Subagents = src.Subagents
	c.Budget = src.Budget
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}

// Snapshot returns a copy of the current config for lock-free reads.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Agent:     c.Agent,
		Providers: c.Providers,
		Router:    c.Router,
		Memory:    c.Memory,
		Gardener:  c.Gardener,
		Subagents: c.Subagents,
		Budget:    c.Budget,
		Gateway:   c.Gateway,
		Channels:  c.Channels,
		Database:  c.Database,
		Telemetry: c.Telemetry,
	}
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secrets masked, for serving over
// the admin surface.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	// Secrets are json:"-" so the round trip already dropped them; show a
	// mask where the live config holds a value.
	maskInto(&cp.Providers.Anthropic.APIKey, c.Providers.Anthropic.APIKey)
	maskInto(&cp.Providers.OpenAI.APIKey, c.Providers.OpenAI.APIKey)
	maskInto(&cp.Providers.OpenRouter.APIKey, c.Providers.OpenRouter.APIKey)
	maskInto(&cp.Providers.Groq.APIKey, c.Providers.Groq.APIKey)
	maskInto(&cp.Channels.Telegram.Token, c.Channels.Telegram.Token)
	maskInto(&cp.Channels.Discord.Token, c.Channels.Discord.Token)
	return cp
}

func maskInto(dst *string, live string) {
	if live != "" {
		*dst = secretMask
	} else {
		*dst = ""
	}
}
