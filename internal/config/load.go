package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:             "claude-sonnet-4-5",
			MaxTokens:         8192,
			Temperature:       0.7,
			MaxToolIterations: 10,
			ContextWindow:     200000,
			Workspace:         "~/.haven/workspace",
		},
		Router: RouterConfig{
			Fallbacks:       []string{"openai", "openrouter", "groq"},
			HealthWindowSec: 60,
			FailureLimit:    3,
		},
		Memory: MemoryConfig{
			TopK:          5,
			LexicalWeight: 0.4,
			VectorWeight:  0.4,
			RecencyWeight: 0.2,
		},
		Gardener: GardenerConfig{
			LightTickSec:       300,
			DeepEvery:          72,
			SleepEvery:         288,
			MinClusterSize:     3,
			MaxClusters:        5,
			SummarizeAfterMsgs: 30,
			RetentionDays:      30,
			DreamEnabled:       true,
		},
		Subagents: SubagentsConfig{
			MaxConcurrent:  5,
			MaxIterations:  10,
			MaxInputTokens: 150000,
			TimeoutSec:     300,
		},
		Budget: BudgetConfig{
			DailyLimitUSD:   10,
			MonthlyLimitUSD: 100,
			WarnRatio:       0.75,
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18900,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
			FilesDir:        "~/.haven/files",
		},
		Database: DatabaseConfig{
			Path: "~/.haven/haven.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "haven-gateway",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields pure defaults plus env.
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

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("HAVEN_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("HAVEN_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("HAVEN_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("HAVEN_GROQ_API_KEY", &c.Providers.Groq.APIKey)

	envStr("HAVEN_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("HAVEN_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("HAVEN_MODEL", &c.Agent.Model)
	envStr("HAVEN_WORKSPACE", &c.Agent.Workspace)
	envStr("HAVEN_DB_PATH", &c.Database.Path)

	envStr("HAVEN_HOST", &c.Gateway.Host)
	if v := os.Getenv("HAVEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	if v := os.Getenv("HAVEN_DAILY_BUDGET_USD"); v != "" {
		if limit, err := strconv.ParseFloat(v, 64); err == nil && limit > 0 {
			c.Budget.DailyLimitUSD = limit
		}
	}
	if v := os.Getenv("HAVEN_MONTHLY_BUDGET_USD"); v != "" {
		if limit, err := strconv.ParseFloat(v, 64); err == nil && limit > 0 {
			c.Budget.MonthlyLimitUSD = limit
		}
	}

	envStr("HAVEN_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("HAVEN_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("HAVEN_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HAVEN_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("HAVEN_ROUTER_FALLBACKS"); v != "" {
		c.Router.Fallbacks = strings.Split(v, ",")
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// DatabasePath returns the expanded SQLite path.
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.Path)
}

// WorkspacePath returns the expanded agent workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// FilesPath returns the expanded attachments directory.
func (c *Config) FilesPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Gateway.FilesDir)
}
