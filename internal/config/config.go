package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Providers lists the model backends a profile may name.
var Providers = []string{"anthropic", "openai", "openrouter"}

// Config represents the agentloop configuration
type Config struct {
	// Model backends
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Run loop limits
	Runner RunnerConfig `json:"runner" mapstructure:"runner"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Content filter guardrail
	Moderation ModerationConfig `json:"moderation" mapstructure:"moderation"`

	// Observability
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Demo agents and tools
	Demo DemoConfig `json:"demo" mapstructure:"demo"`

	// WebSocket and HTTP RPC server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Shell scripts run on run lifecycle events
	Hooks []HookConfig `json:"hooks" mapstructure:"hooks"`

	// Data directory for sessions, outbox and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AIConfig holds model backend configuration
type AIConfig struct {
	Profiles    []AIProfile `json:"profiles" mapstructure:"profiles"`
	Model       string      `json:"model" mapstructure:"model"`
	Temperature float64     `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int         `json:"max_tokens" mapstructure:"max_tokens"`
}

// AIProfile represents one model backend. Lower priority is tried first.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, openrouter
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// RunnerConfig holds run loop limits
type RunnerConfig struct {
	MaxTurns           int `json:"max_turns" mapstructure:"max_turns"`
	ToolTimeoutSeconds int `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	MaxConcurrentTools int `json:"max_concurrent_tools" mapstructure:"max_concurrent_tools"`
	MaxToolOutputBytes int `json:"max_tool_output_bytes" mapstructure:"max_tool_output_bytes"`
	ModelRetries       int `json:"model_retries" mapstructure:"model_retries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ModerationConfig holds content filter configuration
type ModerationConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// TracingConfig holds span export configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	// LogSpans writes ended spans to the debug log.
	LogSpans bool `json:"log_spans" mapstructure:"log_spans"`
}

// MetricsConfig holds the Prometheus listener configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// DemoConfig holds settings of the bundled demo tools
type DemoConfig struct {
	WeatherAPIKey  string `json:"weather_api_key" mapstructure:"weather_api_key"`
	WeatherBaseURL string `json:"weather_base_url" mapstructure:"weather_base_url"`
	OutboxFile     string `json:"outbox_file" mapstructure:"outbox_file"`
	RefundsFile    string `json:"refunds_file" mapstructure:"refunds_file"`
}

// GatewayConfig holds the settings of agentloop serve.
type GatewayConfig struct {
	Address           string `json:"address" mapstructure:"address"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	TickSeconds       int    `json:"tick_seconds" mapstructure:"tick_seconds"`
	DefaultAgent      string `json:"default_agent" mapstructure:"default_agent"`
}

// HookConfig binds a shell script to a run lifecycle event such as
// run_start, tool_end or run_end.
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Profiles:    []AIProfile{},
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Runner: RunnerConfig{
			MaxTurns:           10,
			ToolTimeoutSeconds: 30,
			MaxConcurrentTools: 4,
			MaxToolOutputBytes: 64 * 1024,
			ModelRetries:       3,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Moderation: ModerationConfig{
			Enabled:         false,
			BlockedKeywords: []string{},
			BlockedPatterns: []string{},
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "agentloop",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
		Demo: DemoConfig{
			WeatherBaseURL: "http://api.weatherstack.com",
		},
		Gateway: GatewayConfig{
			Address:           "127.0.0.1:8765",
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
			TickSeconds:       30,
		},
		Hooks: []HookConfig{},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	seen := make(map[string]bool, len(c.AI.Profiles))
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if !slices.Contains(Providers, profile.Provider) {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai, openrouter)", profile.ID, profile.Provider)
		}
	}

	if c.Runner.MaxTurns < 0 {
		return fmt.Errorf("runner.max_turns must not be negative")
	}
	if c.Runner.MaxConcurrentTools < 0 {
		return fmt.Errorf("runner.max_concurrent_tools must not be negative")
	}
	if c.Runner.ToolTimeoutSeconds < 0 {
		return fmt.Errorf("runner.tool_timeout_seconds must not be negative")
	}

	v := NewValidator()
	if c.Logging.Level != "" {
		if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
			return err
		}
	}
	if err := v.ValidateTemperature(c.AI.Temperature); err != nil {
		return err
	}
	for _, p := range c.Moderation.BlockedPatterns {
		if err := v.ValidatePattern(p); err != nil {
			return err
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.Gateway.RequestsPerMinute < 0 || c.Gateway.MaxConcurrent < 0 || c.Gateway.TickSeconds < 0 {
		return fmt.Errorf("gateway limits must not be negative")
	}

	for i, h := range c.Hooks {
		if strings.TrimSpace(h.Event) == "" {
			return fmt.Errorf("hook %d: event is required", i)
		}
		if strings.TrimSpace(h.Script) == "" {
			return fmt.Errorf("hook %d: script is required", i)
		}
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("hook %d: timeout_seconds must not be negative", i)
		}
	}

	return nil
}
