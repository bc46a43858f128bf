package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the cropadvisor service configuration
type Config struct {
	Telegram     TelegramConfig     `json:"telegram" mapstructure:"telegram"`
	Server       ServerConfig       `json:"server" mapstructure:"server"`
	Store        StoreConfig        `json:"store" mapstructure:"store"`
	LLM          LLMConfig          `json:"llm" mapstructure:"llm"`
	Weather      WeatherConfig      `json:"weather" mapstructure:"weather"`
	Search       SearchConfig       `json:"search" mapstructure:"search"`
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Guardrail    GuardrailConfig    `json:"guardrail" mapstructure:"guardrail"`
	Digest       DigestConfig       `json:"digest" mapstructure:"digest"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Metrics      MetricsConfig      `json:"metrics" mapstructure:"metrics"`
	Tracing      TracingConfig      `json:"tracing" mapstructure:"tracing"`

	// DataDir holds the session database, audit log and log files.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	BotToken       string `json:"bot_token" mapstructure:"bot_token"`
	PollTimeoutSec int    `json:"poll_timeout_sec" mapstructure:"poll_timeout_sec"`
}

// ServerConfig holds the HTTP ingress configuration
type ServerConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Addr               string `json:"addr" mapstructure:"addr"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// StoreConfig selects the session store backend
type StoreConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // sqlite, file
	Path    string `json:"path" mapstructure:"path"`
}

// LLMConfig holds model provider configuration
type LLMConfig struct {
	Profiles    []LLMProfile  `json:"profiles" mapstructure:"profiles"`
	Temperature float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `json:"max_tokens" mapstructure:"max_tokens"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	Cooldown    time.Duration `json:"cooldown" mapstructure:"cooldown"`
}

// LLMProfile is one set of provider credentials
type LLMProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// WeatherConfig holds OpenWeather configuration
type WeatherConfig struct {
	APIKey      string        `json:"api_key" mapstructure:"api_key"`
	Units       string        `json:"units" mapstructure:"units"` // metric, imperial, standard
	BaseURL     string        `json:"base_url" mapstructure:"base_url"`
	TierTimeout time.Duration `json:"tier_timeout" mapstructure:"tier_timeout"`
}

// SearchConfig holds web search configuration
type SearchConfig struct {
	TavilyAPIKey  string        `json:"tavily_api_key" mapstructure:"tavily_api_key"`
	TavilyBaseURL string        `json:"tavily_base_url" mapstructure:"tavily_base_url"`
	HTMLEndpoint  string        `json:"html_endpoint" mapstructure:"html_endpoint"`
	MaxResults    int           `json:"max_results" mapstructure:"max_results"`
	TierTimeout   time.Duration `json:"tier_timeout" mapstructure:"tier_timeout"`
}

// OrchestratorConfig holds turn policy knobs
type OrchestratorConfig struct {
	WeatherStaleAfter     time.Duration `json:"weather_stale_after" mapstructure:"weather_stale_after"`
	SearchStaleAfter      time.Duration `json:"search_stale_after" mapstructure:"search_stale_after"`
	SchemesStaleAfter     time.Duration `json:"schemes_stale_after" mapstructure:"schemes_stale_after"`
	MarketStaleAfter      time.Duration `json:"market_stale_after" mapstructure:"market_stale_after"`
	MaxValidationAttempts int           `json:"max_validation_attempts" mapstructure:"max_validation_attempts"`
	HistoryLimit          int           `json:"history_limit" mapstructure:"history_limit"`
	TurnTimeout           time.Duration `json:"turn_timeout" mapstructure:"turn_timeout"`
}

// GuardrailConfig holds policy engine configuration
type GuardrailConfig struct {
	RulesFile           string `json:"rules_file" mapstructure:"rules_file"`
	Watch               bool   `json:"watch" mapstructure:"watch"`
	EscalateThreshold   int    `json:"escalate_threshold" mapstructure:"escalate_threshold"`
	UnavailableDiscount int    `json:"unavailable_discount" mapstructure:"unavailable_discount"`
	AuditLog            string `json:"audit_log" mapstructure:"audit_log"`
}

// DigestConfig holds daily digest scheduling
type DigestConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
	Timezone string `json:"timezone" mapstructure:"timezone"`
	// StatePath records the last digest run; defaults under DataDir.
	StatePath   string `json:"state_path" mapstructure:"state_path"`
	Concurrency int    `json:"concurrency" mapstructure:"concurrency"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	Console    bool   `json:"console" mapstructure:"console"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// TracingConfig toggles OpenTelemetry
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Enabled:        true,
			PollTimeoutSec: 60,
		},
		Server: ServerConfig{
			Enabled:            false,
			Addr:               ":8080",
			RateLimitPerMinute: 120,
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		LLM: LLMConfig{
			Profiles:    []LLMProfile{},
			Temperature: 0.25,
			MaxTokens:   1024,
			Timeout:     45 * time.Second,
			Cooldown:    2 * time.Minute,
		},
		Weather: WeatherConfig{
			Units:       "metric",
			BaseURL:     "https://api.openweathermap.org",
			TierTimeout: 8 * time.Second,
		},
		Search: SearchConfig{
			TavilyBaseURL: "https://api.tavily.com",
			HTMLEndpoint:  "https://html.duckduckgo.com/html/",
			MaxResults:    5,
			TierTimeout:   10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			WeatherStaleAfter:     6 * time.Hour,
			SearchStaleAfter:      24 * time.Hour,
			SchemesStaleAfter:     7 * 24 * time.Hour,
			MarketStaleAfter:      12 * time.Hour,
			MaxValidationAttempts: 3,
			HistoryLimit:          16,
			TurnTimeout:           2 * time.Minute,
		},
		Guardrail: GuardrailConfig{
			Watch:               true,
			EscalateThreshold:   7,
			UnavailableDiscount: 2,
		},
		Digest: DigestConfig{
			Enabled:     true,
			Schedule:    "0 7 * * *",
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			Pretty:     true,
			MaxSizeMB:  50,
			MaxBackups: 5,
			Redaction:  true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "cropadvisor",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Telegram.BotToken = mask(c.Telegram.BotToken)
	masked.Weather.APIKey = mask(c.Weather.APIKey)
	masked.Search.TavilyAPIKey = mask(c.Search.TavilyAPIKey)
	masked.LLM.Profiles = make([]LLMProfile, len(c.LLM.Profiles))
	for i, p := range c.LLM.Profiles {
		p.APIKey = mask(p.APIKey)
		masked.LLM.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Validate checks if the configuration is valid for serving traffic
func (c *Config) Validate() error {
	v := NewValidator()

	if len(c.LLM.Profiles) == 0 {
		return fmt.Errorf("no model credentials configured: at least one llm profile is required")
	}
	for i, profile := range c.LLM.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("llm profile %d: id is required", i)
		}
		if err := v.ValidateProvider(profile.Provider); err != nil {
			return fmt.Errorf("llm profile %s: %w", profile.ID, err)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("llm profile %s: api_key is required", profile.ID)
		}
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}

	if c.Store.Backend != "sqlite" && c.Store.Backend != "file" {
		return fmt.Errorf("invalid store backend %q (must be: sqlite, file)", c.Store.Backend)
	}

	if err := v.ValidateUnits(c.Weather.Units); err != nil {
		return err
	}
	if c.Weather.TierTimeout <= 0 || c.Search.TierTimeout <= 0 {
		return fmt.Errorf("tool tier timeouts must be positive")
	}
	if c.Search.MaxResults < 1 {
		return fmt.Errorf("search.max_results must be at least 1")
	}

	o := c.Orchestrator
	if o.WeatherStaleAfter <= 0 || o.SearchStaleAfter <= 0 || o.SchemesStaleAfter <= 0 || o.MarketStaleAfter <= 0 {
		return fmt.Errorf("orchestrator staleness thresholds must be positive")
	}
	if o.MaxValidationAttempts < 1 {
		return fmt.Errorf("orchestrator.max_validation_attempts must be at least 1")
	}
	if o.HistoryLimit < 2 {
		return fmt.Errorf("orchestrator.history_limit must be at least 2")
	}

	if c.Guardrail.EscalateThreshold < 1 || c.Guardrail.EscalateThreshold > 10 {
		return fmt.Errorf("guardrail.escalate_threshold must be between 1 and 10")
	}
	if c.Guardrail.UnavailableDiscount < 0 {
		return fmt.Errorf("guardrail.unavailable_discount cannot be negative")
	}

	if c.Telegram.Enabled {
		if err := v.ValidateTelegramToken(c.Telegram.BotToken); err != nil {
			return err
		}
	}
	if !c.Telegram.Enabled && !c.Server.Enabled {
		return fmt.Errorf("at least one ingress (telegram or server) must be enabled")
	}

	return nil
}
