package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CROPADVISOR_STORE_BACKEND.
const EnvPrefix = "CROPADVISOR"

// secretEnv maps config keys to the conventional unprefixed variables that
// provider SDKs and deploy scripts already use.
var secretEnv = map[string]string{
	"telegram.bot_token":    "TELEGRAM_BOT_TOKEN",
	"weather.api_key":       "OPENWEATHER_API_KEY",
	"search.tavily_api_key": "TAVILY_API_KEY",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFile    string
}

// NewLoader creates a new config loader. An empty configPath means
// ~/.cropadvisor/cropadvisor.json.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
	}
}

// WithEnvFile overrides the dotenv file read before the environment.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads the dotenv file, the JSON config file (if present) and the
// environment, in increasing order of precedence.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())
	for key, env := range secretEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyProviderEnv(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".cropadvisor")
	}
	if cfg.Store.Path == "" {
		if cfg.Store.Backend == "file" {
			cfg.Store.Path = filepath.Join(cfg.DataDir, "sessions")
		} else {
			cfg.Store.Path = filepath.Join(cfg.DataDir, "sessions.db")
		}
	}
	if cfg.Guardrail.AuditLog == "" {
		cfg.Guardrail.AuditLog = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Digest.StatePath == "" {
		cfg.Digest.StatePath = filepath.Join(cfg.DataDir, "digest.json")
	}

	return cfg, nil
}

// bindDefaults registers scalar keys so AutomaticEnv can override them
// even when no config file mentions them.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("telegram.enabled", cfg.Telegram.Enabled)
	v.SetDefault("telegram.poll_timeout_sec", cfg.Telegram.PollTimeoutSec)
	v.SetDefault("server.enabled", cfg.Server.Enabled)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.rate_limit_per_minute", cfg.Server.RateLimitPerMinute)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("llm.temperature", cfg.LLM.Temperature)
	v.SetDefault("llm.max_tokens", cfg.LLM.MaxTokens)
	v.SetDefault("llm.timeout", cfg.LLM.Timeout)
	v.SetDefault("llm.cooldown", cfg.LLM.Cooldown)
	v.SetDefault("weather.units", cfg.Weather.Units)
	v.SetDefault("weather.base_url", cfg.Weather.BaseURL)
	v.SetDefault("weather.tier_timeout", cfg.Weather.TierTimeout)
	v.SetDefault("search.tavily_base_url", cfg.Search.TavilyBaseURL)
	v.SetDefault("search.html_endpoint", cfg.Search.HTMLEndpoint)
	v.SetDefault("search.max_results", cfg.Search.MaxResults)
	v.SetDefault("search.tier_timeout", cfg.Search.TierTimeout)
	v.SetDefault("orchestrator.weather_stale_after", cfg.Orchestrator.WeatherStaleAfter)
	v.SetDefault("orchestrator.search_stale_after", cfg.Orchestrator.SearchStaleAfter)
	v.SetDefault("orchestrator.schemes_stale_after", cfg.Orchestrator.SchemesStaleAfter)
	v.SetDefault("orchestrator.market_stale_after", cfg.Orchestrator.MarketStaleAfter)
	v.SetDefault("orchestrator.max_validation_attempts", cfg.Orchestrator.MaxValidationAttempts)
	v.SetDefault("orchestrator.history_limit", cfg.Orchestrator.HistoryLimit)
	v.SetDefault("orchestrator.turn_timeout", cfg.Orchestrator.TurnTimeout)
	v.SetDefault("guardrail.rules_file", cfg.Guardrail.RulesFile)
	v.SetDefault("guardrail.watch", cfg.Guardrail.Watch)
	v.SetDefault("guardrail.escalate_threshold", cfg.Guardrail.EscalateThreshold)
	v.SetDefault("guardrail.unavailable_discount", cfg.Guardrail.UnavailableDiscount)
	v.SetDefault("digest.enabled", cfg.Digest.Enabled)
	v.SetDefault("digest.schedule", cfg.Digest.Schedule)
	v.SetDefault("digest.timezone", cfg.Digest.Timezone)
	v.SetDefault("digest.state_path", cfg.Digest.StatePath)
	v.SetDefault("digest.concurrency", cfg.Digest.Concurrency)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("data_dir", cfg.DataDir)
}

// applyProviderEnv adds model profiles from OPENAI_API_KEY and
// ANTHROPIC_API_KEY when the config file defines none.
func applyProviderEnv(cfg *Config) {
	if len(cfg.LLM.Profiles) > 0 {
		return
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.Profiles = append(cfg.LLM.Profiles, LLMProfile{
			ID:       "openai-env",
			Provider: "openai",
			APIKey:   key,
			Model:    envOr("OPENAI_MODEL", "gpt-4.1-mini"),
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			Priority: 1,
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Profiles = append(cfg.LLM.Profiles, LLMProfile{
			ID:       "anthropic-env",
			Provider: "anthropic",
			APIKey:   key,
			Model:    envOr("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
			Priority: 2,
		})
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cropadvisor", "cropadvisor.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
