package orchestrator

import (
	"time"

	"github.com/harun/cropadvisor/internal/config"
)

// Config holds turn policy.
type Config struct {
	WeatherStaleAfter time.Duration
	SearchStaleAfter  time.Duration
	SchemesStaleAfter time.Duration
	MarketStaleAfter  time.Duration

	// MaxValidationAttempts bounds generate/validate round trips.
	MaxValidationAttempts int
	HistoryLimit          int

	// ModelTimeout applies to each model call.
	ModelTimeout time.Duration
	Temperature  float64
	MaxTokens    int
}

// DefaultConfig returns the stock turn policy.
func DefaultConfig() Config {
	return Config{
		WeatherStaleAfter:     6 * time.Hour,
		SearchStaleAfter:      24 * time.Hour,
		SchemesStaleAfter:     7 * 24 * time.Hour,
		MarketStaleAfter:      12 * time.Hour,
		MaxValidationAttempts: 3,
		HistoryLimit:          16,
		ModelTimeout:          45 * time.Second,
		Temperature:           0.25,
		MaxTokens:             1024,
	}
}

// ConfigFrom maps application settings onto turn policy.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	o := cfg.Orchestrator
	c.WeatherStaleAfter = o.WeatherStaleAfter
	c.SearchStaleAfter = o.SearchStaleAfter
	c.SchemesStaleAfter = o.SchemesStaleAfter
	c.MarketStaleAfter = o.MarketStaleAfter
	c.MaxValidationAttempts = o.MaxValidationAttempts
	c.HistoryLimit = o.HistoryLimit
	c.ModelTimeout = cfg.LLM.Timeout
	c.Temperature = cfg.LLM.Temperature
	c.MaxTokens = cfg.LLM.MaxTokens
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WeatherStaleAfter <= 0 {
		c.WeatherStaleAfter = d.WeatherStaleAfter
	}
	if c.SearchStaleAfter <= 0 {
		c.SearchStaleAfter = d.SearchStaleAfter
	}
	if c.SchemesStaleAfter <= 0 {
		c.SchemesStaleAfter = d.SchemesStaleAfter
	}
	if c.MarketStaleAfter <= 0 {
		c.MarketStaleAfter = d.MarketStaleAfter
	}
	if c.MaxValidationAttempts <= 0 {
		c.MaxValidationAttempts = d.MaxValidationAttempts
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = d.ModelTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	return c
}
