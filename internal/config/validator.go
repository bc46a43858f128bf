package config

import (
	"fmt"
	"regexp"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates individual configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token is required when telegram is enabled")
	}
	// <bot_id>:<secret>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

// ValidateProvider validates a model provider name
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "openai", "anthropic":
		return nil
	case "":
		return fmt.Errorf("provider is required")
	default:
		return fmt.Errorf("invalid provider %s (must be: openai, anthropic)", provider)
	}
}

// ValidateUnits validates OpenWeather measurement units
func (v *Validator) ValidateUnits(units string) error {
	switch units {
	case "metric", "imperial", "standard":
		return nil
	default:
		return fmt.Errorf("invalid weather units %q (must be: metric, imperial, standard)", units)
	}
}
