package agent

import (
	"context"
	"fmt"
)

// Provider is one model API.
type Provider interface {
	Call(ctx context.Context, request Request) (*Response, error)
	Provider() string
}

// ProviderFactory builds a Provider for a profile.
type ProviderFactory func(profile AuthProfile) (Provider, error)

// DefaultProviderFactory builds the SDK-backed providers.
func DefaultProviderFactory(profile AuthProfile) (Provider, error) {
	switch profile.Provider {
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
