package agent

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrAllProvidersFailed is returned when no profile produced a response.
var ErrAllProvidersFailed = errors.New("all model providers failed")

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Message is one entry in the prompt conversation.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
}

// Response is the raw text a provider returned. Callers treat it as
// untrusted input.
type Response struct {
	Content   string
	Provider  string
	ProfileID string
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile is one set of provider credentials.
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // openai, anthropic
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"`
	Priority int    `json:"priority"`

	FailureCount  int       `json:"failure_count"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// InCooldown reports whether the profile is still cooling down at now.
func (p AuthProfile) InCooldown(now time.Time) bool {
	return !p.CooldownUntil.IsZero() && now.Before(p.CooldownUntil)
}

// IsRetryableError reports whether err is worth trying on another profile:
// rate limits, server errors, auth failures and transport timeouts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyResponse) {
		return true
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return retryableStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return retryableStatus(anErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "429", "rate limit", "500", "502", "503", "504", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	switch {
	case code == 401, code == 403:
		// A revoked key on one profile should not block the next one.
		return true
	case code == 408, code == 409, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
