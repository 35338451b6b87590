package provider

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/harun/agentloop/pkg/agent"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// Profile holds credentials for one model backend.
type Profile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, openrouter
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	// Model overrides the agent's model name for this profile.
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// New builds the model backend for profile.
func New(profile Profile) (agent.StreamingModel, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("profile %s: api key is required", profile.ID)
	}

	switch profile.Provider {
	case "anthropic":
		return NewAnthropic(profile), nil
	case "openai":
		return NewOpenAI(profile), nil
	case "openrouter":
		if profile.BaseURL == "" {
			profile.BaseURL = openRouterBaseURL
		}
		m := NewOpenAI(profile)
		m.name = "openrouter"
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// IsRetryableError reports whether a failed call may succeed when repeated:
// rate limits, server errors and transient network failures.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "rate limit", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}

// StatusError is an HTTP failure from a backend without its own error type.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}
