package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrMissingAPIKey is returned when the selected provider has no key.
var ErrMissingAPIKey = errors.New("llm: missing API key for provider")

// Config selects a provider. With Provider empty the first provider with an
// API key wins, in the order gemini, openai, anthropic.
type Config struct {
	Provider        string
	Model           string
	GeminiAPIKey    string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AnthropicURL    string
	Timeout         time.Duration
}

// New returns a Client for cfg. If nothing is configured, returns a
// MockClient.
func New(ctx context.Context, cfg Config) (Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := &http.Client{Timeout: timeout}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "gemini", "google":
		return newGemini(ctx, cfg)
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, ErrMissingAPIKey
		}
		return &OpenAIClient{APIKey: cfg.OpenAIAPIKey, Model: modelOr(cfg.Model, DefaultOpenAIModel), BaseURL: cfg.OpenAIBaseURL, HTTP: hc}, nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, ErrMissingAPIKey
		}
		return &AnthropicClient{APIKey: cfg.AnthropicAPIKey, Model: modelOr(cfg.Model, DefaultAnthropicModel), URL: cfg.AnthropicURL, HTTP: hc}, nil
	case "mock":
		return &MockClient{}, nil
	case "":
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	// Auto-detect by API key presence if provider not specified
	switch {
	case strings.TrimSpace(cfg.GeminiAPIKey) != "":
		return newGemini(ctx, cfg)
	case strings.TrimSpace(cfg.OpenAIAPIKey) != "":
		return &OpenAIClient{APIKey: cfg.OpenAIAPIKey, Model: modelOr(cfg.Model, DefaultOpenAIModel), BaseURL: cfg.OpenAIBaseURL, HTTP: hc}, nil
	case strings.TrimSpace(cfg.AnthropicAPIKey) != "":
		return &AnthropicClient{APIKey: cfg.AnthropicAPIKey, Model: modelOr(cfg.Model, DefaultAnthropicModel), URL: cfg.AnthropicURL, HTTP: hc}, nil
	}
	return &MockClient{}, nil
}

func newGemini(ctx context.Context, cfg Config) (Client, error) {
	c, err := NewGemini(ctx, cfg.GeminiAPIKey, modelOr(cfg.Model, DefaultGeminiModel))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func modelOr(model, def string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return def
}
