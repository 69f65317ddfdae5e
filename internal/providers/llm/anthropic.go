package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const (
	DefaultAnthropicURL   = "https://api.anthropic.com/v1/messages"
	DefaultAnthropicModel = "claude-3-5-sonnet-latest"
	anthropicVersion      = "2023-06-01"
)

type AnthropicClient struct {
	APIKey string
	Model  string
	URL    string
	HTTP   *http.Client
}

func (c *AnthropicClient) Name() string      { return "anthropic" }
func (c *AnthropicClient) ModelName() string { return c.Model }

// GeneratePlan has no JSON mode to switch on; the planning prompt already
// demands a bare JSON object.
func (c *AnthropicClient) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return c.message(ctx, prompt, 4096)
}

func (c *AnthropicClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.message(ctx, prompt, 1024)
}

func (c *AnthropicClient) message(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model":      c.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]any{{
			"role":    "user",
			"content": []map[string]string{{"type": "text", "text": prompt}},
		}},
	}
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	url := strings.TrimSpace(c.URL)
	if url == "" {
		url = DefaultAnthropicURL
	}
	headers := map[string]string{"x-api-key": c.APIKey, "anthropic-version": anthropicVersion}
	if err := postJSON(ctx, httpClient(c.HTTP), c.Name(), url, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", errors.New("anthropic: no content")
	}
	return resp.Content[0].Text, nil
}
