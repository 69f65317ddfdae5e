package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const (
	DefaultOpenAIBase  = "https://api.openai.com"
	DefaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIClient talks to any Chat Completions compatible endpoint.
type OpenAIClient struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

func (c *OpenAIClient) Name() string      { return "openai" }
func (c *OpenAIClient) ModelName() string { return c.Model }

func (c *OpenAIClient) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, map[string]any{
		"model":           c.Model,
		"messages":        []map[string]string{{"role": "user", "content": prompt}},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	})
}

func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, map[string]any{
		"model":       c.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": 0.3,
	})
}

func (c *OpenAIClient) complete(ctx context.Context, body map[string]any) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + c.APIKey}
	if err := postJSON(ctx, httpClient(c.HTTP), c.Name(), c.endpoint("/v1/chat/completions"), headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultOpenAIBase
	}
	return base + path
}

func httpClient(hc *http.Client) *http.Client {
	if hc != nil {
		return hc
	}
	return &http.Client{Timeout: DefaultTimeout}
}
