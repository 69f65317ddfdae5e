package llm

import (
	"context"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiClient uses the Google generative AI SDK. Plans are requested with
// the application/json response MIME type.
type GeminiClient struct {
	client    *genai.Client
	planModel *genai.GenerativeModel
	textModel *genai.GenerativeModel
	model     string
}

func NewGemini(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	plan := c.GenerativeModel(model)
	plan.ResponseMIMEType = "application/json"
	plan.SetTemperature(0.2)
	return &GeminiClient{
		client:    c,
		planModel: plan,
		textModel: c.GenerativeModel(model),
		model:     model,
	}, nil
}

func (g *GeminiClient) Name() string      { return "gemini" }
func (g *GeminiClient) ModelName() string { return g.model }

func (g *GeminiClient) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	resp, err := g.planModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	return firstText(resp), nil
}

func (g *GeminiClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.textModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	return firstText(resp), nil
}

func (g *GeminiClient) Close() error { return g.client.Close() }

func firstText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
