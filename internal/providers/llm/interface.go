package llm

import (
	"context"
)

// Client is the minimal surface planners need from a model provider.
// Any provider implementation should satisfy this.
type Client interface {
	// GeneratePlan asks for a JSON document; providers that support it
	// switch the response into JSON mode.
	GeneratePlan(ctx context.Context, prompt string) (string, error)
	GenerateText(ctx context.Context, prompt string) (string, error)
	// Name identifies the provider in plan metadata, e.g. "gemini".
	Name() string
	ModelName() string
}
