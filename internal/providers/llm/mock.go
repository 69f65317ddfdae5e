package llm

import (
	"context"
	"strings"
)

// MockClient is used when no real provider is configured. Its plan lists
// recently updated active users, which is safe to run against any instance.
type MockClient struct{}

const mockPlan = `{
  "title": "List recently updated users",
  "rationale": "No model provider is configured; showing a read-only example.",
  "steps": [
    {
      "operation": "query",
      "table": "sys_user",
      "query": "active=true^ORDERBYDESCsys_updated_on",
      "params": {"sysparm_limit": "5", "sysparm_fields": "sys_id,user_name,name,email"},
      "note": "Example query (mock provider)."
    }
  ]
}`

func (m *MockClient) Name() string      { return "mock" }
func (m *MockClient) ModelName() string { return "" }

func (m *MockClient) GeneratePlan(ctx context.Context, prompt string) (string, error) {
	return mockPlan, nil
}

func (m *MockClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	return "Done. " + strings.TrimSpace(lines[len(lines)-1]), nil
}
