package agents

import (
	"context"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
)

type Planner interface {
	Plan(ctx context.Context, req models.Request) (*models.Plan, error)
}

// FallbackPlanner returns a fixed read-only plan. It stands in whenever a
// model is unavailable or answers with something unusable.
type FallbackPlanner struct{}

func (FallbackPlanner) Plan(ctx context.Context, req models.Request) (*models.Plan, error) {
	return &models.Plan{
		Title:     "Generic plan (fallback)",
		Rationale: "Fallback plan (model unavailable or returned invalid output).",
		Steps: []models.Step{{
			Operation: models.OpQuery,
			Table:     "sys_user",
			Query:     "active=true^ORDERBYDESCsys_updated_on",
			Fields:    map[string]any{},
			Params:    map[string]any{"sysparm_limit": "10"},
			Note:      "Example query (fallback).",
		}},
		Meta: map[string]any{"planner": "fallback"},
	}, nil
}
