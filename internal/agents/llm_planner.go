package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/providers/llm"
)

// LLMPlanner uses an LLM provider to produce a structured plan and falls
// back to Fallback (FallbackPlanner by default) when that fails.
type LLMPlanner struct {
	Client   llm.Client
	Hints    *SchemaHints
	Fallback Planner
	Logger   zerolog.Logger
}

func (p *LLMPlanner) Plan(ctx context.Context, req models.Request) (*models.Plan, error) {
	plan, reason := p.generate(ctx, req)
	if plan != nil {
		return plan, nil
	}
	p.Logger.Warn().Str("reason", reason).Msg("planner falling back")

	fb := p.Fallback
	if fb == nil {
		fb = FallbackPlanner{}
	}
	out, err := fb.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	if out.Meta == nil {
		out.Meta = map[string]any{}
	}
	out.Meta["reason"] = reason
	if p.Client != nil {
		out.Meta["provider"] = p.Client.Name()
	}
	return out, nil
}

// generate returns a plan, or nil and the reason it could not produce one.
func (p *LLMPlanner) generate(ctx context.Context, req models.Request) (*models.Plan, string) {
	if p.Client == nil {
		return nil, "no model provider configured"
	}
	name := p.Client.Name()
	raw, err := p.Client.GeneratePlan(ctx, BuildPlanPrompt(req, p.Hints.Build(ctx)))
	if err != nil {
		return nil, fmt.Sprintf("%s failed: %v", name, err)
	}
	p.Logger.Debug().Str("provider", name).Str("raw", truncateText(raw, 800)).Msg("model answered")

	plan, err := ParsePlan(raw)
	if err != nil {
		return nil, fmt.Sprintf("%s returned an unusable plan: %v", name, err)
	}
	plan.Meta = map[string]any{"planner": name}
	if m := p.Client.ModelName(); m != "" {
		plan.Meta["model"] = m
	}
	return plan, ""
}

var errNoJSON = errors.New("response did not contain a JSON object")

type planDoc struct {
	Title     string        `json:"title"`
	Rationale string        `json:"rationale"`
	Steps     []models.Step `json:"steps"`
}

// ParsePlan extracts and validates a plan from model output. It accepts a
// bare object, an object inside code fences or prose, or a bare step array.
func ParsePlan(raw string) (*models.Plan, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.New("empty response")
	}
	text = strings.TrimSpace(strings.NewReplacer("```json", "", "```", "").Replace(text))

	var doc planDoc
	if err := decodePlan(text, &doc); err != nil {
		start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
		if start == -1 || end <= start {
			return nil, errNoJSON
		}
		if err := decodePlan(text[start:end+1], &doc); err != nil {
			return nil, err
		}
	}
	if len(doc.Steps) == 0 {
		return nil, errors.New("plan has zero steps")
	}
	for i := range doc.Steps {
		s := &doc.Steps[i]
		s.Operation = models.Operation(strings.ToLower(strings.TrimSpace(string(s.Operation))))
		if !s.Operation.Valid() {
			return nil, fmt.Errorf("step %d: unsupported operation %q", i+1, string(s.Operation))
		}
		if s.Operation != models.OpNote && strings.TrimSpace(s.Table) == "" {
			return nil, fmt.Errorf("step %d: table is required for non-note operations", i+1)
		}
	}
	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = "Proposed plan"
	}
	return &models.Plan{Title: title, Rationale: doc.Rationale, Steps: doc.Steps}, nil
}

func decodePlan(text string, doc *planDoc) error {
	if strings.HasPrefix(text, "[") {
		return json.Unmarshal([]byte(text), &doc.Steps)
	}
	return json.Unmarshal([]byte(text), doc)
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
