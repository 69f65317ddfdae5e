package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
)

// CanonicalOperation lower-cases op and folds the aliases planners emit.
func CanonicalOperation(op string) models.Operation {
	o := strings.ToLower(strings.TrimSpace(op))
	switch o {
	case "read", "fetch":
		return models.OpGet
	case "list", "search":
		return models.OpQuery
	case "insert":
		return models.OpCreate
	}
	return models.Operation(o)
}

// NormalizeStep converts a step in any accepted shape into a models.Step.
// It never fails: unreadable input yields a step with an empty operation and
// table, which validation then rejects.
func NormalizeStep(raw any) models.Step {
	switch s := raw.(type) {
	case models.Step:
		return canonicalStep(s)
	case *models.Step:
		if s == nil {
			return canonicalStep(models.Step{})
		}
		return canonicalStep(*s)
	}
	return stepFromMap(toMap(raw))
}

func canonicalStep(s models.Step) models.Step {
	s.Operation = CanonicalOperation(string(s.Operation))
	s.Table = strings.TrimSpace(s.Table)
	if s.Fields == nil {
		s.Fields = map[string]any{}
	}
	if s.Params == nil {
		s.Params = map[string]any{}
	}
	return s
}

func stepFromMap(d map[string]any) models.Step {
	return models.Step{
		Operation: CanonicalOperation(scalarString(first(d, "operation", "action", "op"))),
		Table:     strings.TrimSpace(scalarString(d["table"])),
		Query:     scalarString(d["query"]),
		SysID:     scalarString(first(d, "sys_id", "sysId")),
		Fields:    asMap(first(d, "fields", "data")),
		Params:    asMap(d["params"]),
		Note:      scalarString(first(d, "note", "description")),
	}
}

// first returns the first of keys whose value is set and non-empty.
func first(d map[string]any, keys ...string) any {
	for _, k := range keys {
		v, ok := d[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t == "" {
				continue
			}
		case map[string]any:
			if len(t) == 0 {
				continue
			}
		case []any:
			if len(t) == 0 {
				continue
			}
		}
		return v
	}
	return nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[fmt.Sprint(k)] = x
		}
		return out
	}
	return map[string]any{}
}

// toMap reads a mapping out of raw. Structs and other values go through a
// JSON round trip; anything that does not decode to an object yields nil.
func toMap(raw any) map[string]any {
	switch t := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		return t
	case map[string]string, map[any]any:
		return asMap(t)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// ExtractSteps pulls the ordered raw steps out of a plan-like value: a Plan,
// a step slice, a mapping carrying steps|plan|actions, or JSON text of any
// of those.
func ExtractSteps(plan any) []any {
	switch p := plan.(type) {
	case nil:
		return nil
	case *models.Plan:
		if p == nil {
			return nil
		}
		return stepsOf(p.Steps)
	case models.Plan:
		return stepsOf(p.Steps)
	case []models.Step, []*models.Step, []any, []map[string]any:
		return stepsOf(p)
	case map[string]any:
		return stepsOf(first(p, "steps", "plan", "actions"))
	case []byte:
		return extractJSON(p)
	case json.RawMessage:
		return extractJSON(p)
	case string:
		return extractJSON([]byte(p))
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return nil
	}
	return extractJSON(b)
}

func extractJSON(b []byte) []any {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch v.(type) {
	case map[string]any, []any:
		return ExtractSteps(v)
	}
	return nil
}

func stepsOf(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []models.Step:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []*models.Step:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []map[string]any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	}
	return nil
}
