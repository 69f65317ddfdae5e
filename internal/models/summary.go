package models

import (
	"fmt"
	"sort"
	"strings"
)

// PlanSummary is the compact plan preview shown before execution.
type PlanSummary struct {
	Title string        `json:"title"`
	Steps []StepSummary `json:"steps"`
}

type StepSummary struct {
	Index   int    `json:"i"`
	Op      string `json:"op"`
	Table   string `json:"table"`
	Details string `json:"details"`
	Note    string `json:"note"`
}

// Summarize renders each step as an upper-cased operation with its table and
// the payload field names, query and projected columns.
func Summarize(p *Plan) PlanSummary {
	out := PlanSummary{Title: "Plan", Steps: []StepSummary{}}
	if p == nil {
		return out
	}
	if p.Title != "" {
		out.Title = p.Title
	}
	for i, s := range p.Steps {
		var details []string
		if len(s.Fields) > 0 {
			details = append(details, "fields: "+strings.Join(sortedKeys(s.Fields), ", "))
		}
		if s.Query != "" {
			details = append(details, fmt.Sprintf("query=%q", s.Query))
		}
		if cols, ok := s.Params["sysparm_fields"]; ok && cols != nil && fmt.Sprint(cols) != "" {
			details = append(details, fmt.Sprintf("columns=%q", fmt.Sprint(cols)))
		}
		out.Steps = append(out.Steps, StepSummary{
			Index:   i + 1,
			Op:      strings.ToUpper(string(s.Operation)),
			Table:   s.Table,
			Details: strings.Join(details, "  "),
			Note:    s.Note,
		})
	}
	return out
}

// factRows caps how many rows of a query are remembered per table.
const factRows = 10

// ExtractFacts keeps the rows of the most recent successful query per table,
// keyed as "last_query:<table>".
func ExtractFacts(r *Report) map[string]any {
	facts := map[string]any{}
	if r == nil {
		return facts
	}
	for i := len(r.Steps) - 1; i >= 0; i-- {
		s := r.Steps[i]
		if s == nil || !s.OK || s.Operation != OpQuery || s.Table == "" {
			continue
		}
		key := "last_query:" + s.Table
		if _, seen := facts[key]; seen {
			continue
		}
		body, ok := s.Response.(map[string]any)
		if !ok {
			continue
		}
		rows, ok := body["result"].([]any)
		if !ok {
			continue
		}
		if len(rows) > factRows {
			rows = rows[:factRows]
		}
		facts[key] = rows
	}
	return facts
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
