package models

import (
	"time"
)

type Operation string

const (
	OpQuery           Operation = "query"
	OpCreate          Operation = "create"
	OpUpdate          Operation = "update"
	OpDelete          Operation = "delete"
	OpGet             Operation = "get"
	OpChangeUpdateSet Operation = "change_update_set"
	OpNote            Operation = "note"
)

// Operations lists every operation a plan step may carry.
var Operations = []Operation{OpQuery, OpCreate, OpUpdate, OpDelete, OpGet, OpChangeUpdateSet, OpNote}

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	for _, o := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

// NeedsSysID reports whether the operation addresses a single record.
func (op Operation) NeedsSysID() bool {
	switch op {
	case OpGet, OpUpdate, OpDelete, OpChangeUpdateSet:
		return true
	}
	return false
}

// Request is a natural-language request handed to a planner.
type Request struct {
	Message     string `json:"message"`
	ContextText string `json:"contextText,omitempty"`
}

type Plan struct {
	ID        string         `json:"plan_id" yaml:"plan_id"`
	Title     string         `json:"title" yaml:"title"`
	Rationale string         `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	Steps     []Step         `json:"steps" yaml:"steps"`
	Meta      map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at,omitempty"`
}

// Step is the canonical form of one remote operation. Field names are the
// wire contract shared with planners and the UI.
type Step struct {
	Operation Operation      `json:"operation" yaml:"operation"`
	Table     string         `json:"table,omitempty" yaml:"table,omitempty"`
	Query     string         `json:"query,omitempty" yaml:"query,omitempty"`
	SysID     string         `json:"sys_id,omitempty" yaml:"sys_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Note      string         `json:"note,omitempty" yaml:"note,omitempty"`
}

type StepResult struct {
	Index       int              `json:"i"`
	Operation   Operation        `json:"operation"`
	Table       string           `json:"table"`
	SysID       string           `json:"sys_id,omitempty"`
	Query       string           `json:"query,omitempty"`
	Fields      map[string]any   `json:"fields"`
	Params      map[string]any   `json:"params"`
	Note        string           `json:"note,omitempty"`
	OK          bool             `json:"ok"`
	Error       string           `json:"error,omitempty"`
	DurationMs  int64            `json:"durationMs"`
	Response    any              `json:"response"`
	DisplayRows []map[string]any `json:"displayRows,omitempty"`
	Cached      bool             `json:"cached,omitempty"`
}

// Report is the ordered trace of one plan run.
type Report struct {
	OK    bool          `json:"ok"`
	Steps []*StepResult `json:"steps"`
}
