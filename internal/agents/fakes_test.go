package agents

import (
	"context"
	"errors"
	"sync"
)

type call struct {
	Method string
	Table  string
	SysID  string
	Query  string
	Fields map[string]any
	Params map[string]any
}

// fakeRecords records every call and answers with body, or with the
// per-table entry of queries for Query calls when queries is set.
type fakeRecords struct {
	mu      sync.Mutex
	calls   []call
	body    any
	err     error
	queries map[string]any // table -> body
}

func (f *fakeRecords) record(c call) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.err != nil {
		return nil, f.err
	}
	if c.Method == "query" && f.queries != nil {
		if b, ok := f.queries[c.Table]; ok {
			return b, nil
		}
		return nil, errors.New("no such table")
	}
	return f.body, nil
}

func (f *fakeRecords) Create(_ context.Context, table string, fields map[string]any) (any, error) {
	return f.record(call{Method: "create", Table: table, Fields: fields})
}

func (f *fakeRecords) Read(_ context.Context, table, sysID string, params map[string]any) (any, error) {
	return f.record(call{Method: "read", Table: table, SysID: sysID, Params: params})
}

func (f *fakeRecords) Update(_ context.Context, table, sysID string, fields map[string]any) (any, error) {
	return f.record(call{Method: "update", Table: table, SysID: sysID, Fields: fields})
}

func (f *fakeRecords) Delete(_ context.Context, table, sysID string) (any, error) {
	return f.record(call{Method: "delete", Table: table, SysID: sysID})
}

func (f *fakeRecords) Query(_ context.Context, table, query string, params map[string]any) (any, error) {
	return f.record(call{Method: "query", Table: table, Query: query, Params: params})
}

func (f *fakeRecords) ChangeUpdateSet(_ context.Context, sysID string) (any, error) {
	return f.record(call{Method: "change_update_set", SysID: sysID})
}

func (f *fakeRecords) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeLLM struct {
	plan    string
	text    string
	err     error
	prompts []string
}

func (f *fakeLLM) GeneratePlan(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.plan, f.err
}

func (f *fakeLLM) GenerateText(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.text, f.err
}

func (f *fakeLLM) Name() string      { return "fake" }
func (f *fakeLLM) ModelName() string { return "fake-1" }
