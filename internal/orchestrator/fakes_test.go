package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/agents"
)

type remoteCall struct {
	Method string
	Table  string
	SysID  string
	Query  string
	Fields map[string]any
	Params map[string]any
}

// scriptedRecords hands out replies in call order; once they run out every
// call gets an empty result envelope.
type scriptedRecords struct {
	mu      sync.Mutex
	replies []reply
	calls   []remoteCall
}

type reply struct {
	body any
	err  error
}

func (s *scriptedRecords) then(body any) *scriptedRecords {
	s.replies = append(s.replies, reply{body: body})
	return s
}

func (s *scriptedRecords) fail(err error) *scriptedRecords {
	s.replies = append(s.replies, reply{err: err})
	return s
}

func (s *scriptedRecords) next(c remoteCall) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if len(s.replies) == 0 {
		return map[string]any{"result": map[string]any{}}, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.body, r.err
}

func (s *scriptedRecords) Create(_ context.Context, table string, fields map[string]any) (any, error) {
	return s.next(remoteCall{Method: "create", Table: table, Fields: fields})
}

func (s *scriptedRecords) Read(_ context.Context, table, sysID string, params map[string]any) (any, error) {
	return s.next(remoteCall{Method: "read", Table: table, SysID: sysID, Params: params})
}

func (s *scriptedRecords) Update(_ context.Context, table, sysID string, fields map[string]any) (any, error) {
	return s.next(remoteCall{Method: "update", Table: table, SysID: sysID, Fields: fields})
}

func (s *scriptedRecords) Delete(_ context.Context, table, sysID string) (any, error) {
	return s.next(remoteCall{Method: "delete", Table: table, SysID: sysID})
}

func (s *scriptedRecords) Query(_ context.Context, table, query string, params map[string]any) (any, error) {
	return s.next(remoteCall{Method: "query", Table: table, Query: query, Params: params})
}

func (s *scriptedRecords) ChangeUpdateSet(_ context.Context, sysID string) (any, error) {
	return s.next(remoteCall{Method: "change_update_set", SysID: sysID})
}

func (s *scriptedRecords) Calls() []remoteCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remoteCall(nil), s.calls...)
}

func newTestOrchestrator(rec *scriptedRecords, opts ...Option) *Orchestrator {
	return New(agents.FallbackPlanner{}, &agents.RecordExecutor{Client: rec}, nil, opts...)
}

var errForbidden = errors.New("HTTP 403: ACL denied")

func record(id string, extra ...any) map[string]any {
	r := map[string]any{"sys_id": id}
	for i := 0; i+1 < len(extra); i += 2 {
		r[extra[i].(string)] = extra[i+1]
	}
	return map[string]any{"result": r}
}

func rows(ids ...string) map[string]any {
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = map[string]any{"sys_id": id, "name": "row" + id}
	}
	return map[string]any{"result": list}
}
