package agents

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/cache"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/providers/servicenow"
)

// Executor performs the single remote call behind a resolved step.
type Executor interface {
	Execute(ctx context.Context, step models.Step, c cache.Cache) (*Outcome, error)
}

// Outcome is the raw body a step produced. Cached is set when the body came
// from the result cache instead of the instance.
type Outcome struct {
	Body   any
	Cached bool
}

// ErrValidation marks a step rejected before any remote call.
var ErrValidation = errors.New("invalid step")

// ValidationError describes a missing or malformed step field.
type ValidationError struct {
	Operation models.Operation
	Field     string
	Msg       string
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validate checks the fields each operation needs.
func Validate(step models.Step) error {
	if step.Operation == models.OpNote {
		return nil
	}
	if strings.TrimSpace(step.Table) == "" {
		return &ValidationError{Operation: step.Operation, Field: "table", Msg: "step missing table"}
	}
	if !step.Operation.Valid() {
		return &ValidationError{Operation: step.Operation, Field: "operation", Msg: fmt.Sprintf("unsupported operation %q", string(step.Operation))}
	}
	if step.Operation.NeedsSysID() && strings.TrimSpace(step.SysID) == "" {
		return &ValidationError{Operation: step.Operation, Field: "sys_id", Msg: fmt.Sprintf("%s requires sys_id", step.Operation)}
	}
	if step.Operation == models.OpQuery && strings.TrimSpace(step.Query) == "" {
		return &ValidationError{Operation: step.Operation, Field: "query", Msg: "query requires query (sysparm_query)"}
	}
	return nil
}

// RecordExecutor dispatches steps to the ServiceNow Table API. MaxLimit,
// when positive, caps the rows a query may ask for.
type RecordExecutor struct {
	Client   servicenow.Records
	MaxLimit int
}

func (e *RecordExecutor) Execute(ctx context.Context, step models.Step, c cache.Cache) (*Outcome, error) {
	if err := Validate(step); err != nil {
		return nil, err
	}
	switch step.Operation {
	case models.OpNote:
		return &Outcome{}, nil
	case models.OpCreate:
		return outcome(e.Client.Create(ctx, step.Table, step.Fields))
	case models.OpUpdate:
		return outcome(e.Client.Update(ctx, step.Table, step.SysID, step.Fields))
	case models.OpDelete:
		return outcome(e.Client.Delete(ctx, step.Table, step.SysID))
	case models.OpGet:
		key := cache.Key(string(models.OpGet), step.Table, step.SysID, nil, step.Params)
		return readThrough(ctx, c, key, func() (any, error) {
			return e.Client.Read(ctx, step.Table, step.SysID, step.Params)
		})
	case models.OpQuery:
		key := cache.Key(string(models.OpQuery), step.Table, nil, step.Query, step.Params)
		params := make(map[string]any, len(step.Params)+1)
		for k, v := range step.Params {
			params[k] = v
		}
		params["sysparm_limit"] = strconv.Itoa(ClampLimit(QueryLimit(step.Params), e.MaxLimit))
		return readThrough(ctx, c, key, func() (any, error) {
			return e.Client.Query(ctx, step.Table, step.Query, params)
		})
	case models.OpChangeUpdateSet:
		return outcome(e.Client.ChangeUpdateSet(ctx, step.SysID))
	}
	return nil, &ValidationError{Operation: step.Operation, Field: "operation", Msg: fmt.Sprintf("unsupported operation %q", string(step.Operation))}
}

// QueryLimit returns the row limit a query step asks for through
// sysparm_limit, or servicenow.DefaultQueryLimit when absent or unparseable.
func QueryLimit(params map[string]any) int {
	switch v := params["sysparm_limit"].(type) {
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case int:
		return v
	case int64:
		return int(v)
	}
	return servicenow.DefaultQueryLimit
}

// ClampLimit bounds n to [1, ceiling]. A ceiling of zero or less leaves n as is.
func ClampLimit(n, ceiling int) int {
	if ceiling <= 0 {
		return n
	}
	return max(1, min(n, ceiling))
}

func outcome(body any, err error) (*Outcome, error) {
	if err != nil {
		return nil, err
	}
	return &Outcome{Body: body}, nil
}

// readThrough serves key from c when present and fills it on a miss. Empty
// bodies are never cached.
func readThrough(ctx context.Context, c cache.Cache, key string, fetch func() (any, error)) (*Outcome, error) {
	if c != nil {
		if hit, ok := c.Get(ctx, key); ok && hit != nil {
			return &Outcome{Body: hit, Cached: true}, nil
		}
	}
	body, err := fetch()
	if err != nil {
		return nil, err
	}
	if c != nil && body != nil {
		c.Set(ctx, key, body)
	}
	return &Outcome{Body: body}, nil
}
