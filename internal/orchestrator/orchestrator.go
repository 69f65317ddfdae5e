package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/agents"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/cache"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/telemetry"
)

// DisplayRowLimit caps the rows shown for a query without sysparm_fields.
const DisplayRowLimit = 10

const tracerName = "github.com/01Bisheshwar/ServiceNowAgentv1/internal/orchestrator"

// ErrNoPlanner is returned by PlanRequest when no planner is wired.
var ErrNoPlanner = errors.New("no planner configured")

type Orchestrator struct {
	Planner  agents.Planner
	Executor agents.Executor
	Verifier agents.Verifier

	aliases map[string]string
	plans   *PlanStore
	hub     *Hub
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithPlanStore replaces the default in-memory plan store.
func WithPlanStore(s *PlanStore) Option { return func(o *Orchestrator) { o.plans = s } }

// WithAliases replaces DefaultAliases.
func WithAliases(aliases map[string]string) Option {
	return func(o *Orchestrator) { o.aliases = aliases }
}

func New(planner agents.Planner, executor agents.Executor, verifier agents.Verifier, opts ...Option) *Orchestrator {
	if verifier == nil {
		verifier = agents.EnvelopeVerifier{}
	}
	o := &Orchestrator{
		Planner:  planner,
		Executor: executor,
		Verifier: verifier,
		aliases:  DefaultAliases,
		hub:      NewHub(),
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.plans == nil {
		o.plans = NewPlanStore(cache.NewMemory(DefaultPlanTTL, 1024), DefaultPlanTTL)
	}
	return o
}

// StepObserver is told about every step result as soon as it is recorded.
// Its errors and panics are logged and never change the run.
type StepObserver func(*models.StepResult) error

// RunOption configures one call to ExecuteSteps.
type RunOption func(*runConfig)

type runConfig struct {
	stopOnError bool
	observers   []StepObserver
	cache       cache.Cache
	runID       string
}

// WithStopOnError controls whether the first failed step ends the run.
// It defaults to true.
func WithStopOnError(stop bool) RunOption { return func(c *runConfig) { c.stopOnError = stop } }

// WithObserver adds a per-step observer.
func WithObserver(fn StepObserver) RunOption {
	return func(c *runConfig) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// WithCache enables the result cache for get and query steps.
func WithCache(c cache.Cache) RunOption { return func(rc *runConfig) { rc.cache = c } }

// WithRunID names an ExecutePlan run so a caller can Subscribe to it before
// it starts. Without it ExecutePlan mints one.
func WithRunID(id string) RunOption { return func(rc *runConfig) { rc.runID = id } }

// ExecuteSteps runs every step of plan in order and always returns a report.
// Each step gets its references resolved, one remote call, and its produced
// identifiers captured for later steps.
func (o *Orchestrator) ExecuteSteps(ctx context.Context, plan any, opts ...RunOption) *models.Report {
	cfg := runConfig{stopOnError: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	raw := ExtractSteps(plan)
	ctx, span := o.tracer.Start(ctx, "plan.execute", trace.WithAttributes(
		attribute.Int("plan.steps", len(raw)),
		attribute.Bool("plan.stop_on_error", cfg.stopOnError),
	))
	defer span.End()

	refs := NewReferences()
	report := &models.Report{Steps: []*models.StepResult{}}
	for i, item := range raw {
		idx := i + 1
		res := o.runStep(ctx, idx, NormalizeStep(item), refs, cfg.cache)
		report.Steps = append(report.Steps, res)
		o.notify(cfg.observers, res)

		if !res.OK && cfg.stopOnError {
			o.logger.Warn().Int("step", idx).Int("skipped", len(raw)-idx).Msg("halting plan after failed step")
			break
		}
	}

	report.OK = len(report.Steps) > 0
	for _, s := range report.Steps {
		if !s.OK {
			report.OK = false
			break
		}
	}
	o.metrics.ObserveRun(report.OK)
	if !report.OK {
		span.SetStatus(codes.Error, "plan failed")
	}
	o.logger.Info().
		Bool("ok", report.OK).
		Int("executed", len(report.Steps)).
		Int("planned", len(raw)).
		Int("references", refs.Len()).
		Msg("plan run finished")
	return report
}

func (o *Orchestrator) runStep(ctx context.Context, idx int, step models.Step, refs *References, c cache.Cache) *models.StepResult {
	resolved := models.Step{
		Operation: step.Operation,
		Table:     step.Table,
		Query:     SubstituteString(step.Query, refs),
		SysID:     SubstituteString(step.SysID, refs),
		Fields:    SubstituteMap(step.Fields, refs),
		Params:    SubstituteMap(step.Params, refs),
		Note:      step.Note,
	}
	res := &models.StepResult{
		Index:     idx,
		Operation: resolved.Operation,
		Table:     resolved.Table,
		SysID:     resolved.SysID,
		Query:     resolved.Query,
		Fields:    resolved.Fields,
		Params:    resolved.Params,
		Note:      resolved.Note,
	}

	ctx, span := o.tracer.Start(ctx, "plan.step", trace.WithAttributes(
		attribute.Int("step.index", idx),
		attribute.String("step.operation", string(resolved.Operation)),
		attribute.String("step.table", resolved.Table),
	))
	defer span.End()
	log := o.logger.With().Int("step", idx).Str("operation", string(resolved.Operation)).Str("table", resolved.Table).Logger()
	log.Debug().Msg("step started")

	started := time.Now()
	out, err := o.Executor.Execute(ctx, resolved, c)
	if err == nil && out == nil {
		out = &agents.Outcome{}
	}
	if err == nil {
		err = o.Verifier.Verify(ctx, resolved, out.Body)
	}
	elapsed := time.Since(started)
	res.DurationMs = elapsed.Milliseconds()
	if out != nil {
		res.Response = out.Body
		res.Cached = out.Cached
		if c != nil && (resolved.Operation == models.OpGet || resolved.Operation == models.OpQuery) {
			o.metrics.ObserveCache(out.Cached)
		}
	}
	o.metrics.ObserveStep(string(resolved.Operation), err == nil, elapsed)

	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Error)
		log.Warn().Err(err).Int64("durationMs", res.DurationMs).Msg("step failed")
		return res
	}

	res.OK = true
	o.capture(idx, resolved.Table, out.Body, refs, res)
	if resolved.Operation == models.OpQuery {
		res.DisplayRows = displayRows(out.Body, resolved.Params)
	}
	log.Debug().Int64("durationMs", res.DurationMs).Bool("cached", res.Cached).Str("sys_id", res.SysID).Msg("step finished")
	return res
}

// capture binds the identifiers in body for later steps. A single record
// binds stepN.sys_id and the table alias; list rows bind stepN.result[j].sys_id.
func (o *Orchestrator) capture(idx int, table string, body any, refs *References, res *models.StepResult) {
	id, single := ProducedID(body)
	if id != "" {
		res.SysID = id
		if single {
			refs.Set(StepKey(idx), id)
			if alias, ok := o.aliases[table]; ok {
				refs.SetAlias(alias, id)
			}
		}
	}
	m, _ := body.(map[string]any)
	rows, _ := m["result"].([]any)
	for j, row := range rows {
		if r, ok := row.(map[string]any); ok {
			if sid, ok := r["sys_id"].(string); ok {
				refs.Set(RowKey(idx, j), sid)
			}
		}
	}
}

// ProducedID finds the identifier a response carries: a top-level sys_id,
// then result.sys_id, then result[0].sys_id. single is false when the id
// came from a list.
func ProducedID(body any) (id string, single bool) {
	m, ok := body.(map[string]any)
	if !ok {
		return "", false
	}
	if s, ok := m["sys_id"].(string); ok && s != "" {
		return s, true
	}
	switch r := m["result"].(type) {
	case map[string]any:
		if s, ok := r["sys_id"].(string); ok && s != "" {
			return s, true
		}
	case []any:
		if len(r) > 0 {
			if row, ok := r[0].(map[string]any); ok {
				if s, ok := row["sys_id"].(string); ok && s != "" {
					return s, false
				}
			}
		}
	}
	return "", false
}

// displayRows projects list rows onto the sysparm_fields columns, or keeps
// the first DisplayRowLimit rows when no projection was requested.
func displayRows(body any, params map[string]any) []map[string]any {
	m, _ := body.(map[string]any)
	rows, ok := m["result"].([]any)
	if !ok {
		return nil
	}
	if cols := fieldList(params["sysparm_fields"]); len(cols) > 0 {
		out := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			r, ok := row.(map[string]any)
			if !ok {
				continue
			}
			p := make(map[string]any, len(cols))
			for _, c := range cols {
				p[c] = r[c]
			}
			out = append(out, p)
		}
		return out
	}
	out := make([]map[string]any, 0, DisplayRowLimit)
	for _, row := range rows {
		if len(out) == DisplayRowLimit {
			break
		}
		if r, ok := row.(map[string]any); ok {
			out = append(out, r)
		}
	}
	return out
}

func fieldList(v any) []string {
	var parts []string
	switch t := v.(type) {
	case string:
		parts = strings.Split(t, ",")
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok {
				parts = append(parts, s)
			}
		}
	case []string:
		parts = t
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) notify(observers []StepObserver, res *models.StepResult) {
	for _, fn := range observers {
		o.callObserver(fn, res)
	}
}

func (o *Orchestrator) callObserver(fn StepObserver, res *models.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Int("step", res.Index).Msg("step observer panicked")
		}
	}()
	if err := fn(res); err != nil {
		o.logger.Error().Err(err).Int("step", res.Index).Msg("step observer failed")
	}
}

// PlanRequest asks the planner for a plan and stores it for confirmation.
func (o *Orchestrator) PlanRequest(ctx context.Context, req models.Request) (*models.Plan, error) {
	if o.Planner == nil {
		return nil, ErrNoPlanner
	}
	plan, err := o.Planner.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	plan.ID = ""
	if err := o.plans.Save(ctx, plan); err != nil {
		return nil, err
	}
	planner, _ := plan.Meta["planner"].(string)
	o.metrics.ObservePlan(planner)
	o.logger.Info().Str("plan_id", plan.ID).Str("planner", planner).Int("steps", len(plan.Steps)).Msg("plan stored")
	return plan, nil
}

// Plan returns a stored plan.
func (o *Orchestrator) Plan(ctx context.Context, id string) (*models.Plan, error) {
	return o.plans.Get(ctx, id)
}

// ReplacePlan stores plan under an existing id, e.g. after the user edits it.
func (o *Orchestrator) ReplacePlan(ctx context.Context, id string, plan *models.Plan) error {
	if _, err := o.plans.Get(ctx, id); err != nil {
		return err
	}
	plan.ID = id
	return o.plans.Save(ctx, plan)
}

// StorePlan registers plan under its own id, minting one when it has none.
// A reused plan keeps the id its first preview showed.
func (o *Orchestrator) StorePlan(ctx context.Context, plan *models.Plan) error {
	return o.plans.Save(ctx, plan)
}

// DiscardPlan forgets a stored plan.
func (o *Orchestrator) DiscardPlan(ctx context.Context, id string) {
	o.plans.Delete(ctx, id)
}

// ExecutePlan runs a stored plan and publishes start, step and done events
// to the run's subscribers. The plan stays stored until it expires.
func (o *Orchestrator) ExecutePlan(ctx context.Context, id string, opts ...RunOption) (*models.Report, error) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	runID := cfg.runID
	if runID == "" {
		runID = uuid.NewString()
		opts = append(opts, WithRunID(runID))
	}
	publish := func(name string, payload any) {
		o.hub.Publish(runID, Event{Event: name, PlanID: id, RunID: runID, Payload: payload})
	}

	plan, err := o.plans.Get(ctx, id)
	if err != nil {
		publish(EventError, map[string]string{"error": err.Error()})
		return nil, err
	}
	o.logger.Info().Str("plan_id", id).Str("run_id", runID).Int("steps", len(plan.Steps)).Msg("plan run started")
	publish(EventStart, map[string]any{"planId": id, "runId": runID, "steps": len(plan.Steps)})
	opts = append(opts, WithObserver(func(res *models.StepResult) error {
		publish(EventStep, res)
		return nil
	}))
	report := o.ExecuteSteps(ctx, plan, opts...)
	publish(EventDone, report)
	return report, nil
}

// Subscribe returns a channel carrying JSON-encoded Event payloads for one
// run. The caller must call the returned unsubscribe func when done.
func (o *Orchestrator) Subscribe(runID string) (<-chan []byte, func()) {
	return o.hub.Subscribe(runID)
}
