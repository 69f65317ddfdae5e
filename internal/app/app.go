// Package app assembles the plan engine, its providers and the HTTP API from
// a validated config. The server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/agents"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/api"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/cache"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/config"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/orchestrator"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/providers/llm"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/providers/servicenow"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/telemetry"
)

const (
	metricsNamespace = "snagent"
	redisKeyPrefix   = "snagent:"

	// stateItems bounds the in-memory store for plans, sessions and schema
	// hints. Result caching never shares it.
	stateItems = 2048
)

// App holds the wired components. Close releases the provider clients and
// the shared cache.
type App struct {
	Config       config.Config
	Logger       zerolog.Logger
	Metrics      *telemetry.Metrics
	Records      servicenow.Records
	LLM          llm.Client
	Results      cache.Cache
	Orchestrator *orchestrator.Orchestrator
	Server       *api.Server

	closers []io.Closer
}

// Build wires every component described by cfg. A missing ServiceNow
// instance or model provider is not an error: steps then fail with
// servicenow.ErrNotConfigured and plans come from the fallback planner.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if cfg.MetricsEnabled {
		a.Metrics = telemetry.NewMetrics(metricsNamespace)
	}

	identity, err := a.buildRecords(cfg)
	if err != nil {
		return nil, err
	}
	a.buildLLM(ctx, cfg)

	store, err := a.buildStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	var hints *agents.SchemaHints
	if cfg.SchemaHints && cfg.HasServiceNow() {
		hints = &agents.SchemaHints{
			Client: a.Records,
			Cache:  store,
			Logger: telemetry.Component(logger, "schema"),
		}
	}
	planner := &agents.LLMPlanner{
		Client: a.LLM,
		Hints:  hints,
		Logger: telemetry.Component(logger, "planner"),
	}

	executor := &agents.RecordExecutor{Client: a.Records, MaxLimit: cfg.ServiceNow.MaxLimit}
	a.Orchestrator = orchestrator.New(planner, executor, agents.EnvelopeVerifier{},
		orchestrator.WithLogger(telemetry.Component(logger, "orchestrator")),
		orchestrator.WithMetrics(a.Metrics),
		orchestrator.WithPlanStore(orchestrator.NewPlanStore(store, cfg.PlanTTL)),
	)

	opts := []api.Option{
		api.WithNarrator(&agents.Narrator{Client: a.LLM, Logger: telemetry.Component(logger, "narrator")}),
		api.WithSessionStore(store),
		api.WithPlanCache(store),
		api.WithMetrics(a.Metrics),
		api.WithLogger(telemetry.Component(logger, "api")),
	}
	if a.Results != nil {
		opts = append(opts, api.WithResultCache(a.Results))
	}
	if identity != nil {
		opts = append(opts, api.WithIdentity(identity))
	}
	a.Server = api.New(a.Orchestrator, opts...)
	return a, nil
}

// buildRecords returns the identity source alongside the records client so
// an unconfigured instance leaves the API without one.
func (a *App) buildRecords(cfg config.Config) (api.Identity, error) {
	if !cfg.HasServiceNow() {
		a.Logger.Warn().Msg("SERVICENOW_INSTANCE not set; steps will fail until it is configured")
		a.Records = Offline{}
		return nil, nil
	}
	client, err := servicenow.New(cfg.ServiceNowConfig())
	if errors.Is(err, servicenow.ErrNotConfigured) {
		a.Logger.Warn().Err(err).Str("instance", cfg.ServiceNow.Instance).Msg("ServiceNow credentials missing")
		a.Records = Offline{}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("servicenow: %w", err)
	}
	a.Records = client
	return client, nil
}

// buildLLM leaves a.LLM nil when no provider is usable. The factory's mock
// is kept only when it was asked for by name.
func (a *App) buildLLM(ctx context.Context, cfg config.Config) {
	client, err := llm.New(ctx, cfg.LLMConfig())
	if err != nil {
		a.Logger.Warn().Err(err).Msg("model provider unavailable; using fallback planner")
		return
	}
	if _, mock := client.(*llm.MockClient); mock && cfg.LLM.Provider != "mock" {
		return
	}
	if c, ok := client.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	a.Logger.Info().Str("provider", client.Name()).Str("model", client.ModelName()).Msg("model provider ready")
	a.LLM = client
}

// buildStore returns the store for plans, sessions and schema hints and sets
// the result cache. The memory backend keeps the two apart so result churn
// cannot evict a pending plan. Backend "none" disables result caching only.
func (a *App) buildStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		r, err := cache.NewRedisFromURL(ctx, cfg.Cache.RedisURL,
			cache.WithTTL(cfg.Cache.TTL),
			cache.WithKeyPrefix(redisKeyPrefix),
		)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		a.closers = append(a.closers, r)
		a.Results = r
		return r, nil
	case "none":
		return cache.NewMemory(cfg.PlanTTL, stateItems), nil
	default:
		a.Results = cache.NewMemory(cfg.Cache.TTL, cfg.Cache.MaxItems)
		return cache.NewMemory(cfg.PlanTTL, stateItems), nil
	}
}

// Handler returns the API handler.
func (a *App) Handler() http.Handler { return a.Server.Handler() }

// Close releases every client opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Offline stands in for the records client when no instance is configured.
type Offline struct{}

var _ servicenow.Records = Offline{}

func (Offline) Create(context.Context, string, map[string]any) (any, error) {
	return nil, servicenow.ErrNotConfigured
}

func (Offline) Read(context.Context, string, string, map[string]any) (any, error) {
	return nil, servicenow.ErrNotConfigured
}

func (Offline) Update(context.Context, string, string, map[string]any) (any, error) {
	return nil, servicenow.ErrNotConfigured
}

func (Offline) Delete(context.Context, string, string) (any, error) {
	return nil, servicenow.ErrNotConfigured
}

func (Offline) Query(context.Context, string, string, map[string]any) (any, error) {
	return nil, servicenow.ErrNotConfigured
}

func (Offline) ChangeUpdateSet(context.Context, string) (any, error) {
	return nil, servicenow.ErrNotConfigured
}
