package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/conductor/internal/audit"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/orchestrator"
	"github.com/haasonsaas/conductor/internal/planner"
	"github.com/haasonsaas/conductor/internal/prompt"
	"github.com/haasonsaas/conductor/internal/ratelimit"
	"github.com/haasonsaas/conductor/internal/reflector"
	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/internal/tasks"
	"github.com/haasonsaas/conductor/internal/tenants"
	"github.com/haasonsaas/conductor/internal/tools"
)

// app holds every wired component for one CLI invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	audit    *audit.Logger

	stores    storage.StoreSet
	tenants   tenants.Chain
	models    *llm.Client
	tools     *tools.Engine
	planner   *planner.Planner
	tasks     *tasks.Manager
	reflector *reflector.Reflector
	driver    *orchestrator.Driver

	closers []func(context.Context) error
}

// newApp wires the components described by cfg. Logs go to logOutput.
func newApp(ctx context.Context, cfg *config.Config, logOutput io.Writer) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.logger = observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         logOutput,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)

	tracer, shutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	a.audit, err = audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.audit.Close() })

	a.stores, err = storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.stores.Close() })

	if err := a.initTenants(ctx); err != nil {
		return nil, err
	}

	wrapper := a.newWrapper()

	a.models = llm.NewClient(wrapper,
		llm.WithLogger(a.logger),
		llm.WithMetrics(a.metrics),
		llm.WithTracer(a.tracer),
		llm.WithCostTable(cfg.LLM.CostTable()),
	)
	if err := a.registerModels(ctx); err != nil {
		return nil, err
	}

	if a.tools, err = a.newToolEngine(wrapper); err != nil {
		return nil, err
	}

	a.planner = planner.New(planner.Config{
		Models:       a.models,
		Plans:        a.stores.Plans,
		Insights:     planner.NewOverlapSearcher(a.stores.Insights, 0),
		MaxTokens:    cfg.Orchestrator.PlanningMaxTokens,
		InsightLimit: cfg.Orchestrator.InsightLimit,
		Audit:        a.audit,
		Metrics:      a.metrics,
		Tracer:       a.tracer,
		Logger:       a.logger,
	})
	a.tasks = tasks.NewManager(tasks.ManagerConfig{
		Tasks:  a.stores.Tasks,
		Plans:  a.stores.Plans,
		Audit:  a.audit,
		Logger: a.logger,
	})
	if cfg.Orchestrator.ReflectionEnabled() {
		rc := reflector.Config{
			Insights: a.stores.Insights,
			Wrapper:  wrapper,
			Metrics:  a.metrics,
			Tracer:   a.tracer,
			Logger:   a.logger,
		}
		if cfg.Orchestrator.ModelReflection {
			rc.Models = a.models
		}
		a.reflector = reflector.New(rc)
	}

	a.driver, err = orchestrator.New(orchestrator.Config{
		Models:              a.models,
		Tools:               a.tools,
		Conversations:       a.stores.Conversations,
		Tenants:             a.tenants,
		Builder:             prompt.NewBuilder(prompt.BuilderOptions{HistoryTokenBudget: cfg.Orchestrator.HistoryTokenBudget}),
		Planner:             a.planner,
		Tasks:               a.tasks,
		Reflector:           a.reflector,
		HistoryLimit:        cfg.Orchestrator.HistoryLimit,
		DefaultMaxToolSteps: cfg.Orchestrator.DefaultMaxToolSteps,
		MaxTokens:           cfg.Orchestrator.MaxTokens,
		Audit:               a.audit,
		Metrics:             a.metrics,
		Tracer:              a.tracer,
		Logger:              a.logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// initTenants builds the tenant chain: the registry file first, when set,
// then the tenant store.
func (a *app) initTenants(ctx context.Context) error {
	if path := a.cfg.Tenants.File; path != "" {
		registry, err := tenants.NewFileRegistry(tenants.FileConfig{Path: path, Logger: a.logger})
		if err != nil {
			return fmt.Errorf("load tenants: %w", err)
		}
		if a.cfg.Tenants.Watch {
			if err := registry.StartWatching(ctx); err != nil {
				return fmt.Errorf("watch tenants: %w", err)
			}
			a.closers = append(a.closers, func(context.Context) error { return registry.Close() })
		}
		a.tenants = append(a.tenants, registry)
	}
	a.tenants = append(a.tenants, tenants.NewStoreLoader(a.stores.Tenants, a.logger))
	return nil
}

func (a *app) newWrapper() *resilience.Wrapper {
	observer := resilience.StateObserver(a.logger, a.metrics)
	defaults := a.cfg.Resilience.Breaker.Breaker("")
	defaults.OnStateChange = observer
	registry := resilience.NewRegistry(defaults)
	for prefix, override := range a.cfg.Resilience.Overrides {
		bc := override.Breaker(prefix)
		bc.OnStateChange = observer
		registry.Override(prefix, bc)
	}
	return resilience.NewWrapper(registry, resilience.WrapperConfig{
		Retry:       a.cfg.Resilience.Retry.Policy(),
		CallTimeout: a.cfg.Resilience.CallTimeout,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
}

func (a *app) registerModels(ctx context.Context) error {
	for _, name := range a.cfg.LLM.ProviderNames() {
		p := a.cfg.LLM.Providers[name]
		var (
			model llm.Model
			err   error
		)
		switch name {
		case llm.ProviderAnthropic:
			model, err = llm.NewAnthropicModel(llm.AnthropicConfig{
				APIKey:       p.APIKey,
				BaseURL:      p.BaseURL,
				DefaultModel: p.DefaultModel,
				MaxTokens:    p.MaxTokens,
			})
		case llm.ProviderOpenAI:
			model, err = llm.NewOpenAIModel(llm.OpenAIConfig{
				APIKey:       p.APIKey,
				BaseURL:      p.BaseURL,
				DefaultModel: p.DefaultModel,
			})
		case llm.ProviderGemini:
			model, err = llm.NewGeminiModel(ctx, llm.GeminiConfig{
				APIKey:       p.APIKey,
				DefaultModel: p.DefaultModel,
			})
		case llm.ProviderBedrock:
			model, err = llm.NewBedrockModel(ctx, llm.BedrockConfig{
				Region:          p.Region,
				AccessKeyID:     p.AccessKeyID,
				SecretAccessKey: p.SecretAccessKey,
				SessionToken:    p.SessionToken,
				DefaultModel:    p.DefaultModel,
			})
		default:
			err = fmt.Errorf("unsupported provider %q", name)
		}
		if err != nil {
			return fmt.Errorf("init %s model: %w", name, err)
		}
		a.models.Register(model)
		a.logger.Debug("model provider registered", "provider", name)
	}
	return nil
}

func (a *app) newToolEngine(wrapper *resilience.Wrapper) (*tools.Engine, error) {
	defs, err := a.cfg.Tools.ToolDefinitions()
	if err != nil {
		return nil, err
	}
	catalog, err := tools.NewCatalog(defs...)
	if err != nil {
		return nil, fmt.Errorf("build tool catalog: %w", err)
	}

	providers := []tools.Provider{
		tools.NewToolServerProvider(a.cfg.Tools.ToolServer, a.logger),
	}
	if a.cfg.Tools.Search.Endpoint != "" {
		providers = append(providers, tools.NewSearchProvider(a.cfg.Tools.Search))
	}
	if len(a.cfg.Tools.FileSearch) > 0 {
		backends := make([]tools.FileBackend, 0, len(a.cfg.Tools.FileSearch))
		for _, b := range a.cfg.Tools.FileSearch {
			backends = append(backends, tools.NewHTTPFileBackend(b.Name, b.Endpoint, b.APIKey, b.Timeout))
		}
		providers = append(providers, tools.NewFileSearchProvider(backends...))
	}

	return tools.NewEngine(tools.EngineConfig{
		Catalog:   catalog,
		Providers: providers,
		Wrapper:   wrapper,
		Limiter:   ratelimit.NewLimiter(a.cfg.Tools.RateLimit, a.cfg.Tools.LimiterOverrides()),
		Audit:     a.audit,
		Metrics:   a.metrics,
		Tracer:    a.tracer,
		Logger:    a.logger,
	}), nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
