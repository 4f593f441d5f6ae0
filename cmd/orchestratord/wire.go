package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ai-designing/cadorch/internal/agents"
	"github.com/ai-designing/cadorch/internal/config"
	"github.com/ai-designing/cadorch/internal/decisioncache"
	"github.com/ai-designing/cadorch/internal/decisioncache/memcache"
	"github.com/ai-designing/cadorch/internal/decisioncache/redisstore"
	"github.com/ai-designing/cadorch/internal/eventbus"
	"github.com/ai-designing/cadorch/internal/executor"
	"github.com/ai-designing/cadorch/internal/llmprovider"
	"github.com/ai-designing/cadorch/internal/observability"
	"github.com/ai-designing/cadorch/internal/orchestrator"
	"github.com/ai-designing/cadorch/internal/pipeline"
	"github.com/ai-designing/cadorch/internal/queue"
	"github.com/ai-designing/cadorch/internal/statecache"
	"github.com/ai-designing/cadorch/internal/statecache/memstore"
	"github.com/ai-designing/cadorch/internal/statecache/pgstore"
)

// wireOptions carries the CLI flags wireOrchestrator needs beyond cfg
// itself, kept separate from config.Config because they select which
// concrete backend (provider, state store, cache store) to construct
// rather than tuning a backend already chosen.
type wireOptions struct {
	provider    string
	model       string
	apiKey      string
	temperature float64
	maxTokens   int

	statePostgresDSN string
	cacheRedisAddr   string
	cacheRedisDB     int

	tracingEnabled bool
	metricsEnabled bool
}

// closers collects the teardown funcs wireOrchestrator's constructed
// dependencies need, run in reverse order by the caller on shutdown.
type closers struct {
	fns []func()
}

func (c *closers) add(fn func()) { c.fns = append(c.fns, fn) }

func (c *closers) closeAll() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
}

// wireOrchestrator builds a fully-configured Orchestrator from cfg and
// opts: resolve the LLM provider, construct the Plan/Generate/Validate
// agents around it, pick in-memory or external-backed state and decision
// caches, then assemble the Orchestrator's Deps. Exists as a standalone
// function (rather than inline in RunCmd.Run) so it is unit-testable
// without going through kong's CLI parsing.
func wireOrchestrator(ctx context.Context, cfg *config.Config, opts wireOptions) (*orchestrator.Orchestrator, *observability.Manager, func(), error) {
	var cl closers

	provider, err := resolveProvider(ctx, opts)
	if err != nil {
		return nil, nil, nil, err
	}

	retry := agents.RetryConfig{BackoffBase: cfg.Queue.BackoffBase, MaxRetries: cfg.Queue.CommandMaxAttempts}

	planner := agents.NewPlanner(provider, retry)
	generator := agents.NewGenerator(provider, retry)
	validator := agents.NewValidator(provider)

	stateStore, closeState, err := resolveStateStore(ctx, opts)
	if err != nil {
		cl.closeAll()
		return nil, nil, nil, err
	}
	cl.add(closeState)

	checkpointPolicy := statecache.Policy{
		OnTerminalTransition: cfg.Checkpoint.OnTerminal,
		OnLayerCompletion:    cfg.Checkpoint.OnLayer,
		IntervalSeconds:      cfg.Checkpoint.IntervalSeconds,
	}
	checkpoints := statecache.NewManager(stateStore, checkpointPolicy, cfg.Checkpoint.HistoryDepth)
	cl.add(checkpoints.Close)

	cacheStore, closeCache, err := resolveCacheStore(ctx, opts)
	if err != nil {
		cl.closeAll()
		return nil, nil, nil, err
	}
	cl.add(closeCache)
	cache := decisioncache.New(cacheStore, cfg.Cache.DecisionCacheTTL)

	bus := eventbus.New(cfg.EventBus.SubscriberBacklog)

	obsCfg := &observability.Config{
		Tracing: observability.TracingConfig{Enabled: opts.tracingEnabled},
		Metrics: observability.MetricsConfig{Enabled: opts.metricsEnabled},
	}
	obs, err := observability.NewManager(ctx, obsCfg)
	if err != nil {
		cl.closeAll()
		return nil, nil, nil, fmt.Errorf("orchestratord: init observability: %w", err)
	}
	cl.add(func() { _ = obs.Shutdown(context.Background()) })

	orchCfg := orchestrator.Config{
		MaxConcurrentRequests: cfg.Session.MaxConcurrentRequests,
		IdleSessionTimeout:    cfg.Session.IdleTimeout,
		ReapInterval:          cfg.Session.ReapInterval,
		Pipeline:              pipelineConfigFrom(cfg),
		Queue:                 queueConfigFrom(cfg),
	}
	deps := orchestrator.Deps{
		Planner:     planner,
		Generator:   generator,
		Validator:   validator,
		Executor:    executor.NewSimulated(),
		Checkpoints: checkpoints,
		Bus:         bus,
		Cache:       cache,
	}
	orch := orchestrator.New(orchCfg, deps)
	cl.add(orch.Close)

	return orch, obs, cl.closeAll, nil
}

func resolveProvider(ctx context.Context, opts wireOptions) (llmprovider.Provider, error) {
	switch opts.provider {
	case "", "openai":
		return llmprovider.NewOpenAIProvider(llmprovider.OpenAIConfig{
			APIKey:      opts.apiKey,
			Model:       opts.model,
			Temperature: float32(opts.temperature),
			MaxTokens:   opts.maxTokens,
		})
	case "gemini":
		return llmprovider.NewGeminiProvider(ctx, llmprovider.GeminiConfig{
			APIKey:      opts.apiKey,
			Model:       opts.model,
			Temperature: float32(opts.temperature),
			MaxTokens:   int32(opts.maxTokens),
		})
	default:
		return nil, fmt.Errorf("orchestratord: unknown provider %q (want openai or gemini)", opts.provider)
	}
}

func resolveStateStore(ctx context.Context, opts wireOptions) (statecache.Store, func(), error) {
	if opts.statePostgresDSN == "" {
		return memstore.New(), func() {}, nil
	}
	store, err := pgstore.Open(ctx, opts.statePostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestratord: open postgres state store: %w", err)
	}
	return store, store.Close, nil
}

func resolveCacheStore(ctx context.Context, opts wireOptions) (decisioncache.Store, func(), error) {
	if opts.cacheRedisAddr == "" {
		return memcache.New(), func() {}, nil
	}
	store, err := redisstore.Open(ctx, opts.cacheRedisAddr, "", opts.cacheRedisDB, "cadorch:")
	if err != nil {
		return nil, nil, fmt.Errorf("orchestratord: open redis decision cache: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func pipelineConfigFrom(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		MaxIterations:   cfg.Pipeline.MaxIterations,
		PassThreshold:   cfg.Pipeline.PassThreshold,
		RefineThreshold: cfg.Pipeline.RefineThreshold,
		ReplanThreshold: cfg.Pipeline.ReplanThreshold,
		EnableExecution: cfg.Pipeline.EnableExecution,
	}
}

func queueConfigFrom(cfg *config.Config) queue.Config {
	return queue.Config{
		Concurrency:    cfg.Queue.WorkerConcurrency,
		DefaultTimeout: cfg.Queue.CommandTimeoutDefault,
		DefaultRetries: cfg.Queue.CommandMaxAttempts,
		BackoffBase:    cfg.Queue.BackoffBase,
	}
}

// awaitWithTimeout bounds the submit-and-wait request context so the CLI
// never blocks past the command timeout budget even if a request hangs.
func awaitWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return context.WithTimeout(ctx, timeout)
}
