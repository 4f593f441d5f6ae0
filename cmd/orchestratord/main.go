// Command orchestratord is the reference CLI for the CAD orchestration
// core: it wires a config file (or zero-config flags) into an
// internal/orchestrator.Orchestrator and drives it through one request.
//
// Usage:
//
//	orchestratord run --prompt "bracket with two mounting holes"
//	orchestratord run --config cadorch.yaml --session design-1
//	orchestratord validate-config --config cadorch.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ai-designing/cadorch/internal/config"
	"github.com/ai-designing/cadorch/internal/config/provider"
	"github.com/ai-designing/cadorch/internal/logging"
	"github.com/ai-designing/cadorch/internal/orchestrator"
)

// orchestratorOptionsFrom maps the resolved config's pipeline section onto
// the per-request overrides SubmitRequest accepts; a config-level value is
// always set here so operators don't need a CLI flag for every config knob.
func orchestratorOptionsFrom(cfg *config.Config) orchestrator.RequestOptions {
	return orchestrator.RequestOptions{
		MaxIterations:   cfg.Pipeline.MaxIterations,
		EnableExecution: cfg.Pipeline.EnableExecution,
	}
}

// CLI defines the orchestratord command-line interface.
type CLI struct {
	Run            RunCmd            `cmd:"" help:"Submit a CAD request and print the resulting pipeline state."`
	ValidateConfig ValidateConfigCmd `cmd:"" name:"validate-config" help:"Load and validate a config file without running anything."`
	Version        VersionCmd        `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to YAML/JSON config file. Unset uses built-in defaults." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)." default:"simple"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("orchestratord %s\n", version)
	return nil
}

// ValidateConfigCmd loads and validates a config file, reporting the
// resolved defaults without constructing an Orchestrator.
type ValidateConfigCmd struct{}

func (c *ValidateConfigCmd) Run(cli *CLI) error {
	cfg, closeLoader, err := loadConfig(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	if closeLoader != nil {
		defer closeLoader()
	}
	fmt.Printf("config OK: max_iterations=%d pass=%.2f refine=%.2f replan=%.2f worker_concurrency=%d\n",
		cfg.Pipeline.MaxIterations, cfg.Pipeline.PassThreshold, cfg.Pipeline.RefineThreshold,
		cfg.Pipeline.ReplanThreshold, cfg.Queue.WorkerConcurrency)
	return nil
}

// RunCmd submits one CAD request through a freshly wired Orchestrator and
// blocks for the result, the reference end-to-end exercise of the core.
type RunCmd struct {
	Prompt  string `help:"Natural-language CAD request." required:""`
	Session string `help:"Session ID. A new UUID is generated if omitted."`
	Timeout time.Duration `help:"Maximum time to wait for the request to finish." default:"5m"`
	Execute bool          `help:"Run generated scripts through the executor (pipeline.enable_execution)."`

	Provider    string  `help:"LLM provider (openai, gemini)." default:"openai"`
	Model       string  `help:"Model name override."`
	APIKey      string  `name:"api-key" help:"API key (defaults to PROVIDER_API_KEY env var)."`
	Temperature float64 `help:"Sampling temperature." default:"0.2"`
	MaxTokens   int     `name:"max-tokens" help:"Max output tokens." default:"2048"`

	StatePostgresDSN string `name:"state-postgres-dsn" help:"Postgres DSN for checkpoint storage (in-memory if unset)."`
	CacheRedisAddr   string `name:"cache-redis-addr" help:"Redis address for the decision cache (in-memory if unset)."`
	CacheRedisDB     int    `name:"cache-redis-db" help:"Redis DB index for the decision cache." default:"0"`

	Tracing bool `help:"Enable OTLP tracing export."`
	Metrics bool `help:"Enable the Prometheus metrics registry (this CLI does not serve it over HTTP)."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, closeLoader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if closeLoader != nil {
		defer closeLoader()
	}
	cfg.Pipeline.EnableExecution = c.Execute

	apiKey := c.APIKey
	if apiKey == "" {
		apiKey = apiKeyFromEnv(c.Provider)
	}

	orch, obs, closeAll, err := wireOrchestrator(ctx, cfg, wireOptions{
		provider:         c.Provider,
		model:            c.Model,
		apiKey:           apiKey,
		temperature:      c.Temperature,
		maxTokens:        c.MaxTokens,
		statePostgresDSN: c.StatePostgresDSN,
		cacheRedisAddr:   c.CacheRedisAddr,
		cacheRedisDB:     c.CacheRedisDB,
		tracingEnabled:   c.Tracing,
		metricsEnabled:   c.Metrics,
	})
	if err != nil {
		return fmt.Errorf("orchestratord: wire dependencies: %w", err)
	}
	defer closeAll()
	if obs.MetricsEnabled() {
		slog.Info("metrics registry active (no HTTP transport wired in this reference CLI)")
	}

	sessionID := c.Session
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	requestCtx, requestCancel := awaitWithTimeout(ctx, c.Timeout)
	defer requestCancel()

	requestID, err := orch.SubmitRequest(requestCtx, sessionID, c.Prompt, orchestratorOptionsFrom(cfg))
	if err != nil {
		return fmt.Errorf("orchestratord: submit request: %w", err)
	}
	slog.Info("request submitted", "session_id", sessionID, "request_id", requestID)

	state, err := orch.AwaitResult(requestCtx, requestID, c.Timeout)
	if err != nil {
		return fmt.Errorf("orchestratord: await result: %w", err)
	}

	fmt.Printf("status=%s iteration=%d/%d\n", state.Status, state.Iteration, state.MaxIterations)
	if state.LastValidation != nil {
		fmt.Printf("validation overall=%.2f\n", state.LastValidation.Overall)
	}
	for taskID, artifact := range state.Artifacts {
		fmt.Printf("artifact task=%s object=%s\n", taskID, artifact)
	}
	if len(state.ErrorHistory) > 0 {
		fmt.Printf("errors:\n")
		for _, e := range state.ErrorHistory {
			fmt.Printf("  - %s\n", e)
		}
	}
	return nil
}

func apiKeyFromEnv(providerName string) string {
	switch providerName {
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}

// loadConfig loads cfgPath if non-empty, otherwise returns the built-in
// defaults directly (orchestratord's zero-config mode). The returned closer
// stops the file watcher, if any.
func loadConfig(ctx context.Context, cfgPath string) (*config.Config, func(), error) {
	if cfgPath == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		return cfg, nil, nil
	}

	fileProvider, err := provider.NewFileProvider(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestratord: open config provider: %w", err)
	}
	loader := config.NewLoader(fileProvider)
	cfg, err := loader.Load(ctx)
	if err != nil {
		fileProvider.Close()
		return nil, nil, fmt.Errorf("orchestratord: load config: %w", err)
	}
	return cfg, func() { fileProvider.Close() }, nil
}

func main() {
	// Load .env before flag parsing so OPENAI_API_KEY/GEMINI_API_KEY and any
	// operator-supplied DSNs can live in a file instead of the shell. A
	// missing .env is not an error; an unreadable one that exists is.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "orchestratord: load .env: %v\n", err)
		os.Exit(1)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("orchestratord"),
		kong.Description("Reference CLI for the CAD orchestration core."),
		kong.UsageOnError(),
	)

	level, _ := logging.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, ferr := logging.OpenLogFile(cli.LogFile)
		if ferr != nil {
			fmt.Fprintf(os.Stderr, "orchestratord: open log file: %v\n", ferr)
			os.Exit(1)
		}
		defer cleanup()
		output = f
	}
	logging.Init(level, output, cli.LogFormat)

	kctx.FatalIfErrorf(kctx.Run(&cli))
}
