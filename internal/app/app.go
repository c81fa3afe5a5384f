// Package app assembles a running conclave service from resolved
// configuration: stores, model providers, the orchestration engine, the HTTP
// surface, and the background jobs around them. New wires everything in
// dependency order; Run owns the serve loop and the graceful teardown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	conclave "github.com/nevindra/conclave"
	"github.com/nevindra/conclave/httpapi"
	"github.com/nevindra/conclave/internal/config"
	"github.com/nevindra/conclave/observer"
	"github.com/nevindra/conclave/provider/openaicompat"
)

const shutdownGrace = 5 * time.Second

// defaultSpecialists is the roster registered at boot. Each entry's
// capabilities double as the classifier's keyword fallback vocabulary.
var defaultSpecialists = []struct {
	name         string
	capabilities []string
}{
	{"engineering", []string{"code", "debugging", "architecture", "systems design", "performance"}},
	{"research", []string{"research", "retrieval", "synthesis", "sources", "documentation"}},
	{"ethics", []string{"ethics", "reasoning", "critique", "tradeoffs", "risk"}},
}

// App is one fully wired conclave instance.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	engine  *conclave.Orchestrator
	memory  *conclave.Memory
	prompts *conclave.PromptStore
	server  *http.Server
	jobs    *cron.Cron

	otelStop func(context.Context) error
	closers  []func() error
}

// New wires an App from configuration. version is what the health endpoint
// reports. The context bounds slow setup work such as opening a postgres
// pool; it does not outlive New.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := newLogger(cfg.Log.Level)
	a := &App{cfg: cfg, logger: logger}

	var (
		inst    *observer.Instruments
		tracer  conclave.Tracer
		metrics conclave.RunMetrics
	)
	if cfg.Observer.OTLPEndpoint != "" {
		if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.OTLPEndpoint)
		}
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{
				InputPerMillion:  p.Input,
				OutputPerMillion: p.Output,
			}
		}
		var stop func(context.Context) error
		var err error
		inst, stop, err = observer.Init(ctx, pricing)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		a.otelStop = stop
		tracer = observer.NewTracer()
		metrics = observer.NewMetrics(inst)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, st.closers...)

	// Rate limiting wraps the raw client; the observer wrapper sits
	// outermost so its latency histograms include time spent waiting for
	// a slot.
	var provider conclave.Provider = openaicompat.NewProvider(
		cfg.Model.APIKey, cfg.Model.ID, cfg.Model.BaseURL)
	provider = conclave.WithRateLimit(provider,
		conclave.RPM(cfg.Model.RPM), conclave.TPM(cfg.Model.TPM))
	var embedder conclave.EmbeddingProvider = openaicompat.NewEmbedder(
		cfg.Embedding.APIKey, cfg.Embedding.ModelID, cfg.Embedding.BaseURL,
		cfg.Embedding.Dimension)
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.Model.ID, inst)
		embedder = observer.WrapEmbedding(embedder, cfg.Embedding.ModelID, inst)
	}

	promptOpts := []conclave.PromptOption{conclave.WithPromptLogger(logger)}
	if cfg.Prompt.Dir != "" {
		promptOpts = append(promptOpts, conclave.WithPromptDir(cfg.Prompt.Dir))
	}
	prompts, err := conclave.NewPromptStore(promptOpts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("prompt store: %w", err)
	}
	a.prompts = prompts

	gwOpts := []conclave.GatewayOption{
		conclave.WithModelDefaults(cfg.Model.ID, cfg.Model.MaxTokens, cfg.Model.Temperature),
		conclave.WithContextBudget(cfg.Model.ContextTokens),
		conclave.WithGatewayLogger(logger),
	}
	if tracer != nil {
		gwOpts = append(gwOpts,
			conclave.WithGatewayTracer(tracer),
			conclave.WithGatewayMetrics(metrics))
	}
	gateway := conclave.NewGateway(provider, gwOpts...)

	memory := conclave.NewMemory(st.vectors, st.documents, st.relations, st.sessions,
		embedder, conclave.WithMemoryLogger(logger))
	a.memory = memory
	ingestor := conclave.NewIngestor(memory, conclave.WithIngestLogger(logger))

	registry := conclave.NewRegistry()
	for _, sp := range defaultSpecialists {
		agentOpts := []conclave.AgentOption{
			conclave.WithCapabilities(sp.capabilities...),
			conclave.WithAgentLogger(logger),
		}
		if tracer != nil {
			agentOpts = append(agentOpts, conclave.WithAgentTracer(tracer))
		}
		if err := registry.Register(conclave.NewSpecialist(sp.name, gateway, prompts, agentOpts...)); err != nil {
			a.close()
			return nil, fmt.Errorf("register agent %s: %w", sp.name, err)
		}
	}

	agentTimeout := time.Duration(cfg.Engine.AgentTimeoutS) * time.Second

	clsOpts := []conclave.ClassifierOption{
		conclave.WithDefaultAgent(cfg.Engine.DefaultAgent),
		conclave.WithClassifierLogger(logger),
	}
	if tracer != nil {
		clsOpts = append(clsOpts, conclave.WithClassifierTracer(tracer))
	}
	classifier := conclave.NewClassifier(gateway, prompts, registry, clsOpts...)

	decOpts := []conclave.DecomposerOption{conclave.WithDecomposerLogger(logger)}
	if tracer != nil {
		decOpts = append(decOpts, conclave.WithDecomposerTracer(tracer))
	}
	decomposer := conclave.NewDecomposer(gateway, prompts, registry, decOpts...)

	exOpts := []conclave.ExecutorOption{
		conclave.WithTaskTimeout(agentTimeout),
		conclave.WithExecutorLogger(logger),
	}
	if cfg.Engine.MaxConcurrentAgents > 0 {
		exOpts = append(exOpts, conclave.WithConcurrency(cfg.Engine.MaxConcurrentAgents))
	}
	if tracer != nil {
		exOpts = append(exOpts,
			conclave.WithExecutorTracer(tracer),
			conclave.WithExecutorMetrics(metrics))
	}
	executor := conclave.NewExecutor(registry, exOpts...)

	aggOpts := []conclave.AggregatorOption{conclave.WithAggregatorLogger(logger)}
	if tracer != nil {
		aggOpts = append(aggOpts, conclave.WithAggregatorTracer(tracer))
	}
	aggregator := conclave.NewAggregator(gateway, prompts, aggOpts...)

	guard := conclave.NewQueryGuard(
		conclave.WithGuardMode(conclave.GuardMode(cfg.Guard.Mode)),
		conclave.WithGuardLogger(logger),
	)

	orchOpts := []conclave.OrchestratorOption{
		conclave.WithClassifier(classifier),
		conclave.WithDecomposer(decomposer),
		conclave.WithExecutor(executor),
		conclave.WithAggregator(aggregator),
		conclave.WithQueryGuard(guard),
		conclave.WithRequestTimeout(time.Duration(cfg.Engine.RequestTimeoutS) * time.Second),
		conclave.WithAgentTimeout(agentTimeout),
		conclave.WithFailureMarker(cfg.Engine.FailureMarker),
		conclave.WithOrchestratorLogger(logger),
	}
	if tracer != nil {
		orchOpts = append(orchOpts,
			conclave.WithOrchestratorTracer(tracer),
			conclave.WithOrchestratorMetrics(metrics))
	}
	engine := conclave.NewOrchestrator(gateway, prompts, memory, st.sessions, registry, orchOpts...)
	a.engine = engine

	// Persisted agent config is best effort: a corrupt entry should not
	// keep the service from booting.
	if err := engine.RestoreAgentConfig(ctx); err != nil {
		logger.Warn("restore agent config", "error", err)
	}

	api := httpapi.NewServer(engine, memory, ingestor, st.sessions,
		httpapi.WithVersion(version),
		httpapi.WithServerLogger(logger))
	a.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Memory.DecayCron != "" {
		jobs := cron.New()
		_, err := jobs.AddFunc(cfg.Memory.DecayCron, func() {
			removed, err := memory.Decay(context.Background(), cfg.Memory.DecayFactor, cfg.Memory.DecayFloor)
			if err != nil {
				logger.Warn("memory decay failed", "error", err)
				return
			}
			logger.Info("memory decay", "removed", removed)
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("decay schedule %q: %w", cfg.Memory.DecayCron, err)
		}
		a.jobs = jobs
	}

	return a, nil
}

// Engine exposes the orchestrator, mainly so embedding callers can register
// additional agents or drive requests without going through HTTP.
func (a *App) Engine() *conclave.Orchestrator { return a.engine }

// Run serves HTTP until ctx is cancelled or the listener fails, then tears
// down in reverse construction order. Cancellation is the normal shutdown
// path and returns nil.
func (a *App) Run(ctx context.Context) error {
	if err := a.prompts.Watch(ctx); err != nil {
		a.logger.Warn("prompt hot reload unavailable", "error", err)
	}
	if a.jobs != nil {
		a.jobs.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("conclave listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var cause error
	select {
	case <-ctx.Done():
	case cause = <-errCh:
	}

	a.logger.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(shCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	if a.jobs != nil {
		// Stop's context completes once in-flight jobs finish.
		<-a.jobs.Stop().Done()
	}
	a.close()
	return cause
}

// RunWithSignal runs until an interrupt or termination signal arrives.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// close releases telemetry and storage handles in reverse open order. Safe
// on a partially constructed App.
func (a *App) close() {
	if a.otelStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := a.otelStop(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
		cancel()
		a.otelStop = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("store close", "error", err)
		}
	}
	a.closers = nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
