package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/medulla-ai/medulla/internal/agent"
	"github.com/medulla-ai/medulla/internal/brainstem"
	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/contextwindow"
	"github.com/medulla-ai/medulla/internal/costs"
	"github.com/medulla-ai/medulla/internal/gateway"
	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/journal"
	"github.com/medulla-ai/medulla/internal/lifecycle"
	"github.com/medulla-ai/medulla/internal/llm"
	"github.com/medulla-ai/medulla/internal/memory"
	"github.com/medulla-ai/medulla/internal/modes"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/routing"
	"github.com/medulla-ai/medulla/internal/search"
	"github.com/medulla-ai/medulla/internal/sensors"
	"github.com/medulla-ai/medulla/internal/server"
	"github.com/medulla-ai/medulla/internal/sessions"
	"github.com/medulla-ai/medulla/internal/telemetry"
	"github.com/medulla-ai/medulla/internal/tools"
	"github.com/medulla-ai/medulla/internal/tools/builtin"
	"github.com/medulla-ai/medulla/pkg/models"
)

// runtime is the fully wired process: every component behind the serve
// command, plus the handles shutdown needs.
type runtime struct {
	cfg    *config.Config
	logger *observability.Logger
	events *observability.EventLog

	policy       *governance.Policy
	modeMgr      *modes.Manager
	sessionMgr   *sessions.Manager
	repo         *sessions.SQLRepository
	orchestrator *agent.Orchestrator
	journal      *journal.Journal
	gateway      *gateway.Gateway
	scheduler    *brainstem.Scheduler
	httpServer   *server.Server
	shipper      *observability.Shipper
	fileJournal  *observability.FileJournal
	stopTracing  func(context.Context) error
}

// buildRuntime assembles the process from configuration. Optional
// collaborators (search index, extraction model, gateway) degrade to
// disabled rather than failing startup; invalid configuration and governance
// fail hard.
func buildRuntime(ctx context.Context, configPath string) (*runtime, error) {
	config.LoadEnvFiles(".")

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "medulla",
		ServiceVersion: version,
		Environment:    config.CurrentEnv(),
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	fileJournal, err := observability.NewFileJournal(cfg.Telemetry.Root)
	if err != nil {
		return nil, fmt.Errorf("open telemetry journal: %w", err)
	}
	events := observability.NewEventLog(logger, fileJournal)

	searchClient := search.New(cfg.Search, logger)
	var shipper *observability.Shipper
	if cfg.Telemetry.Shipper.Enabled {
		shipper, err = observability.NewShipperFromBackend(searchClient, observability.ShipperConfig{
			IndexName:        cfg.Telemetry.Shipper.IndexName,
			QueueSize:        cfg.Telemetry.Shipper.QueueSize,
			FailureThreshold: cfg.Telemetry.Shipper.FailureThreshold,
			Cooldown:         time.Duration(cfg.Telemetry.Shipper.CooldownSeconds) * time.Second,
		}, logger, metrics)
		if err != nil {
			logger.Warn(ctx, "event shipper disabled", "error", err)
		} else {
			events.AddSink(shipper)
		}
	}

	policy, err := governance.Load(cfg.Governance.Dir)
	if err != nil {
		return nil, fmt.Errorf("load governance: %w", err)
	}

	modeMgr := modes.NewManager(policy, events, logger, modes.WithMetrics(metrics))

	repo, err := sessions.OpenSQLRepository(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open session repository: %w", err)
	}
	sessionMgr := sessions.NewManager(logger, events, sessions.WithRepository(repo))

	collector := sensors.New(logger)
	registry := tools.NewRegistry()
	if err := builtin.RegisterAll(registry, collector); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	gw := gateway.New(cfg.Gateway, policy, logger, events)
	if err := gw.Init(ctx); err != nil {
		return nil, fmt.Errorf("gateway init: %w", err)
	}
	if gw.Enabled() {
		if err := gw.RegisterAll(registry); err != nil {
			return nil, fmt.Errorf("register gateway tools: %w", err)
		}
	}

	executor := tools.NewExecutor(registry, policy, modeMgr, events, logger,
		tools.WithExecutorMetrics(metrics))

	apiKey := os.Getenv("MEDULLA_API_KEY")
	pool := llm.NewPool(policy, apiKey, logger,
		llm.WithClientMetrics(metrics), llm.WithEvents(events))

	routerOpts := []routing.Option{}
	if cfg.Router.LLMConsult {
		routerOpts = append(routerOpts, routing.WithConsultant(llm.NewRouterConsultant(pool)))
	}
	router := routing.New(cfg.Router, cfg.Roles, policy, logger, events, routerOpts...)

	// Accurate token counting against the STANDARD role's model when its
	// encoding is known; the estimator covers everything else.
	windowOpts := []contextwindow.Option{}
	if spec, ok := policy.Models[string(models.ModelRoleStandard)]; ok && spec.ID != "" {
		windowOpts = append(windowOpts, contextwindow.WithCounter(contextwindow.CounterForModel(spec.ID, logger)))
	}
	window := contextwindow.New(logger, windowOpts...)

	jrnl, err := journal.Open(cfg.Telemetry.Root, logger, events)
	if err != nil {
		return nil, fmt.Errorf("open captains log: %w", err)
	}
	captures := journal.NewCaptures(cfg.Telemetry.Root, logger)

	orchestrator := agent.New(cfg.Agent, policy, sessionMgr, router, pool, registry,
		executor, modeMgr, window, events, logger,
		agent.WithCaptures(captures), agent.WithMetrics(metrics), agent.WithTracer(tracer))

	queries := telemetry.NewQueries(cfg.Telemetry.Root, logger)
	ledger, err := costs.NewLedger(cfg.Telemetry.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("open cost ledger: %w", err)
	}

	lifecycleOpts := []lifecycle.Option{}
	if searchClient != nil {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithIndexCleaner(searchClient, cfg.Search.Index))
	}
	lifecycleMgr := lifecycle.NewManager(cfg.Telemetry.Root, events, logger, lifecycleOpts...)

	// One graph serves both the consolidation writer and the quality monitor.
	graph := memory.NewGraph(logger)

	scheduler := brainstem.NewScheduler(cfg.Brainstem, logger, brainstem.WithMetrics(metrics))
	scheduler.Register(brainstem.NewSensorPollLoop(collector, modeMgr, events))
	scheduler.Register(brainstem.NewQualityMonitorLoop(graph, events))
	scheduler.Register(brainstem.NewThresholdOptimizerLoop(queries, policy, jrnl, logger))
	scheduler.Register(brainstem.NewInsightsEngineLoop(queries, ledger, cfg.Costs.WeeklyBudgetUSD, jrnl, events, logger))
	scheduler.Register(brainstem.NewLifecycleLoop(lifecycleMgr))
	if cfg.Memory.Enabled && cfg.Extraction.Enabled {
		extractor := llm.NewExtractor(os.Getenv("ANTHROPIC_API_KEY"), cfg.Extraction.Model, cfg.Extraction.MaxTokens, logger)
		scheduler.Register(brainstem.NewConsolidationLoop(captures, extractor, graph, events, logger))
	}

	httpServer := server.New(cfg.Server, orchestrator, sessionMgr, modeMgr, logger,
		server.WithMetrics(metrics))

	return &runtime{
		cfg:          cfg,
		logger:       logger,
		events:       events,
		policy:       policy,
		modeMgr:      modeMgr,
		sessionMgr:   sessionMgr,
		repo:         repo,
		orchestrator: orchestrator,
		journal:      jrnl,
		gateway:      gw,
		scheduler:    scheduler,
		httpServer:   httpServer,
		shipper:      shipper,
		fileJournal:  fileJournal,
		stopTracing:  stopTracing,
	}, nil
}

// shutdown tears the process down in dependency order: stop admitting
// requests, stop the loops, reap the gateway child, flush the shipper, close
// the journals.
func (r *runtime) shutdown(ctx context.Context) {
	if err := r.httpServer.Shutdown(ctx); err != nil {
		r.logger.Warn(ctx, "http drain incomplete", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := r.scheduler.Stop(stopCtx); err != nil {
		r.logger.Warn(ctx, "scheduler stop incomplete", "error", err)
	}
	cancel()

	r.gateway.Shutdown(ctx)

	if r.shipper != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.shipper.Close(flushCtx); err != nil {
			r.logger.Warn(ctx, "shipper flush incomplete", "error", err)
		}
		cancel()
	}

	if err := r.journal.Close(); err != nil {
		r.logger.Warn(ctx, "captains log close", "error", err)
	}
	if err := r.repo.Close(); err != nil {
		r.logger.Warn(ctx, "session repository close", "error", err)
	}
	if err := r.fileJournal.Close(); err != nil {
		r.logger.Warn(ctx, "telemetry journal close", "error", err)
	}
	if err := r.stopTracing(ctx); err != nil {
		r.logger.Warn(ctx, "tracer shutdown", "error", err)
	}
	r.logger.Info(ctx, "medulla stopped")
}
