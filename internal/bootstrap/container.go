package bootstrap

import (
	"context"
	"sync"

	chclient "costops/internal/adapters/clickhouse"
	"costops/internal/adapters/config"
	pgclient "costops/internal/adapters/postgres"
	redisclient "costops/internal/adapters/redis"
	"costops/internal/adapters/sink"
	"costops/internal/api"
	"costops/internal/api/health"
	"costops/internal/domain/budget"
	"costops/internal/domain/dlq"
	"costops/internal/domain/pricing"
	"costops/internal/domain/usage"
	chrepo "costops/internal/repository/clickhouse"
	"costops/internal/services/aggregation"
	budgetsvc "costops/internal/services/budget"
	"costops/internal/services/cost"
	dlqsvc "costops/internal/services/dlq"
	"costops/internal/services/forecast"
	govsvc "costops/internal/services/governance"
	"costops/internal/services/ingestion"
	"costops/internal/services/pricebook"
	"costops/internal/services/ratelimit"
	"costops/internal/workers"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

// Container holds all application dependencies and their lifecycle.
// Components are organized in initialization order.
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker
	Version      string

	// Infrastructure Layer (data stores). CH and Redis are optional.
	PG    *pgclient.Client
	CH    *chclient.Client
	Redis *redisclient.Client

	Repos       *Repositories
	Adapters    *Adapters
	Services    *Services
	Application *Application
	Background  *Background

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Repositories groups the storage ports, backed by postgres or memory
type Repositories struct {
	Usage   usage.Store
	Prices  pricing.Repository
	Budgets budget.Repository
	DLQ     dlq.Repository
	Storage health.Pinger
}

// Adapters groups outbound adapters that only the server needs
type Adapters struct {
	SinkTransport sink.Transport
	Spool         *sink.Spool
	Sink          *sink.Dispatcher
	CostMirror    *chrepo.CostMirror
}

// Services groups the domain services
type Services struct {
	Limiter      ratelimit.Limiter
	PriceBook    *pricebook.Service
	Importer     *pricebook.Importer
	Calculator   *cost.Calculator
	DLQQueue     *dlqsvc.Queue
	DLQProcessor *dlqsvc.Processor
	Ingestion    *ingestion.Coordinator
	Aggregation  *aggregation.Service
	Forecaster   *forecast.Forecaster

	// nil in tooling mode (no audit sink)
	Emitter *govsvc.Emitter
	Anomaly *govsvc.AnomalyProbe
	Budgets *budgetsvc.Service
}

// Application groups the HTTP surface
type Application struct {
	HTTPServer    *api.Server
	HealthHandler *health.Handler
}

// Background groups background processing components
type Background struct {
	BudgetMonitor   *budgetsvc.Monitor
	WorkerScheduler *workers.Scheduler
}

// NewContainer creates a new dependency container
func NewContainer(version string) *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Version:     version,
		Repos:       &Repositories{},
		Adapters:    &Adapters{},
		Services:    &Services{},
		Application: &Application{},
		Background:  &Background{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// Init builds every component the server needs, in dependency order. The
// returned error carries the taxonomy kind the entrypoint maps to an exit
// code (config_invalid, dependency_unavailable).
func (c *Container) Init(ctx context.Context) error {
	steps := []func(context.Context) error{
		c.initConfig,
		c.initInfrastructure,
		c.initRepositories,
		c.initAdapters,
		c.initServices,
		c.initApplication,
		c.initBackground,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// InitTooling builds storage and the core services for one-shot CLI
// commands. No audit sink, mirror, HTTP server or workers are created.
func (c *Container) InitTooling(ctx context.Context) error {
	steps := []func(context.Context) error{
		c.initConfig,
		c.initInfrastructure,
		c.initRepositories,
		c.initServices,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start starts all background components and the HTTP server. It returns
// once they are running; a fatal HTTP error cancels c.Context.
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	c.startMetrics()

	// The spool must be drained before new events queue behind it
	c.Adapters.Sink.Start(c.Context)
	if n, err := c.Adapters.Sink.Replay(c.Context); err != nil {
		c.Log.Warnw("Startup spool replay incomplete", "replayed", n, "error", err)
	} else if n > 0 {
		c.Log.Infow("✓ Spooled decision events replayed", "count", n)
	}

	if c.Adapters.CostMirror != nil {
		c.Adapters.CostMirror.Start(c.Context)
		c.Log.Info("✓ ClickHouse cost mirror started")
	}

	c.Background.BudgetMonitor.Start(c.Context)

	if err := c.Background.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorw("HTTP server failed", "error", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	c.Log.Info("✓ All systems operational")
	return nil
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	if c.Log == nil {
		c.Cancel()
		return
	}
	c.Log.Info("Initiating graceful shutdown...")
	c.Cancel()

	c.Lifecycle.Shutdown(c.WG, Components{
		HTTPServer:      c.Application.HTTPServer,
		HTTPTimeout:     c.Config.HTTP.ShutdownTimeout,
		WorkerScheduler: c.Background.WorkerScheduler,
		BudgetMonitor:   c.Background.BudgetMonitor,
		Sink:            c.Adapters.Sink,
		SinkTransport:   c.Adapters.SinkTransport,
		Spool:           c.Adapters.Spool,
		CostMirror:      c.Adapters.CostMirror,
		PG:              c.PG,
		CH:              c.CH,
		Redis:           c.Redis,
		ErrorTracker:    c.ErrorTracker,
	}, c.Log)
}

// Close releases what InitTooling opened
func (c *Container) Close() {
	c.Cancel()
	if c.Log == nil {
		return
	}
	c.Lifecycle.Shutdown(c.WG, Components{
		PG:           c.PG,
		CH:           c.CH,
		Redis:        c.Redis,
		ErrorTracker: c.ErrorTracker,
	}, c.Log)
}
