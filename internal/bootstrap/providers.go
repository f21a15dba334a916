package bootstrap

import (
	"context"
	"io"

	chclient "costops/internal/adapters/clickhouse"
	"costops/internal/adapters/config"
	errnoop "costops/internal/adapters/errors/noop"
	"costops/internal/adapters/errors/sentry"
	pgclient "costops/internal/adapters/postgres"
	redisclient "costops/internal/adapters/redis"
	"costops/internal/adapters/sink"
	"costops/internal/api"
	"costops/internal/api/health"
	"costops/internal/domain/usage"
	"costops/internal/metrics"
	chrepo "costops/internal/repository/clickhouse"
	"costops/internal/repository/memory"
	pgrepo "costops/internal/repository/postgres"
	"costops/internal/services/aggregation"
	budgetsvc "costops/internal/services/budget"
	"costops/internal/services/cost"
	dlqsvc "costops/internal/services/dlq"
	"costops/internal/services/forecast"
	govsvc "costops/internal/services/governance"
	"costops/internal/services/ingestion"
	"costops/internal/services/pricebook"
	"costops/internal/services/ratelimit"
	"costops/pkg/errors"
	"costops/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
)

// ========================================
// Phase 1: Configuration & Logging
// ========================================

func (c *Container) initConfig(_ context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	c.Config = cfg

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		return errors.NewDomainError(errors.KindConfigInvalid, "logger", "failed to init logger", err)
	}

	c.Log = logger.Get()
	c.Log.Infow("Starting "+cfg.App.Name,
		"env", cfg.App.Env,
		"version", c.Version,
		"storage", cfg.Storage.Driver,
		"audit_sink", cfg.AuditSink.Kind,
	)

	c.ErrorTracker = provideErrorTracker(cfg, c.Version, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)
	return nil
}

func provideErrorTracker(cfg *config.Config, version string, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled {
		return errnoop.New()
	}
	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment, version)
	if err != nil {
		log.Warnw("Sentry unavailable, falling back to no-op tracker", "error", err)
		return errnoop.New()
	}
	log.Info("✓ Sentry error tracking enabled")
	return tracker
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// initInfrastructure connects the configured data stores. Postgres is
// required unless the memory driver is selected; ClickHouse and Redis are
// optional.
func (c *Container) initInfrastructure(ctx context.Context) error {
	var err error

	if c.Config.Storage.Driver == config.StorageDriverPostgres {
		c.Log.Info("Connecting to PostgreSQL...")
		c.PG, err = pgclient.NewClient(ctx, c.Config.Postgres)
		if err != nil {
			return err
		}
		if c.Config.Postgres.Migrate {
			if err := pgrepo.Migrate(ctx, c.PG.DB()); err != nil {
				return errors.NewDomainError(errors.KindDependencyMissing, "postgres", "schema migration failed", err)
			}
		}
		c.Log.Info("✓ PostgreSQL connected")
	}

	if c.Config.ClickHouse.Enabled() {
		c.Log.Info("Connecting to ClickHouse...")
		c.CH, err = chclient.NewClient(ctx, c.Config.ClickHouse)
		if err != nil {
			return err
		}
		c.Log.Infow("✓ ClickHouse connected", "database", c.CH.Database())
	}

	if c.Config.Redis.Enabled() {
		c.Log.Info("Connecting to Redis...")
		c.Redis, err = redisclient.NewClient(ctx, c.Config.Redis)
		if err != nil {
			// the limiter degrades to per-instance windows
			c.Log.Warnw("Redis unreachable, using local rate limiting", "error", err)
			c.Redis = nil
		} else {
			c.Log.Info("✓ Redis connected")
		}
	}
	return nil
}

// ========================================
// Phase 3: Repositories
// ========================================

func (c *Container) initRepositories(_ context.Context) error {
	if c.PG == nil {
		store := memory.NewUsageStore()
		c.Repos.Usage = store
		c.Repos.Storage = store
		c.Repos.Prices = memory.NewPriceTableRepository()
		c.Repos.Budgets = memory.NewBudgetRepository()
		c.Repos.DLQ = memory.NewDLQRepository()
		c.Log.Warn("Using in-memory storage, data is lost on restart")
		return nil
	}

	db := c.PG.DB()
	store := pgrepo.NewUsageStore(db)
	c.Repos.Usage = store
	c.Repos.Storage = store
	c.Repos.Prices = pgrepo.NewPriceTableRepository(db)
	c.Repos.Budgets = pgrepo.NewBudgetRepository(db)
	c.Repos.DLQ = pgrepo.NewDLQRepository(db)
	return nil
}

// ========================================
// Phase 4: Adapters (server only)
// ========================================

func (c *Container) initAdapters(_ context.Context) error {
	cfg := c.Config

	transport, err := sink.NewTransport(cfg.AuditSink, cfg.Kafka.Brokers)
	if err != nil {
		return err
	}
	c.Adapters.SinkTransport = transport

	c.Adapters.Spool, err = sink.OpenSpool(cfg.AuditSink.SpoolPath, c.Log)
	if err != nil {
		return errors.NewDomainError(errors.KindDependencyMissing, "audit_sink", "cannot open spool "+cfg.AuditSink.SpoolPath, err)
	}

	c.Adapters.Sink = sink.NewDispatcher(transport, c.Adapters.Spool, sink.OptionsFromConfig(cfg.AuditSink), c.Log)
	c.Log.Infow("✓ Audit sink ready", "transport", transport.Name(), "spool", cfg.AuditSink.SpoolPath)

	if c.CH != nil {
		c.Adapters.CostMirror = chrepo.NewCostMirror(c.CH.Conn(), cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval, c.Log)
	}
	return nil
}

// ========================================
// Phase 5: Services
// ========================================

func (c *Container) initServices(_ context.Context) error {
	cfg := c.Config
	s := c.Services

	var rdb *goredis.Client
	if c.Redis != nil {
		rdb = c.Redis.Client()
	}
	limiter, err := ratelimit.New(cfg.RateLimit, rdb, c.Log)
	if err != nil {
		return err
	}
	s.Limiter = limiter

	s.PriceBook = pricebook.NewService(c.Repos.Prices, c.Log)
	s.Importer = pricebook.NewImporter(s.PriceBook)
	s.Calculator = cost.NewCalculator()
	s.DLQQueue = dlqsvc.NewQueue(c.Repos.DLQ, dlqsvc.PolicyFromConfig(cfg.DLQ), c.Log)
	s.Aggregation = aggregation.NewService(c.Repos.Usage, c.Log)
	s.Forecaster = forecast.New(cfg.Forecast, c.Log)

	var notifier ingestion.CostNotifier
	if c.Adapters.Sink != nil {
		s.Emitter = govsvc.NewEmitter(c.Adapters.Sink, c.Version, govsvc.LimitsFromConfig(cfg.Signal), c.Log)
		evaluator := budgetsvc.NewEvaluator(s.Forecaster, cfg.Forecast.ConfidenceLevel, c.Log)
		s.Budgets = budgetsvc.NewService(c.Repos.Budgets, s.Aggregation, evaluator, s.Emitter, cfg.Forecast.HistoryDays, c.Log)
		s.Anomaly = govsvc.NewAnomalyProbe(s.Aggregation, s.Emitter, cfg.Forecast.MinPoints, cfg.Budget.AnomalySigmas, cfg.Forecast.HistoryDays, c.Log)

		c.Background.BudgetMonitor = budgetsvc.NewMonitor(s.Budgets, cfg.Budget.QueueSize, c.Log)
		notifier = c.Background.BudgetMonitor
	}

	// a typed nil must not reach the coordinator
	var mirror usage.CostMirror
	if c.Adapters.CostMirror != nil {
		mirror = c.Adapters.CostMirror
	}

	s.Ingestion = ingestion.NewCoordinator(
		s.Limiter,
		c.Repos.Usage,
		s.PriceBook,
		s.Calculator,
		s.DLQQueue,
		notifier,
		mirror,
		ingestion.OptionsFromConfig(cfg.Ingestion),
		c.Log,
	)
	s.DLQProcessor = dlqsvc.NewProcessor(c.Repos.DLQ, s.Ingestion.Replay, dlqsvc.ProcessorConfigFromConfig(cfg.DLQ), c.Log)

	c.Log.Info("✓ Services initialized")
	return nil
}

// ========================================
// Phase 6: Application Layer
// ========================================

func (c *Container) initApplication(_ context.Context) error {
	cfg := c.Config

	var redisPinger health.Pinger
	if c.Redis != nil {
		redisPinger = c.Redis
	}
	c.Application.HealthHandler = health.New(c.Log, c.Repos.Storage, c.Adapters.Sink, redisPinger, cfg.App.Name, c.Version)

	handlers := api.NewHandlers(api.Deps{
		Ingestor:    c.Services.Ingestion,
		Costs:       c.Services.Aggregation,
		Budgets:     c.Services.Budgets,
		Importer:    c.Services.Importer,
		Prices:      c.Services.PriceBook,
		DLQ:         c.Services.DLQQueue,
		DLQReplayer: c.Services.DLQProcessor,
	}, api.HandlerOptions{
		MaxBodyBytes:   cfg.Ingestion.MaxBodyBytes,
		RequestTimeout: cfg.Ingestion.RequestTimeout,
	}, c.Log)

	c.Application.HTTPServer = api.NewServer(api.ServerConfig{
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		RequestTimeout: cfg.Ingestion.RequestTimeout,
		ServiceName:    cfg.App.Name,
		Version:        c.Version,
	}, handlers, c.Application.HealthHandler, c.Log)
	return nil
}

// ========================================
// Phase 7: Background
// ========================================

func (c *Container) initBackground(_ context.Context) error {
	c.Background.WorkerScheduler = provideWorkers(c.Config, c.Services, c.Adapters.Sink, c.Log)
	if c.Application.HealthHandler != nil {
		c.Application.HealthHandler.WithWorkers(c.Background.WorkerScheduler.Registry())
	}
	return nil
}

func (c *Container) startMetrics() {
	var spoolDepth metrics.SpoolDepthFunc
	if c.Adapters.Sink != nil {
		spoolDepth = c.Adapters.Sink.SpoolDepth
	}
	metrics.Init(metrics.NewQueueCollector(c.Log, c.Repos.DLQ, spoolDepth))
}

func closeQuietly(name string, v interface{}, log *logger.Logger) {
	closer, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warnw("Close failed", "component", name, "error", err)
	}
}
