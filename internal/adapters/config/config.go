package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"costops/pkg/errors"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	SinkKindHTTP  = "http"
	SinkKindKafka = "kafka"
)

type Config struct {
	App           AppConfig
	HTTP          HTTPConfig
	Storage       StorageConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	RateLimit     RateLimitConfig
	DLQ           DLQConfig
	AuditSink     AuditSinkConfig
	Forecast      ForecastConfig
	Signal        SignalConfig
	Ingestion     IngestionConfig
	Budget        BudgetConfig
	ErrorTracking ErrorTrackingConfig
	Workers       WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"costops"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type HTTPConfig struct {
	Port            int           `envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"30s"`
}

type StorageConfig struct {
	Driver string `envconfig:"STORAGE_DRIVER" default:"postgres"`
}

type PostgresConfig struct {
	Host        string        `envconfig:"POSTGRES_HOST"`
	Port        int           `envconfig:"POSTGRES_PORT" default:"5432"`
	User        string        `envconfig:"POSTGRES_USER"`
	Password    string        `envconfig:"POSTGRES_PASSWORD"`
	Database    string        `envconfig:"POSTGRES_DB"`
	SSLMode     string        `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns    int           `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
	ConnMaxLife time.Duration `envconfig:"POSTGRES_CONN_MAX_LIFETIME" default:"1h"`
	Migrate     bool          `envconfig:"POSTGRES_MIGRATE" default:"true"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// ClickHouse is optional; an empty host disables the cost mirror.
type ClickHouseConfig struct {
	Host          string        `envconfig:"CLICKHOUSE_HOST"`
	Port          int           `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User          string        `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password      string        `envconfig:"CLICKHOUSE_PASSWORD"`
	Database      string        `envconfig:"CLICKHOUSE_DB" default:"costops"`
	BatchSize     int           `envconfig:"CLICKHOUSE_BATCH_SIZE" default:"500"`
	FlushInterval time.Duration `envconfig:"CLICKHOUSE_FLUSH_INTERVAL" default:"10s"`
	DialTimeout   time.Duration `envconfig:"CLICKHOUSE_DIAL_TIMEOUT" default:"5s"`
}

func (c ClickHouseConfig) Enabled() bool { return c.Host != "" }

// Redis is optional; when set the rate limiter window is shared across nodes.
type RedisConfig struct {
	Host        string        `envconfig:"REDIS_HOST"`
	Port        int           `envconfig:"REDIS_PORT" default:"6379"`
	Password    string        `envconfig:"REDIS_PASSWORD"`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize    int           `envconfig:"REDIS_POOL_SIZE" default:"20"`
	DialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"2s"`
	OpTimeout   time.Duration `envconfig:"REDIS_OP_TIMEOUT" default:"250ms"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RedisConfig) Enabled() bool { return c.Host != "" }

type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	GroupID string   `envconfig:"KAFKA_GROUP_ID" default:"costops"`
}

type RateLimitConfig struct {
	DefaultRPM  int      `envconfig:"RATE_LIMIT_DEFAULT_RPM" default:"600"`
	WindowSecs  float64  `envconfig:"RATE_LIMIT_WINDOW_SECS" default:"60"`
	Burst       int      `envconfig:"RATE_LIMIT_BURST" default:"60"`
	KeyPrefix   string   `envconfig:"RATE_LIMIT_KEY_PREFIX" default:"costops:rl"`
	Overrides   []string `envconfig:"RATE_LIMIT_OVERRIDES"`
	GraceSecs   int      `envconfig:"RATE_LIMIT_GRACE_SECS" default:"5"`
	Distributed bool     `envconfig:"RATE_LIMIT_DISTRIBUTED" default:"true"`
}

// Window returns the configured window width
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSecs * float64(time.Second))
}

// TenantLimit is a per-tenant replacement of the default (W, N, B)
type TenantLimit struct {
	Tenant string
	Limit  int
	Burst  int
	Window time.Duration
}

// ParseOverrides parses entries of the form "tenant:N/B/Wsecs"
func (c RateLimitConfig) ParseOverrides() ([]TenantLimit, error) {
	out := make([]TenantLimit, 0, len(c.Overrides))
	for _, raw := range c.Overrides {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		idx := strings.LastIndex(raw, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("rate limit override %q: expected tenant:N/B/W", raw)
		}
		parts := strings.Split(raw[idx+1:], "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("rate limit override %q: expected N/B/W", raw)
		}
		n, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, errors.Wrapf(err, "rate limit override %q: limit", raw)
		}
		b, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errors.Wrapf(err, "rate limit override %q: burst", raw)
		}
		w, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "rate limit override %q: window", raw)
		}
		if n <= 0 || b < 0 || w <= 0 {
			return nil, fmt.Errorf("rate limit override %q: values out of range", raw)
		}
		out = append(out, TenantLimit{
			Tenant: raw[:idx],
			Limit:  n,
			Burst:  b,
			Window: time.Duration(w * float64(time.Second)),
		})
	}
	return out, nil
}

type DLQConfig struct {
	MaxAttempts  int           `envconfig:"DLQ_MAX_ATTEMPTS" default:"5"`
	BaseDelayMS  int           `envconfig:"DLQ_BASE_DELAY_MS" default:"1000"`
	MaxDelayMS   int           `envconfig:"DLQ_MAX_DELAY_MS" default:"60000"`
	JitterMS     int           `envconfig:"DLQ_JITTER_MS" default:"500"`
	BatchSize    int           `envconfig:"DLQ_BATCH_SIZE" default:"32"`
	PollInterval time.Duration `envconfig:"DLQ_POLL_INTERVAL" default:"5s"`
	ReplayRPS    float64       `envconfig:"DLQ_REPLAY_RPS" default:"50"`
}

func (c DLQConfig) BaseDelay() time.Duration { return time.Duration(c.BaseDelayMS) * time.Millisecond }
func (c DLQConfig) MaxDelay() time.Duration  { return time.Duration(c.MaxDelayMS) * time.Millisecond }
func (c DLQConfig) Jitter() time.Duration    { return time.Duration(c.JitterMS) * time.Millisecond }

type AuditSinkConfig struct {
	Kind        string `envconfig:"AUDIT_SINK_KIND" default:"http"`
	Endpoint    string `envconfig:"AUDIT_SINK_ENDPOINT"`
	Topic       string `envconfig:"AUDIT_SINK_TOPIC" default:"costops.decision_events"`
	TimeoutMS   int    `envconfig:"AUDIT_SINK_TIMEOUT_MS" default:"30000"`
	MaxRetries  int    `envconfig:"AUDIT_SINK_MAX_RETRIES" default:"3"`
	BaseDelayMS int    `envconfig:"AUDIT_SINK_BASE_DELAY_MS" default:"1000"`
	MaxDelayMS  int    `envconfig:"AUDIT_SINK_MAX_DELAY_MS" default:"30000"`
	QueueSize   int    `envconfig:"AUDIT_SINK_QUEUE_SIZE" default:"256"`
	SpoolPath   string `envconfig:"AUDIT_SPOOL_PATH" default:"costops-spool.db"`
}

func (c AuditSinkConfig) Timeout() time.Duration   { return time.Duration(c.TimeoutMS) * time.Millisecond }
func (c AuditSinkConfig) BaseDelay() time.Duration { return time.Duration(c.BaseDelayMS) * time.Millisecond }
func (c AuditSinkConfig) MaxDelay() time.Duration  { return time.Duration(c.MaxDelayMS) * time.Millisecond }

type ForecastConfig struct {
	MinPoints       int           `envconfig:"FORECAST_MIN_POINTS" default:"7"`
	MaxHorizonDays  int           `envconfig:"FORECAST_MAX_HORIZON_DAYS" default:"365"`
	SoftDeadline    time.Duration `envconfig:"FORECAST_SOFT_DEADLINE" default:"5s"`
	Enabled         bool          `envconfig:"FORECAST_ENABLED" default:"true"`
	HistoryDays     int           `envconfig:"FORECAST_HISTORY_DAYS" default:"30"`
	ConfidenceLevel float64       `envconfig:"FORECAST_CONFIDENCE_LEVEL" default:"0.95"`
}

type SignalConfig struct {
	MaxTokens    int `envconfig:"SIGNAL_MAX_TOKENS" default:"1200"`
	MaxLatencyMS int `envconfig:"SIGNAL_MAX_LATENCY_MS" default:"2500"`
}

func (c SignalConfig) MaxLatency() time.Duration {
	return time.Duration(c.MaxLatencyMS) * time.Millisecond
}

type IngestionConfig struct {
	MaxSkew        time.Duration `envconfig:"INGEST_MAX_SKEW" default:"5m"`
	RequestTimeout time.Duration `envconfig:"INGEST_REQUEST_TIMEOUT" default:"30s"`
	Workers        int           `envconfig:"INGEST_WORKERS" default:"0"`
	MaxBodyBytes   int64         `envconfig:"INGEST_MAX_BODY_BYTES" default:"1048576"`
}

type BudgetConfig struct {
	QueueSize     int     `envconfig:"BUDGET_QUEUE_SIZE" default:"1024"`
	AnomalySigmas float64 `envconfig:"BUDGET_ANOMALY_SIGMAS" default:"3"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	Provider    string `envconfig:"ERROR_TRACKING_PROVIDER" default:"sentry"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// WorkerConfig contains intervals for background workers
type WorkerConfig struct {
	BudgetSweepInterval time.Duration `envconfig:"WORKER_BUDGET_SWEEP_INTERVAL" default:"15m"`
	SpoolReplayInterval time.Duration `envconfig:"WORKER_SPOOL_REPLAY_INTERVAL" default:"30s"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.NewDomainError(errors.KindConfigInvalid, "config", "failed to process env config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects invalid combinations before any worker starts
func (c *Config) Validate() error {
	var m errors.MultiError

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.Postgres.Host == "" || c.Postgres.User == "" || c.Postgres.Database == "" {
			m.Add(errors.NewValidationError("POSTGRES_HOST/POSTGRES_USER/POSTGRES_DB", "required when STORAGE_DRIVER=postgres", nil))
		}
	default:
		m.Add(errors.NewValidationError("STORAGE_DRIVER", "must be postgres or memory", c.Storage.Driver))
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		m.Add(errors.NewValidationError("HTTP_PORT", "out of range", c.HTTP.Port))
	}

	if c.RateLimit.DefaultRPM <= 0 {
		m.Add(errors.NewValidationError("RATE_LIMIT_DEFAULT_RPM", "must be positive", c.RateLimit.DefaultRPM))
	}
	if c.RateLimit.WindowSecs <= 0 {
		m.Add(errors.NewValidationError("RATE_LIMIT_WINDOW_SECS", "must be positive", c.RateLimit.WindowSecs))
	}
	if c.RateLimit.Burst < 0 {
		m.Add(errors.NewValidationError("RATE_LIMIT_BURST", "must not be negative", c.RateLimit.Burst))
	}
	if _, err := c.RateLimit.ParseOverrides(); err != nil {
		m.Add(errors.NewValidationError("RATE_LIMIT_OVERRIDES", err.Error(), nil))
	}

	if c.DLQ.MaxAttempts <= 0 {
		m.Add(errors.NewValidationError("DLQ_MAX_ATTEMPTS", "must be positive", c.DLQ.MaxAttempts))
	}
	if c.DLQ.BaseDelayMS <= 0 || c.DLQ.BaseDelayMS > c.DLQ.MaxDelayMS {
		m.Add(errors.NewValidationError("DLQ_BASE_DELAY_MS", "must be positive and not exceed DLQ_MAX_DELAY_MS", c.DLQ.BaseDelayMS))
	}
	if c.DLQ.JitterMS < 0 {
		m.Add(errors.NewValidationError("DLQ_JITTER_MS", "must not be negative", c.DLQ.JitterMS))
	}
	if c.DLQ.BatchSize <= 0 {
		m.Add(errors.NewValidationError("DLQ_BATCH_SIZE", "must be positive", c.DLQ.BatchSize))
	}
	if c.DLQ.PollInterval <= 0 {
		m.Add(errors.NewValidationError("DLQ_POLL_INTERVAL", "must be positive", c.DLQ.PollInterval))
	}

	switch c.AuditSink.Kind {
	case SinkKindHTTP:
		if c.AuditSink.Endpoint == "" {
			m.Add(errors.NewValidationError("AUDIT_SINK_ENDPOINT", "required when AUDIT_SINK_KIND=http", nil))
		}
	case SinkKindKafka:
		if len(c.Kafka.Brokers) == 0 {
			m.Add(errors.NewValidationError("KAFKA_BROKERS", "required when AUDIT_SINK_KIND=kafka", nil))
		}
	default:
		m.Add(errors.NewValidationError("AUDIT_SINK_KIND", "must be http or kafka", c.AuditSink.Kind))
	}
	if c.AuditSink.MaxRetries <= 0 {
		m.Add(errors.NewValidationError("AUDIT_SINK_MAX_RETRIES", "must be positive", c.AuditSink.MaxRetries))
	}
	if c.AuditSink.BaseDelayMS <= 0 || c.AuditSink.BaseDelayMS > c.AuditSink.MaxDelayMS {
		m.Add(errors.NewValidationError("AUDIT_SINK_BASE_DELAY_MS", "must be positive and not exceed AUDIT_SINK_MAX_DELAY_MS", c.AuditSink.BaseDelayMS))
	}
	if c.AuditSink.QueueSize <= 0 {
		m.Add(errors.NewValidationError("AUDIT_SINK_QUEUE_SIZE", "must be positive", c.AuditSink.QueueSize))
	}
	if c.AuditSink.SpoolPath == "" {
		m.Add(errors.NewValidationError("AUDIT_SPOOL_PATH", "required", nil))
	}

	if c.Forecast.MinPoints < 3 {
		m.Add(errors.NewValidationError("FORECAST_MIN_POINTS", "must be at least 3", c.Forecast.MinPoints))
	}
	if c.Forecast.MaxHorizonDays <= 0 {
		m.Add(errors.NewValidationError("FORECAST_MAX_HORIZON_DAYS", "must be positive", c.Forecast.MaxHorizonDays))
	}
	if c.Forecast.ConfidenceLevel <= 0 || c.Forecast.ConfidenceLevel >= 1 {
		m.Add(errors.NewValidationError("FORECAST_CONFIDENCE_LEVEL", "must be in (0,1)", c.Forecast.ConfidenceLevel))
	}

	if c.Signal.MaxTokens <= 0 || c.Signal.MaxLatencyMS <= 0 {
		m.Add(errors.NewValidationError("SIGNAL_MAX_TOKENS/SIGNAL_MAX_LATENCY_MS", "must be positive", nil))
	}

	if c.Ingestion.MaxSkew < 0 {
		m.Add(errors.NewValidationError("INGEST_MAX_SKEW", "must not be negative", c.Ingestion.MaxSkew))
	}
	if c.Ingestion.RequestTimeout <= 0 {
		m.Add(errors.NewValidationError("INGEST_REQUEST_TIMEOUT", "must be positive", c.Ingestion.RequestTimeout))
	}
	if c.Ingestion.Workers < 0 {
		m.Add(errors.NewValidationError("INGEST_WORKERS", "must not be negative", c.Ingestion.Workers))
	}
	if c.Budget.QueueSize <= 0 {
		m.Add(errors.NewValidationError("BUDGET_QUEUE_SIZE", "must be positive", c.Budget.QueueSize))
	}

	if c.ErrorTracking.Enabled && c.ErrorTracking.SentryDSN == "" {
		m.Add(errors.NewValidationError("SENTRY_DSN", "required when ERROR_TRACKING_ENABLED=true", nil))
	}

	if err := m.ToError(); err != nil {
		return errors.NewDomainError(errors.KindConfigInvalid, "config", "configuration rejected", err)
	}
	return nil
}
