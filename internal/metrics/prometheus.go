package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	UsageIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_usage_ingested_total",
			Help: "Total number of usage payloads by outcome",
		},
		[]string{"status"}, // status: accepted|duplicate|queued|invalid|rejected|rate_limited|error
	)

	IngestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costops_ingest_latency_seconds",
			Help:    "End-to-end ingestion latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_errors_total",
			Help: "Total number of errors by taxonomy kind and component",
		},
		[]string{"kind", "component"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_ratelimit_decisions_total",
			Help: "Total number of rate limiter decisions",
		},
		[]string{"decision", "backend"}, // decision: allowed|denied, backend: local|redis
	)

	CostComputed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_cost_computed_total",
			Help: "Total computed cost by currency",
		},
		[]string{"currency"},
	)

	PriceCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_price_cache_lookups_total",
			Help: "Price book cache lookups",
		},
		[]string{"result"}, // result: hit|miss
	)

	// DLQ metrics
	DLQEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_dlq_events_total",
			Help: "Total number of DLQ lifecycle events",
		},
		[]string{"event"}, // event: enqueued|retry_succeeded|retry_failed|failed_permanent|reset
	)

	// Governance metrics
	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_signals_emitted_total",
			Help: "Total number of decision events emitted",
		},
		[]string{"decision_type"},
	)

	SignalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costops_signal_emission_seconds",
			Help:    "Decision event emission latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"decision_type"},
	)

	SignalBudgetOverruns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_signal_budget_overruns_total",
			Help: "Emissions that exceeded their latency or token budget",
		},
		[]string{"budget"}, // budget: latency|tokens
	)

	BudgetEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_budget_evaluations_total",
			Help: "Budget evaluations by severity",
		},
		[]string{"severity"},
	)

	BudgetQueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "costops_budget_queue_dropped_total",
			Help: "Budget evaluation requests dropped because the queue was full",
		},
	)

	// Sink metrics
	SinkDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_sink_deliveries_total",
			Help: "Audit sink delivery attempts by outcome",
		},
		[]string{"status"}, // status: delivered|retry|spooled|replayed|failed
	)

	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costops_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"worker"},
	)

	WorkerLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "costops_worker_last_run_timestamp",
			Help: "Unix timestamp of last worker execution",
		},
		[]string{"worker"},
	)

	// Database metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costops_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"database", "operation", "status"},
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costops_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"database", "operation"},
	)

	initOnce sync.Once
)

// Init registers all metrics with Prometheus
func Init(extra ...prometheus.Collector) {
	initOnce.Do(func() {
		prometheus.MustRegister(UsageIngested)
		prometheus.MustRegister(IngestLatency)
		prometheus.MustRegister(Errors)
		prometheus.MustRegister(RateLimitDecisions)
		prometheus.MustRegister(CostComputed)
		prometheus.MustRegister(PriceCacheLookups)

		prometheus.MustRegister(DLQEvents)

		prometheus.MustRegister(SignalsEmitted)
		prometheus.MustRegister(SignalLatency)
		prometheus.MustRegister(SignalBudgetOverruns)
		prometheus.MustRegister(BudgetEvaluations)
		prometheus.MustRegister(BudgetQueueDropped)

		prometheus.MustRegister(SinkDeliveries)

		prometheus.MustRegister(WorkerExecutions)
		prometheus.MustRegister(WorkerDuration)
		prometheus.MustRegister(WorkerLastRun)

		prometheus.MustRegister(DBQueries)
		prometheus.MustRegister(DBQueryDuration)

		for _, c := range extra {
			prometheus.MustRegister(c)
		}
	})
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordError counts an error path by kind and component
func RecordError(kind, component string) {
	Errors.WithLabelValues(kind, component).Inc()
}

// RecordIngest records the outcome of one usage payload
func RecordIngest(status string, latency time.Duration) {
	UsageIngested.WithLabelValues(status).Inc()
	IngestLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordRateLimit records an admission decision
func RecordRateLimit(allowed bool, backend string) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	RateLimitDecisions.WithLabelValues(decision, backend).Inc()
}

// RecordSignal records one emitted decision event
func RecordSignal(decisionType string, latency time.Duration) {
	SignalsEmitted.WithLabelValues(decisionType).Inc()
	SignalLatency.WithLabelValues(decisionType).Observe(latency.Seconds())
}

// RecordWorkerExecution records a worker execution
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	WorkerExecutions.WithLabelValues(worker, status).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
	WorkerLastRun.WithLabelValues(worker).SetToCurrentTime()
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	DBQueries.WithLabelValues(database, operation, status).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}
