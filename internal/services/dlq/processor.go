package dlq

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"costops/internal/adapters/config"
	"costops/internal/domain/dlq"
	"costops/internal/metrics"
	"costops/pkg/correlation"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

// DefaultLease is how long a claimed item stays invisible to other claims.
const DefaultLease = 5 * time.Minute

// Handler re-runs one parked payload. It must be idempotent.
type Handler func(ctx context.Context, item *dlq.Item) error

// Stats summarizes one processing cycle.
type Stats struct {
	Claimed   int
	Succeeded int
	Retrying  int
	Permanent int
}

// ProcessorConfig configures the retry processor.
type ProcessorConfig struct {
	Policy    Policy
	BatchSize int     // items per cycle, also the concurrency cap
	ReplayRPS float64 // handler invocations per second, 0 = unpaced
	Lease     time.Duration
}

// ProcessorConfigFromConfig maps DLQ_* settings.
func ProcessorConfigFromConfig(cfg config.DLQConfig) ProcessorConfig {
	return ProcessorConfig{
		Policy:    PolicyFromConfig(cfg),
		BatchSize: cfg.BatchSize,
		ReplayRPS: cfg.ReplayRPS,
		Lease:     DefaultLease,
	}
}

// Processor claims due items and delivers them to the handler.
type Processor struct {
	repo    dlq.Repository
	handler Handler
	cfg     ProcessorConfig
	pacer   *rate.Limiter
	log     *logger.Logger
	now     func() time.Time
}

// NewProcessor creates a processor.
func NewProcessor(repo dlq.Repository, handler Handler, cfg ProcessorConfig, log *logger.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if log == nil {
		log = logger.Get()
	}

	limit := rate.Inf
	burst := cfg.BatchSize
	if cfg.ReplayRPS > 0 {
		limit = rate.Limit(cfg.ReplayRPS)
		if b := int(cfg.ReplayRPS); b < burst {
			burst = b
		}
		if burst < 1 {
			burst = 1
		}
	}

	return &Processor{
		repo:    repo,
		handler: handler,
		cfg:     cfg,
		pacer:   rate.NewLimiter(limit, burst),
		log:     log.WithComponent(component),
		now:     time.Now,
	}
}

// RunOnce claims up to BatchSize due items and processes them concurrently.
func (p *Processor) RunOnce(ctx context.Context) (Stats, error) {
	now := p.now().UTC()
	items, err := p.repo.ClaimDue(ctx, now, now.Add(p.cfg.Lease), p.cfg.BatchSize)
	if err != nil {
		return Stats{}, errors.Wrap(err, "claim due dlq items")
	}
	if len(items) == 0 {
		return Stats{}, nil
	}

	var succeeded, retrying, permanent int64
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.BatchSize)

	for _, item := range items {
		if err := p.pacer.Wait(ctx); err != nil {
			// unprocessed items become due again once their lease expires
			break
		}
		item := item
		g.Go(func() error {
			switch p.process(ctx, item) {
			case dlq.StatusSucceeded:
				atomic.AddInt64(&succeeded, 1)
			case dlq.StatusFailedPermanent:
				atomic.AddInt64(&permanent, 1)
			default:
				atomic.AddInt64(&retrying, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		Claimed:   len(items),
		Succeeded: int(succeeded),
		Retrying:  int(retrying),
		Permanent: int(permanent),
	}
	p.log.Infow("DLQ cycle complete",
		"claimed", stats.Claimed,
		"succeeded", stats.Succeeded,
		"retrying", stats.Retrying,
		"failed_permanent", stats.Permanent,
	)
	return stats, ctx.Err()
}

// Replay makes an item due immediately and processes it inline. Attempts are
// preserved, so a failed_permanent item that fails again stays permanent.
func (p *Processor) Replay(ctx context.Context, itemID string) (*dlq.Item, error) {
	now := p.now().UTC()
	// the lease keeps the poller from claiming the item while it runs here
	item, err := p.repo.Reset(ctx, itemID, now.Add(p.cfg.Lease), now)
	if err != nil {
		return nil, err
	}
	metrics.DLQEvents.WithLabelValues("reset").Inc()

	p.process(ctx, item)
	return p.repo.Get(ctx, itemID)
}

// process runs the handler and records the outcome. The returned status is
// the one written to the repository.
func (p *Processor) process(ctx context.Context, item *dlq.Item) dlq.Status {
	ctx = correlation.WithIDs(ctx, correlation.IDs{CorrelationID: item.CorrelationID})
	ctx = correlation.WithTenant(ctx, item.TenantID)
	log := p.log.With(
		"dlq_item_id", item.ID,
		"correlation_id", item.CorrelationID,
		"tenant_id", item.TenantID,
		"request_id", item.RequestID,
		"reason", item.FailureReason,
	)

	herr := p.handler(ctx, item)
	now := p.now().UTC()

	// state writes must land even when the cycle is being cancelled
	writeCtx := context.WithoutCancel(ctx)

	if herr == nil {
		if err := p.repo.MarkSucceeded(writeCtx, item.ID, now); err != nil {
			log.Errorw("Failed to mark DLQ item succeeded", "error", err)
			return dlq.StatusRetrying
		}
		metrics.DLQEvents.WithLabelValues("retry_succeeded").Inc()
		log.Infow("DLQ item replayed", "attempts", item.Attempts+1)
		return dlq.StatusSucceeded
	}

	attempts := item.Attempts + 1
	status := dlq.StatusRetrying
	next := now.Add(p.cfg.Policy.Backoff.Delay(attempts))
	if attempts >= p.cfg.Policy.MaxAttempts || errors.IsDeterministic(herr) {
		status = dlq.StatusFailedPermanent
	}

	if err := p.repo.MarkFailed(writeCtx, item.ID, attempts, next, status, herr.Error(), now); err != nil {
		log.Errorw("Failed to record DLQ attempt", "error", err)
		return dlq.StatusRetrying
	}

	metrics.RecordError(string(errors.KindOf(herr)), component)
	if status == dlq.StatusFailedPermanent {
		metrics.DLQEvents.WithLabelValues("failed_permanent").Inc()
		metrics.RecordError(string(errors.KindPermanentFailure), component)
		log.Errorw("DLQ item failed permanently",
			"attempts", attempts,
			"error", herr,
			"kind", errors.KindOf(herr),
		)
		return status
	}

	metrics.DLQEvents.WithLabelValues("retry_failed").Inc()
	log.Warnw("DLQ retry attempt failed",
		"attempts", attempts,
		"next_attempt_at", next,
		"next_attempt", humanize.RelTime(next, now, "ago", "from now"),
		"error", herr,
	)
	return status
}
