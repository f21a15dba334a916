// Package ingestion runs the usage intake pipeline: validate, admit,
// persist, price, and route failures to the DLQ.
package ingestion

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"costops/internal/adapters/config"
	"costops/internal/domain/dlq"
	"costops/internal/domain/pricing"
	"costops/internal/domain/usage"
	"costops/internal/metrics"
	"costops/internal/services/ratelimit"
	"costops/pkg/correlation"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

const component = "ingestion"

// PriceResolver resolves the active price table.
type PriceResolver interface {
	Resolve(ctx context.Context, provider, model string, at time.Time) (*pricing.PriceTable, error)
}

// CostCalculator prices one usage record.
type CostCalculator interface {
	Calculate(rec *usage.Record, table *pricing.PriceTable, anchor int64) (*usage.CostRecord, error)
}

// Parker durably parks a payload in the DLQ.
type Parker interface {
	Enqueue(ctx context.Context, tenantID, requestID string, payload json.RawMessage, reason dlq.Reason, cause error) (*dlq.Item, error)
}

// CostNotifier receives persisted costs for asynchronous budget evaluation.
// Notify must not block.
type CostNotifier interface {
	Notify(c *usage.CostRecord)
}

// Options configures the coordinator.
type Options struct {
	MaxSkew time.Duration
	Workers int // 0 = 2 x GOMAXPROCS
}

// OptionsFromConfig maps INGEST_* settings.
func OptionsFromConfig(cfg config.IngestionConfig) Options {
	return Options{MaxSkew: cfg.MaxSkew, Workers: cfg.Workers}
}

// Coordinator is the single aggregation point for ingestion errors.
type Coordinator struct {
	limiter  ratelimit.Limiter
	store    usage.Store
	prices   PriceResolver
	calc     CostCalculator
	parker   Parker
	notifier CostNotifier
	mirror   usage.CostMirror
	opts     Options
	slots    chan struct{}
	log      *logger.Logger
	now      func() time.Time
}

// NewCoordinator wires the pipeline. notifier and mirror may be nil.
func NewCoordinator(
	limiter ratelimit.Limiter,
	store usage.Store,
	prices PriceResolver,
	calc CostCalculator,
	parker Parker,
	notifier CostNotifier,
	mirror usage.CostMirror,
	opts Options,
	log *logger.Logger,
) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 2 * runtime.GOMAXPROCS(0)
	}
	if log == nil {
		log = logger.Get()
	}
	return &Coordinator{
		limiter:  limiter,
		store:    store,
		prices:   prices,
		calc:     calc,
		parker:   parker,
		notifier: notifier,
		mirror:   mirror,
		opts:     opts,
		slots:    make(chan struct{}, opts.Workers),
		log:      log.WithComponent(component),
		now:      time.Now,
	}
}

// Ingest processes one raw webhook body end to end.
func (c *Coordinator) Ingest(ctx context.Context, body []byte) Result {
	start := time.Now()
	res := c.ingest(ctx, body)
	metrics.RecordIngest(string(res.Outcome), time.Since(start))
	if res.Err != nil {
		metrics.RecordError(string(errors.KindOf(res.Err)), component)
	}
	return res
}

func (c *Coordinator) ingest(ctx context.Context, body []byte) Result {
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return Result{Outcome: OutcomeCanceled, Err: ctx.Err()}
	}

	payload, err := usage.DecodePayloadBytes(body)
	if err != nil {
		return Result{Outcome: OutcomeInvalid, Err: err}
	}
	receivedAt := c.now().UTC()
	if err := payload.Validate(receivedAt, c.opts.MaxSkew); err != nil {
		return Result{Outcome: OutcomeInvalid, Err: err}
	}

	ctx = correlation.WithTenant(ctx, payload.TenantID)
	log := c.log.WithRequest(ctx).With("request_id", payload.RequestID)

	decision, err := c.limiter.Admit(ctx, payload.TenantID)
	if err != nil {
		// admission store outage must not drop telemetry
		log.Warnw("Rate limiter unavailable, admitting", "error", err)
	} else if !decision.Allowed {
		return Result{
			Outcome:    OutcomeRateLimited,
			RetryAfter: decision.RetryAfter,
			Err:        errors.NewDomainError(errors.KindRateLimited, component, "tenant window full", nil),
		}
	}

	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeCanceled, Err: err}
	}

	rec := payload.ToRecord(receivedAt)

	// a record whose cost can never be computed is rejected before anything
	// is written
	quoted, quoteErr := c.quote(ctx, rec)
	if unprocessable(quoteErr) {
		if existing, err := c.store.GetUsage(ctx, payload.TenantID, payload.RequestID); err == nil {
			return Result{Outcome: OutcomeDuplicate, UsageID: existing.ID}
		}
		log.Warnw("Usage rejected, cost cannot be computed", "error", quoteErr, "kind", errors.KindOf(quoteErr))
		return Result{Outcome: OutcomeUnprocessable, Err: quoteErr}
	}
	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeCanceled, Err: err}
	}

	if err := c.store.InsertUsage(ctx, rec); err != nil {
		if errors.Is(err, errors.ErrDuplicateIgnored) {
			return c.duplicate(context.WithoutCancel(ctx), payload)
		}
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCanceled, Err: err}
		}
		return c.park(ctx, log, payload, dlq.ReasonStorageTransient, err)
	}

	// the usage row exists; finish the pipeline even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	cost, err := quoted, quoteErr
	if err == nil {
		cost, err = c.commit(ctx, quoted)
	}
	if err != nil {
		res := c.park(ctx, log, payload, reasonFor(err), err)
		res.UsageID = rec.ID
		return res
	}

	return Result{
		Outcome:   OutcomeAccepted,
		UsageID:   rec.ID,
		TotalCost: cost.TotalCost,
		Currency:  cost.Currency,
	}
}

func (c *Coordinator) duplicate(ctx context.Context, p *usage.Payload) Result {
	res := Result{Outcome: OutcomeDuplicate}
	if existing, err := c.store.GetUsage(ctx, p.TenantID, p.RequestID); err == nil {
		res.UsageID = existing.ID
	}
	return res
}

// settle prices a stored usage record and persists its cost. Errors are
// returned classified so callers can route them.
func (c *Coordinator) settle(ctx context.Context, rec *usage.Record) (*usage.CostRecord, error) {
	cost, err := c.quote(ctx, rec)
	if err != nil {
		return nil, err
	}
	return c.commit(ctx, cost)
}

// quote resolves the price and computes the cost of rec without writing.
func (c *Coordinator) quote(ctx context.Context, rec *usage.Record) (*usage.CostRecord, error) {
	table, err := c.prices.Resolve(ctx, rec.Provider, rec.Model, rec.Timestamp)
	if err != nil {
		return nil, stageError(errors.KindTransient, "resolve price", err)
	}
	if table == nil {
		return nil, errors.NewDomainError(errors.KindPriceUnavailable, component,
			"no active price for "+rec.Provider+"/"+rec.Model+" at "+rec.Timestamp.Format(time.RFC3339), nil)
	}

	var anchor int64
	if table.Structure.Tiered() {
		anchor, err = c.store.CumulativeTokens(ctx, rec.TenantID, rec.Provider, rec.Model, periodStart(rec.Timestamp), rec.Timestamp)
		if err != nil {
			return nil, &storageError{stageError(errors.KindTransient, "cumulative tokens", err)}
		}
	}

	return c.calc.Calculate(rec, table, anchor)
}

// commit persists a computed cost and fans it out.
func (c *Coordinator) commit(ctx context.Context, cost *usage.CostRecord) (*usage.CostRecord, error) {
	if err := c.store.InsertCost(ctx, cost); err != nil {
		if !errors.Is(err, errors.ErrDuplicateIgnored) {
			return nil, &storageError{stageError(errors.KindTransient, "insert cost", err)}
		}
		existing, getErr := c.store.GetCost(ctx, cost.UsageID)
		if getErr != nil {
			return nil, &storageError{stageError(errors.KindTransient, "read existing cost", getErr)}
		}
		return existing, nil
	}

	metrics.CostComputed.WithLabelValues(cost.Currency).Add(cost.TotalCost.InexactFloat64())

	if c.mirror != nil {
		if err := c.mirror.Mirror(ctx, cost); err != nil {
			c.log.Warnw("Cost mirror rejected record", "usage_id", cost.UsageID, "error", err)
		}
	}
	if c.notifier != nil {
		c.notifier.Notify(cost)
	}
	return cost, nil
}

func (c *Coordinator) park(ctx context.Context, log *logger.Logger, p *usage.Payload, reason dlq.Reason, cause error) Result {
	raw, err := json.Marshal(p)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: errors.Wrap(err, "encode payload for dlq")}
	}

	item, err := c.parker.Enqueue(context.WithoutCancel(ctx), p.TenantID, p.RequestID, raw, reason, cause)
	if err != nil {
		log.Errorw("Failed to park payload", "reason", reason, "cause", cause, "error", err)
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	return Result{Outcome: OutcomeQueued, DLQItemID: item.ID, Err: cause}
}

// Replay is the DLQ handler. It re-runs the pipeline from insert_usage
// without admission; a usage row stored by the first attempt is reused so
// the resulting cost matches a first-time success.
func (c *Coordinator) Replay(ctx context.Context, item *dlq.Item) error {
	payload, err := usage.DecodePayloadBytes(item.Payload)
	if err != nil {
		return err
	}
	if err := payload.Validate(c.now().UTC(), c.opts.MaxSkew); err != nil {
		return err
	}

	rec := payload.ToRecord(item.CreatedAt)
	if err := c.store.InsertUsage(ctx, rec); err != nil {
		if !errors.Is(err, errors.ErrDuplicateIgnored) {
			return stageError(errors.KindTransient, "insert usage", err)
		}
		existing, getErr := c.store.GetUsage(ctx, payload.TenantID, payload.RequestID)
		if getErr != nil {
			return stageError(errors.KindTransient, "read existing usage", getErr)
		}
		rec = existing

		if _, costErr := c.store.GetCost(ctx, rec.ID); costErr == nil {
			return nil
		} else if !errors.Is(costErr, errors.ErrNotFound) {
			return stageError(errors.KindTransient, "read existing cost", costErr)
		}
	}

	ctx = context.WithoutCancel(ctx)
	_, err = c.settle(ctx, rec)
	return err
}

// storageError marks failures of the cost-persistence stage.
type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

func unprocessable(err error) bool {
	kind := errors.KindOf(err)
	return kind == errors.KindValidationFailed || kind == errors.KindPrecisionError
}

func reasonFor(err error) dlq.Reason {
	if errors.KindOf(err) == errors.KindPriceUnavailable {
		return dlq.ReasonPriceUnavailable
	}
	var se *storageError
	if errors.As(err, &se) {
		return dlq.ReasonStorageTransient
	}
	return dlq.ReasonTransient
}

// stageError keeps an already classified error, otherwise tags it with kind.
func stageError(kind errors.Kind, stage string, err error) error {
	if k := errors.KindOf(err); k != errors.KindUnknown && k != errors.KindInternal {
		return errors.Wrap(err, stage)
	}
	return errors.NewDomainError(kind, component, stage, err)
}

// periodStart is the start of the UTC calendar month containing t.
func periodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
