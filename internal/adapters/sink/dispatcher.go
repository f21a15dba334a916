package sink

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"costops/internal/adapters/config"
	"costops/internal/domain/governance"
	"costops/internal/metrics"
	"costops/pkg/canonical"
	"costops/pkg/errors"
	"costops/pkg/logger"
	"costops/pkg/retry"
)

const replayBatch = 100

// Options tunes delivery
type Options struct {
	QueueSize      int
	MaxAttempts    int
	Backoff        retry.Backoff
	AttemptTimeout time.Duration
}

// OptionsFromConfig maps AUDIT_SINK_* settings
func OptionsFromConfig(cfg config.AuditSinkConfig) Options {
	return Options{
		QueueSize:      cfg.QueueSize,
		MaxAttempts:    cfg.MaxRetries,
		Backoff:        retry.Backoff{BaseDelay: cfg.BaseDelay(), MaxDelay: cfg.MaxDelay()},
		AttemptTimeout: cfg.Timeout(),
	}
}

// Status is the sink's health as reported by /readyz
type Status struct {
	Transport   string    `json:"transport"`
	SpoolDepth  int       `json:"spool_depth"`
	LastFailure time.Time `json:"last_failure"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
}

// Degraded reports whether events are waiting or the last attempt failed
func (s Status) Degraded() bool {
	return s.SpoolDepth > 0 || s.LastFailure.After(s.LastSuccess)
}

type job struct {
	ctx    context.Context
	ev     *governance.DecisionEvent
	replay bool
	done   chan result
}

type result struct {
	replayed int
	err      error
}

// Dispatcher owns the single delivery task. Persist and Replay hand work to
// it through a bounded queue; callers block while the queue is full. Because
// only the task touches the transport and spool, events leave in order.
type Dispatcher struct {
	transport Transport
	spool     *Spool
	retry     *retry.Middleware
	timeout   time.Duration
	log       *logger.Logger

	jobs   chan job
	stopCh chan struct{}
	exited chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	status Status
}

var _ governance.Sink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher; call Start before Persist
func NewDispatcher(t Transport, spool *Spool, opts Options, log *logger.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if log == nil {
		log = logger.Get()
	}
	d := &Dispatcher{
		transport: t,
		spool:     spool,
		timeout:   opts.AttemptTimeout,
		log:       log.WithComponent(component),
		jobs:      make(chan job, opts.QueueSize),
		stopCh:    make(chan struct{}),
		exited:    make(chan struct{}),
		status:    Status{Transport: t.Name()},
	}
	d.retry = retry.New(retry.Config{
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			metrics.SinkDeliveries.WithLabelValues("retry").Inc()
			d.log.Warnw("Audit sink delivery failed, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		},
	})
	return d
}

// Start launches the delivery task
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	d.log.Infow("Audit sink dispatcher started", "transport", d.transport.Name(), "queue_size", cap(d.jobs))
}

// Stop drains queued jobs and ends the task
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.once.Do(func() { close(d.stopCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("Audit sink dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Persist delivers ev or spools it. It returns nil once the store acked or
// the event is safely spooled.
func (d *Dispatcher) Persist(ctx context.Context, ev *governance.DecisionEvent) error {
	return d.submit(ctx, job{ctx: ctx, ev: ev}).err
}

// Replay redelivers spooled events in order and returns how many were
// delivered. It stops at the first failure.
func (d *Dispatcher) Replay(ctx context.Context) (int, error) {
	r := d.submit(ctx, job{ctx: ctx, replay: true})
	return r.replayed, r.err
}

func (d *Dispatcher) submit(ctx context.Context, j job) result {
	j.done = make(chan result, 1)
	stopped := result{err: errors.NewDomainError(errors.KindSinkUnavailable, component, "dispatcher stopped", nil)}

	select {
	case <-d.stopCh:
		return stopped
	default:
	}

	select {
	case d.jobs <- j:
	case <-ctx.Done():
		return result{err: ctx.Err()}
	case <-d.stopCh:
		return stopped
	}

	select {
	case r := <-j.done:
		return r
	case <-ctx.Done():
		return result{err: ctx.Err()}
	case <-d.exited:
		select {
		case r := <-j.done:
			return r
		default:
			return stopped
		}
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.exited)
	for {
		select {
		case j := <-d.jobs:
			d.handle(j)
		case <-d.stopCh:
			d.drain()
			return
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

// drain spools whatever is still queued so no accepted event is lost
func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.jobs:
			if j.replay {
				j.done <- result{err: errors.NewDomainError(errors.KindSinkUnavailable, component, "dispatcher stopped", nil)}
				continue
			}
			body, err := canonical.Marshal(j.ev)
			if err == nil {
				err = d.toSpool(context.Background(), j.ev.EventID, body)
			}
			j.done <- result{err: err}
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(j job) {
	// the caller may give up waiting; delivery still runs to completion
	ctx := context.WithoutCancel(j.ctx)

	if j.replay {
		n, err := d.replay(ctx)
		j.done <- result{replayed: n, err: err}
		return
	}
	j.done <- result{err: d.deliver(ctx, j.ev)}
}

func (d *Dispatcher) deliver(ctx context.Context, ev *governance.DecisionEvent) error {
	body, err := canonical.Marshal(ev)
	if err != nil {
		return errors.NewDomainError(errors.KindInternal, component, "encode event", err)
	}

	// an event may not overtake older spooled ones
	if depth, err := d.spool.Depth(ctx); err == nil && depth > 0 {
		if _, err := d.replay(ctx); err != nil {
			return d.toSpool(ctx, ev.EventID, body)
		}
	}

	err = d.retry.Do(ctx, func(ctx context.Context) error {
		actx, cancel := attemptContext(ctx, d.timeout)
		defer cancel()
		return d.transport.Deliver(actx, ev.EventID, body)
	})
	if err == nil {
		metrics.SinkDeliveries.WithLabelValues("delivered").Inc()
		d.markSuccess()
		return nil
	}

	d.markFailure(err)
	if errors.KindOf(err) == errors.KindPermanentFailure {
		metrics.SinkDeliveries.WithLabelValues("failed").Inc()
		d.log.Errorw("Audit store rejected decision event",
			"event_id", ev.EventID,
			"decision_type", ev.DecisionType,
			"error", err,
		)
		return err
	}
	return d.toSpool(ctx, ev.EventID, body)
}

func (d *Dispatcher) toSpool(ctx context.Context, eventID string, body []byte) error {
	if err := d.spool.Append(ctx, eventID, body); err != nil {
		metrics.SinkDeliveries.WithLabelValues("failed").Inc()
		d.log.Errorw("Failed to spool decision event", "event_id", eventID, "error", err)
		return errors.NewDomainError(errors.KindSinkUnavailable, component, "deliver and spool failed", err)
	}
	metrics.SinkDeliveries.WithLabelValues("spooled").Inc()
	d.log.Warnw("Decision event spooled", "event_id", eventID)
	return nil
}

// replay walks the spool head first, one attempt per event
func (d *Dispatcher) replay(ctx context.Context) (int, error) {
	delivered := 0
	for {
		entries, err := d.spool.Peek(ctx, replayBatch)
		if err != nil {
			return delivered, err
		}
		if len(entries) == 0 {
			if delivered > 0 {
				d.log.Infow("Spool drained", "replayed", delivered)
			}
			return delivered, nil
		}

		for _, e := range entries {
			actx, cancel := attemptContext(ctx, d.timeout)
			err := d.transport.Deliver(actx, e.EventID, e.Body)
			cancel()
			if err != nil {
				d.markFailure(err)
				d.log.Warnw("Spool replay halted",
					"event_id", e.EventID,
					"spooled", humanize.Time(e.SpooledAt),
					"replayed", delivered,
					"error", err,
				)
				return delivered, errors.NewDomainError(errors.KindSinkUnavailable, component, "replay halted", err)
			}
			if err := d.spool.Remove(ctx, e.Seq); err != nil {
				return delivered, err
			}
			delivered++
			metrics.SinkDeliveries.WithLabelValues("replayed").Inc()
			d.markSuccess()
		}
	}
}

func (d *Dispatcher) markSuccess() {
	d.mu.Lock()
	d.status.LastSuccess = time.Now().UTC()
	d.mu.Unlock()
}

func (d *Dispatcher) markFailure(err error) {
	d.mu.Lock()
	d.status.LastFailure = time.Now().UTC()
	d.status.LastError = err.Error()
	d.mu.Unlock()
}

// Status returns the current delivery health
func (d *Dispatcher) Status(ctx context.Context) Status {
	d.mu.Lock()
	s := d.status
	d.mu.Unlock()

	if n, err := d.spool.Depth(ctx); err == nil {
		s.SpoolDepth = n
	}
	return s
}

// SpoolDepth feeds the queue collector
func (d *Dispatcher) SpoolDepth(ctx context.Context) (int, error) {
	return d.spool.Depth(ctx)
}

// Ping checks transport connectivity
func (d *Dispatcher) Ping(ctx context.Context) error {
	return d.transport.Ping(ctx)
}
