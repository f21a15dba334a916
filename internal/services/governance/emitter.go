// Package governance builds immutable DecisionEvents and hands them to the
// audit sink. Emission is advisory: callers never change behaviour based on
// the outcome.
package governance

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"costops/internal/adapters/config"
	"costops/internal/domain/governance"
	"costops/internal/metrics"
	"costops/pkg/canonical"
	"costops/pkg/errors"
	"costops/pkg/id"
	"costops/pkg/logger"
)

const component = "governance"

// AgentID identifies this service as the producer of decision events.
const AgentID = "costops.governance"

// Request is everything needed for one DecisionEvent. Inputs is hashed in
// full; Outputs becomes the event body.
type Request struct {
	DecisionType   governance.DecisionType
	Inputs         interface{}
	Outputs        interface{}
	Confidence     float64
	Constraints    []governance.Constraint
	OrganizationID string
	ProjectID      string
	ExecutionRef   string
}

// Limits is the advisory emission budget
type Limits struct {
	MaxTokens  int
	MaxLatency time.Duration
}

// LimitsFromConfig maps SIGNAL_* settings
func LimitsFromConfig(cfg config.SignalConfig) Limits {
	return Limits{
		MaxTokens:  cfg.MaxTokens,
		MaxLatency: time.Duration(cfg.MaxLatencyMS) * time.Millisecond,
	}
}

// Emitter produces exactly one DecisionEvent per Emit call
type Emitter struct {
	sink         governance.Sink
	agentVersion string
	limits       Limits
	log          *logger.Logger
	now          func() time.Time
}

// NewEmitter creates an emitter writing to sink
func NewEmitter(sink governance.Sink, agentVersion string, limits Limits, log *logger.Logger) *Emitter {
	if limits.MaxTokens <= 0 {
		limits.MaxTokens = 1200
	}
	if limits.MaxLatency <= 0 {
		limits.MaxLatency = 2500 * time.Millisecond
	}
	if log == nil {
		log = logger.Get()
	}
	return &Emitter{
		sink:         sink,
		agentVersion: agentVersion,
		limits:       limits,
		log:          log.WithComponent(component),
		now:          time.Now,
	}
}

// Build assembles the event without persisting it.
func (e *Emitter) Build(req Request) (*governance.DecisionEvent, error) {
	switch req.DecisionType {
	case governance.DecisionCostRisk, governance.DecisionBudgetThreshold,
		governance.DecisionPolicyViolation, governance.DecisionApprovalRequired:
	default:
		return nil, errors.NewValidationError("decision_type", "unknown decision type", string(req.DecisionType))
	}

	inputsHash, err := canonical.Hash(req.Inputs)
	if err != nil {
		return nil, errors.Wrap(err, "hash inputs")
	}
	outputs, err := canonical.Marshal(req.Outputs)
	if err != nil {
		return nil, errors.Wrap(err, "encode outputs")
	}

	constraints := req.Constraints
	if constraints == nil {
		constraints = []governance.Constraint{}
	}

	return &governance.DecisionEvent{
		EventID:            id.NewDecisionEventID(),
		DecisionType:       req.DecisionType,
		AgentID:            AgentID,
		AgentVersion:       e.agentVersion,
		InputsHash:         inputsHash,
		Outputs:            json.RawMessage(outputs),
		Confidence:         clamp01(req.Confidence),
		ConstraintsApplied: constraints,
		Timestamp:          e.now().UTC(),
		OrganizationID:     req.OrganizationID,
		ProjectID:          req.ProjectID,
		ExecutionRef:       req.ExecutionRef,
	}, nil
}

// Emit builds the event and returns only after the sink accepted it
// (acknowledged or spooled). Overrunning the latency or token budget is
// logged, never fatal.
func (e *Emitter) Emit(ctx context.Context, req Request) (*governance.DecisionEvent, error) {
	start := time.Now()

	ev, err := e.Build(req)
	if err != nil {
		metrics.RecordError(string(errors.KindOf(err)), component)
		return nil, err
	}

	log := e.log.WithRequest(ctx).With(
		"event_id", ev.EventID,
		"decision_type", ev.DecisionType,
	)

	if err := e.sink.Persist(ctx, ev); err != nil {
		metrics.RecordError(string(errors.KindSinkUnavailable), component)
		log.Capture(ctx, "Decision event could not be persisted or spooled", err)
		return nil, errors.NewDomainError(errors.KindSinkUnavailable, component, "persist decision event", err)
	}

	latency := time.Since(start)
	metrics.RecordSignal(string(ev.DecisionType), latency)

	if latency > e.limits.MaxLatency {
		metrics.SignalBudgetOverruns.WithLabelValues("latency").Inc()
		log.Warnw("Decision event exceeded latency budget", "took", latency, "budget", e.limits.MaxLatency)
	}
	if tokens := EstimateTokens(ev.Outputs); tokens > e.limits.MaxTokens {
		metrics.SignalBudgetOverruns.WithLabelValues("tokens").Inc()
		log.Warnw("Decision event exceeded token budget", "tokens", tokens, "budget", e.limits.MaxTokens)
	}

	log.Debugw("Decision event emitted", "confidence", ev.Confidence, "took", latency)
	return ev, nil
}

// EstimateTokens approximates output tokens as one per four bytes.
func EstimateTokens(outputs []byte) int {
	return (len(outputs) + 3) / 4
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
