package governance

import (
	"context"
	"encoding/json"
	"time"
)

// DecisionType discriminates DecisionEvents
type DecisionType string

const (
	DecisionCostRisk         DecisionType = "cost_risk_signal"
	DecisionBudgetThreshold  DecisionType = "budget_threshold_signal"
	DecisionPolicyViolation  DecisionType = "policy_violation_signal"
	DecisionApprovalRequired DecisionType = "approval_required_signal"
)

// Constraint records one threshold checked during an evaluation
type Constraint struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Actual    interface{} `json:"actual"`
	Satisfied bool        `json:"satisfied"`
}

// DecisionEvent is the immutable audit record of one governance evaluation.
// Corrections are new events referencing the original via ExecutionRef.
type DecisionEvent struct {
	EventID            string          `json:"event_id"`
	DecisionType       DecisionType    `json:"decision_type"`
	AgentID            string          `json:"agent_id"`
	AgentVersion       string          `json:"agent_version"`
	InputsHash         string          `json:"inputs_hash"`
	Outputs            json.RawMessage `json:"outputs"`
	Confidence         float64         `json:"confidence"`
	ConstraintsApplied []Constraint    `json:"constraints_applied"`
	Timestamp          time.Time       `json:"timestamp"`
	OrganizationID     string          `json:"organization_id,omitempty"`
	ProjectID          string          `json:"project_id,omitempty"`
	ExecutionRef       string          `json:"execution_ref,omitempty"`
}

// Sink durably persists DecisionEvents to the external audit store.
// A nil error means the event is acknowledged or safely spooled.
type Sink interface {
	Persist(ctx context.Context, ev *DecisionEvent) error
}
