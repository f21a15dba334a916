package budget

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Violation classifies how far spend has gone relative to thresholds
type Violation string

const (
	ViolationNone        Violation = "none"
	ViolationApproaching Violation = "approaching"
	ViolationExceeded    Violation = "exceeded"
)

// Severity escalates with the highest threshold crossed
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityGating   Severity = "gating"
)

// Rank orders severities; higher is worse
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityGating:
		return 3
	default:
		return 0
	}
}

// SignalKind is the coarse category of a budget signal
type SignalKind string

const (
	KindAdvisory SignalKind = "advisory"
	KindWarning  SignalKind = "warning"
	KindGating   SignalKind = "gating"
)

// Action is the recommendation attached to a signal. Advisory only.
type Action string

const (
	ActionNone           Action = "none"
	ActionMonitor        Action = "monitor"
	ActionReview         Action = "review"
	ActionConsiderGating Action = "consider_gating"
	ActionGate           Action = "gate"
)

// ThresholdCheck is one {value, actual, satisfied} triple
type ThresholdCheck struct {
	Name      string          `json:"name"`
	Value     decimal.Decimal `json:"value"`
	Actual    decimal.Decimal `json:"actual"`
	Satisfied bool            `json:"satisfied"`
}

// Projection is the projected-exceedance classification
type Projection struct {
	ProjectedSpend       decimal.Decimal `json:"projected_spend"`
	ProjectedUtilization decimal.Decimal `json:"projected_utilization"`
	HorizonDays          int             `json:"horizon_days"`
	Violation            Violation       `json:"violation"`
	Severity             Severity        `json:"severity"`
	RecommendedAction    Action          `json:"recommended_action"`
	ModelUsed            string          `json:"model_used"`
	Exceedance           bool            `json:"projected_exceedance"`
}

// Signal is the output of one budget evaluation
type Signal struct {
	BudgetID          uuid.UUID        `json:"budget_id"`
	TenantID          string           `json:"tenant_id"`
	CurrentSpend      decimal.Decimal  `json:"current_spend"`
	Limit             decimal.Decimal  `json:"limit"`
	Currency          string           `json:"currency"`
	Utilization       decimal.Decimal  `json:"utilization"`
	Violation         Violation        `json:"violation"`
	Severity          Severity         `json:"severity"`
	Kind              SignalKind       `json:"kind"`
	RecommendedAction Action           `json:"recommended_action"`
	Projection        *Projection      `json:"projection,omitempty"`
	Confidence        float64          `json:"confidence"`
	Thresholds        []ThresholdCheck `json:"thresholds"`
	DaysRemaining     int              `json:"days_remaining"`
	EvaluatedAt       time.Time        `json:"evaluated_at"`
}

// ProjectedExceedance reports whether the projection crossed a higher band
func (s *Signal) ProjectedExceedance() bool {
	return s.Projection != nil && s.Projection.Exceedance
}

// StoredSignal is the last emitted signal for a budget with its event id
type StoredSignal struct {
	BudgetID  uuid.UUID `db:"budget_id" json:"budget_id"`
	EventID   string    `db:"event_id" json:"event_id"`
	Signal    Signal    `db:"-" json:"signal"`
	Body      []byte    `db:"body" json:"-"`
	EmittedAt time.Time `db:"emitted_at" json:"emitted_at"`
}
