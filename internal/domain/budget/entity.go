package budget

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"costops/internal/domain/usage"
	"costops/pkg/errors"
)

// ScopeKind selects which cost records a budget covers
type ScopeKind string

const (
	ScopeTenant  ScopeKind = "tenant"
	ScopeProject ScopeKind = "project"
	ScopeAgent   ScopeKind = "agent"
	ScopeModel   ScopeKind = "model"
	ScopeCustom  ScopeKind = "custom"
)

// Valid checks if scope kind is valid
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeTenant, ScopeProject, ScopeAgent, ScopeModel, ScopeCustom:
		return true
	}
	return false
}

// Scope is a flat sum type: Kind is the discriminator, Target carries the
// project/agent/model id and Dimensions the custom dim→value pairs.
type Scope struct {
	Kind       ScopeKind         `json:"kind"`
	Target     string            `json:"value,omitempty"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

// Matches reports whether a cost record falls under the scope
func (s Scope) Matches(c *usage.CostRecord) bool {
	switch s.Kind {
	case ScopeTenant:
		return true
	case ScopeProject:
		return c.ProjectID == s.Target
	case ScopeAgent:
		return c.AgentID == s.Target
	case ScopeModel:
		return c.Model == s.Target
	case ScopeCustom:
		for dim, want := range s.Dimensions {
			if dimension(c, dim) != want {
				return false
			}
		}
		return true
	}
	return false
}

func dimension(c *usage.CostRecord, dim string) string {
	switch dim {
	case "provider":
		return c.Provider
	case "model":
		return c.Model
	case "project", usage.MetaProjectID:
		return c.ProjectID
	case "user", usage.MetaUserID:
		return c.UserID
	case "agent", usage.MetaAgentID:
		return c.AgentID
	}
	return ""
}

// Validate checks that the scope payload fits its kind
func (s Scope) Validate() error {
	if !s.Kind.Valid() {
		return errors.NewValidationError("scope.kind", "unknown scope kind", s.Kind)
	}
	switch s.Kind {
	case ScopeProject, ScopeAgent, ScopeModel:
		if s.Target == "" {
			return errors.NewValidationError("scope.value", "required for scope "+string(s.Kind), nil)
		}
	case ScopeCustom:
		if len(s.Dimensions) == 0 {
			return errors.NewValidationError("scope.dimensions", "required for custom scope", nil)
		}
		for dim := range s.Dimensions {
			switch dim {
			case "provider", "model", "project", "user", "agent",
				usage.MetaProjectID, usage.MetaUserID, usage.MetaAgentID:
			default:
				return errors.NewValidationError("scope.dimensions", "unsupported dimension", dim)
			}
		}
	}
	return nil
}

// Value implements driver.Valuer (stored as JSONB)
func (s Scope) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner
func (s *Scope) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("budget: cannot scan %T into Scope", src)
	}
}

// Budget is a soft spending limit over [PeriodStart, PeriodEnd)
type Budget struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	TenantID    string          `db:"tenant_id" json:"tenant_id"`
	Name        string          `db:"name" json:"name"`
	Scope       Scope           `db:"scope" json:"scope"`
	Limit       decimal.Decimal `db:"limit_amount" json:"limit"`
	Currency    string          `db:"currency" json:"currency"`
	PeriodStart time.Time       `db:"period_start" json:"period_start"`
	PeriodEnd   time.Time       `db:"period_end" json:"period_end"`

	WarningThreshold  decimal.Decimal `db:"warning_threshold" json:"warning_threshold"`
	CriticalThreshold decimal.Decimal `db:"critical_threshold" json:"critical_threshold"`
	GatingThreshold   decimal.Decimal `db:"gating_threshold" json:"gating_threshold"`

	// HardLimit only changes the recommended action; nothing is ever blocked
	HardLimit       bool `db:"hard_limit" json:"hard_limit"`
	ForecastEnabled bool `db:"forecast_enabled" json:"forecast_enabled"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsSoft reports whether the budget is a soft limit
func (b *Budget) IsSoft() bool {
	return !b.HardLimit
}

// Covers reports whether the cost record counts toward this budget
func (b *Budget) Covers(c *usage.CostRecord) bool {
	if c.TenantID != b.TenantID {
		return false
	}
	if c.Timestamp.Before(b.PeriodStart) || !c.Timestamp.Before(b.PeriodEnd) {
		return false
	}
	return b.Scope.Matches(c)
}

// ActiveAt reports whether t falls in the budget period
func (b *Budget) ActiveAt(t time.Time) bool {
	return !t.Before(b.PeriodStart) && t.Before(b.PeriodEnd)
}

// DaysRemaining returns whole days left in the period after now, rounded up
func (b *Budget) DaysRemaining(now time.Time) int {
	if !now.Before(b.PeriodEnd) {
		return 0
	}
	if now.Before(b.PeriodStart) {
		now = b.PeriodStart
	}
	left := b.PeriodEnd.Sub(now)
	days := int(left / (24 * time.Hour))
	if left%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// Validate checks 0 < warning < critical <= gating, limit > 0 and the period
func (b *Budget) Validate() error {
	var m errors.MultiError

	if b.TenantID == "" {
		m.Add(errors.NewValidationError("tenant_id", "required", nil))
	}
	if err := b.Scope.Validate(); err != nil {
		m.Add(err)
	}
	if !b.Limit.IsPositive() {
		m.Add(errors.NewValidationError("limit", "must be > 0", b.Limit.String()))
	}
	if len(b.Currency) != 3 {
		m.Add(errors.NewValidationError("currency", "must be a 3-letter code", b.Currency))
	}
	if !b.PeriodStart.Before(b.PeriodEnd) {
		m.Add(errors.NewValidationError("period_end", "must be after period_start", nil))
	}
	if !b.WarningThreshold.IsPositive() {
		m.Add(errors.NewValidationError("warning_threshold", "must be > 0", b.WarningThreshold.String()))
	}
	if !b.WarningThreshold.LessThan(b.CriticalThreshold) {
		m.Add(errors.NewValidationError("critical_threshold", "must be > warning_threshold", b.CriticalThreshold.String()))
	}
	if b.CriticalThreshold.GreaterThan(b.GatingThreshold) {
		m.Add(errors.NewValidationError("gating_threshold", "must be >= critical_threshold", b.GatingThreshold.String()))
	}

	return m.ToError()
}
