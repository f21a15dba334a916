package pricing

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"costops/pkg/errors"
)

// Tier is one step of a tiered structure. It applies while the cumulative
// token anchor is in [MinTokens, next.MinTokens).
type Tier struct {
	MinTokens   int64           `json:"min_tokens"`
	InputPrice  decimal.Decimal `json:"input_price"`
	OutputPrice decimal.Decimal `json:"output_price"`
}

// Structure is the closed-form pricing rule: per-token prices plus an
// optional discount applied to cached tokens.
type Structure struct {
	InputPrice     decimal.Decimal `json:"input_price"`
	OutputPrice    decimal.Decimal `json:"output_price"`
	CachedDiscount decimal.Decimal `json:"cached_discount"`
	Tiers          []Tier          `json:"tiers,omitempty"`
}

// Tiered reports whether the structure carries tiers
func (s Structure) Tiered() bool {
	return len(s.Tiers) > 0
}

// Rates returns the per-token input/output prices for the cumulative token
// anchor along with the selected tier index (-1 for flat structures).
func (s Structure) Rates(anchor int64) (input, output decimal.Decimal, tier int) {
	if !s.Tiered() {
		return s.InputPrice, s.OutputPrice, -1
	}
	if anchor < 0 {
		anchor = 0
	}
	// Tiers are validated to start at 0 and be strictly increasing.
	idx := 0
	for i := range s.Tiers {
		if s.Tiers[i].MinTokens <= anchor {
			idx = i
			continue
		}
		break
	}
	return s.Tiers[idx].InputPrice, s.Tiers[idx].OutputPrice, idx
}

// Validate checks prices, discount range and tier ordering
func (s Structure) Validate() error {
	var m errors.MultiError

	if s.InputPrice.IsNegative() {
		m.Add(errors.NewValidationError("structure.input_price", "must be >= 0", s.InputPrice.String()))
	}
	if s.OutputPrice.IsNegative() {
		m.Add(errors.NewValidationError("structure.output_price", "must be >= 0", s.OutputPrice.String()))
	}
	if s.CachedDiscount.IsNegative() || s.CachedDiscount.GreaterThan(decimal.NewFromInt(1)) {
		m.Add(errors.NewValidationError("structure.cached_discount", "must be in [0,1]", s.CachedDiscount.String()))
	}

	for i, t := range s.Tiers {
		field := fmt.Sprintf("structure.tiers[%d]", i)
		if i == 0 && t.MinTokens != 0 {
			m.Add(errors.NewValidationError(field+".min_tokens", "first tier must start at 0", t.MinTokens))
		}
		if i > 0 && t.MinTokens <= s.Tiers[i-1].MinTokens {
			m.Add(errors.NewValidationError(field+".min_tokens", "tiers must be strictly increasing", t.MinTokens))
		}
		if t.InputPrice.IsNegative() || t.OutputPrice.IsNegative() {
			m.Add(errors.NewValidationError(field, "prices must be >= 0", nil))
		}
	}

	return m.ToError()
}

// Value implements driver.Valuer (stored as JSONB)
func (s Structure) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner
func (s *Structure) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("pricing: cannot scan %T into Structure", src)
	}
}

// PriceTable binds (provider, model) to a structure over [EffectiveDate, EndDate)
type PriceTable struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Provider      string     `db:"provider" json:"provider"`
	Model         string     `db:"model" json:"model"`
	EffectiveDate time.Time  `db:"effective_date" json:"effective_date"`
	EndDate       *time.Time `db:"end_date" json:"end_date,omitempty"`
	Currency      string     `db:"currency" json:"currency"`
	Structure     Structure  `db:"structure" json:"structure"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// ActiveAt reports whether t falls in [EffectiveDate, EndDate)
func (p *PriceTable) ActiveAt(t time.Time) bool {
	if t.Before(p.EffectiveDate) {
		return false
	}
	return p.EndDate == nil || p.EndDate.After(t)
}

// Overlaps reports whether two tables for the same key share any instant
func (p *PriceTable) Overlaps(o *PriceTable) bool {
	if p.Provider != o.Provider || p.Model != o.Model {
		return false
	}
	// [a1, a2) and [b1, b2) intersect iff a1 < b2 && b1 < a2, with nil = +inf
	aBeforeBEnd := o.EndDate == nil || p.EffectiveDate.Before(*o.EndDate)
	bBeforeAEnd := p.EndDate == nil || o.EffectiveDate.Before(*p.EndDate)
	return aBeforeBEnd && bBeforeAEnd
}

// Validate checks the table fields and its structure
func (p *PriceTable) Validate() error {
	var m errors.MultiError
	if p.Provider == "" {
		m.Add(errors.NewValidationError("provider", "required", nil))
	}
	if p.Model == "" {
		m.Add(errors.NewValidationError("model", "required", nil))
	}
	if p.EffectiveDate.IsZero() {
		m.Add(errors.NewValidationError("effective_date", "required", nil))
	}
	if p.EndDate != nil && !p.EndDate.After(p.EffectiveDate) {
		m.Add(errors.NewValidationError("end_date", "must be after effective_date", p.EndDate.Format(time.RFC3339)))
	}
	if len(p.Currency) != 3 {
		m.Add(errors.NewValidationError("currency", "must be a 3-letter code", p.Currency))
	}
	if err := p.Structure.Validate(); err != nil {
		m.Add(err)
	}
	return m.ToError()
}
