package usage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Well-known metadata keys used for grouping and budget scopes
const (
	MetaProjectID = "project_id"
	MetaUserID    = "user_id"
	MetaAgentID   = "agent_id"
	MetaTraceID   = "trace_id"
)

// Metadata is the free-form bag attached to a usage record
type Metadata map[string]interface{}

// String returns the value under key rendered as a string, or ""
func (m Metadata) String(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Value implements driver.Valuer (stored as JSONB)
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("usage: cannot scan %T into Metadata", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Record is one immutable LLM request usage entry. (TenantID, RequestID) is unique.
type Record struct {
	ID           uuid.UUID `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	RequestID    string    `db:"request_id" json:"request_id"`
	Provider     string    `db:"provider" json:"provider"`
	Model        string    `db:"model" json:"model"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp"`
	InputTokens  int64     `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64     `db:"output_tokens" json:"output_tokens"`
	CachedTokens int64     `db:"cached_tokens" json:"cached_tokens"`
	Metadata     Metadata  `db:"metadata" json:"metadata,omitempty"`
	ReceivedAt   time.Time `db:"received_at" json:"received_at"`
}

// TotalTokens returns input + output + cached tokens
func (r *Record) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens + r.CachedTokens
}

// CostRecord is the immutable monetary cost derived from one Record and one price table
type CostRecord struct {
	UsageID      uuid.UUID `db:"usage_id" json:"usage_id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	Provider     string    `db:"provider" json:"provider"`
	Model        string    `db:"model" json:"model"`
	Timestamp    time.Time `db:"timestamp" json:"timestamp"`
	ProjectID    string    `db:"project_id" json:"project_id,omitempty"`
	UserID       string    `db:"user_id" json:"user_id,omitempty"`
	AgentID      string    `db:"agent_id" json:"agent_id,omitempty"`
	InputTokens  int64     `db:"input_tokens" json:"input_tokens"`
	OutputTokens int64     `db:"output_tokens" json:"output_tokens"`
	CachedTokens int64     `db:"cached_tokens" json:"cached_tokens"`

	InputCost  decimal.Decimal `db:"input_cost" json:"input_cost"`
	OutputCost decimal.Decimal `db:"output_cost" json:"output_cost"`
	CachedCost decimal.Decimal `db:"cached_cost" json:"cached_cost"`
	TotalCost  decimal.Decimal `db:"total_cost" json:"total_cost"`
	Currency   string          `db:"currency" json:"currency"`

	PriceTableID uuid.UUID `db:"price_table_id" json:"price_table_id"`
	TierIndex    int       `db:"tier_index" json:"tier_index"`
	ComputedAt   time.Time `db:"computed_at" json:"computed_at"`
}

// Consistent reports whether total equals the sum of its parts exactly
func (c *CostRecord) Consistent() bool {
	return c.TotalCost.Equal(c.InputCost.Add(c.OutputCost).Add(c.CachedCost))
}
