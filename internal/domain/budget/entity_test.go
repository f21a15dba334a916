package budget

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/internal/domain/usage"
)

func validBudget() *Budget {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Budget{
		ID:                uuid.New(),
		TenantID:          "T1",
		Scope:             Scope{Kind: ScopeTenant},
		Limit:             decimal.NewFromInt(500),
		Currency:          "USD",
		PeriodStart:       start,
		PeriodEnd:         start.AddDate(0, 1, 0),
		WarningThreshold:  decimal.RequireFromString("0.80"),
		CriticalThreshold: decimal.RequireFromString("0.95"),
		GatingThreshold:   decimal.RequireFromString("1.0"),
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	b := validBudget()
	assert.NoError(t, b.Validate())

	b.GatingThreshold = b.CriticalThreshold
	assert.NoError(t, b.Validate(), "critical == gating is allowed")

	b = validBudget()
	b.WarningThreshold = b.CriticalThreshold
	assert.Error(t, b.Validate())

	b = validBudget()
	b.GatingThreshold = decimal.RequireFromString("0.9")
	assert.Error(t, b.Validate())

	b = validBudget()
	b.WarningThreshold = decimal.Zero
	assert.Error(t, b.Validate())

	b = validBudget()
	b.Limit = decimal.Zero
	assert.Error(t, b.Validate())

	b = validBudget()
	b.PeriodEnd = b.PeriodStart
	assert.Error(t, b.Validate())
}

func TestCovers(t *testing.T) {
	b := validBudget()
	c := &usage.CostRecord{TenantID: "T1", Model: "M", ProjectID: "proj", Timestamp: b.PeriodStart}

	assert.True(t, b.Covers(c))

	c.Timestamp = b.PeriodEnd
	assert.False(t, b.Covers(c), "period end is exclusive")

	c.Timestamp = b.PeriodStart
	c.TenantID = "T2"
	assert.False(t, b.Covers(c))

	c.TenantID = "T1"
	b.Scope = Scope{Kind: ScopeProject, Target: "other"}
	assert.False(t, b.Covers(c))

	b.Scope = Scope{Kind: ScopeCustom, Dimensions: map[string]string{"model": "M", "project": "proj"}}
	assert.True(t, b.Covers(c))
}

func TestScopeValidate(t *testing.T) {
	assert.Error(t, Scope{Kind: "region"}.Validate())
	assert.Error(t, Scope{Kind: ScopeModel}.Validate())
	assert.Error(t, Scope{Kind: ScopeCustom}.Validate())
	assert.Error(t, Scope{Kind: ScopeCustom, Dimensions: map[string]string{"color": "red"}}.Validate())
	assert.NoError(t, Scope{Kind: ScopeAgent, Target: "a1"}.Validate())
}

func TestScopeStoredAsJSON(t *testing.T) {
	in := Scope{Kind: ScopeProject, Target: "proj-1"}

	raw, err := in.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"project","value":"proj-1"}`, string(raw.([]byte)))

	var out Scope
	require.NoError(t, out.Scan(raw))
	assert.Equal(t, in, out)

	require.NoError(t, out.Scan(`{"kind":"model","value":"M"}`))
	assert.Equal(t, Scope{Kind: ScopeModel, Target: "M"}, out)
}

func TestDaysRemaining(t *testing.T) {
	b := validBudget()
	assert.Equal(t, 31, b.DaysRemaining(b.PeriodStart))
	assert.Equal(t, 17, b.DaysRemaining(b.PeriodStart.Add(14*24*time.Hour+time.Hour)))
	assert.Equal(t, 0, b.DaysRemaining(b.PeriodEnd))
}
