// Package cost turns a usage record and a price table into a cost record
// using fixed-point decimal arithmetic.
package cost

import (
	"time"

	"github.com/cockroachdb/apd/v3"

	"costops/internal/domain/pricing"
	"costops/internal/domain/usage"
	"costops/pkg/errors"
)

const component = "cost"

// Calculator computes cost records. It performs no I/O.
type Calculator struct {
	now func() time.Time
}

// NewCalculator creates a calculator stamping records with the wall clock.
func NewCalculator() *Calculator {
	return &Calculator{now: time.Now}
}

// WithClock replaces the time source used for ComputedAt.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Calculate prices rec against table. anchor is the cumulative token count
// of the period before rec and only matters for tiered structures.
func (c *Calculator) Calculate(rec *usage.Record, table *pricing.PriceTable, anchor int64) (*usage.CostRecord, error) {
	if err := validateTokens(rec); err != nil {
		return nil, err
	}
	if table == nil || !table.ActiveAt(rec.Timestamp) {
		return nil, errors.NewDomainError(errors.KindPriceUnavailable, component,
			"no active price for "+rec.Provider+"/"+rec.Model, nil)
	}

	inRate, outRate, tier := table.Structure.Rates(anchor)

	in, err := toAPD(inRate)
	if err != nil {
		return nil, err
	}
	out, err := toAPD(outRate)
	if err != nil {
		return nil, err
	}
	discount, err := toAPD(table.Structure.CachedDiscount)
	if err != nil {
		return nil, err
	}

	ctx := arithmetic()
	var inputCost, outputCost, cachedCost, cachedRate, keep, total apd.Decimal

	if _, err := ctx.Mul(&inputCost, apd.New(rec.InputTokens, 0), in); err != nil {
		return nil, precisionError("input cost", err)
	}
	if _, err := ctx.Mul(&outputCost, apd.New(rec.OutputTokens, 0), out); err != nil {
		return nil, precisionError("output cost", err)
	}

	// cached = cached_tokens * input_price * (1 - discount)
	if _, err := ctx.Sub(&keep, apd.New(1, 0), discount); err != nil {
		return nil, precisionError("cached discount", err)
	}
	if _, err := ctx.Mul(&cachedRate, in, &keep); err != nil {
		return nil, precisionError("cached rate", err)
	}
	if _, err := ctx.Mul(&cachedCost, apd.New(rec.CachedTokens, 0), &cachedRate); err != nil {
		return nil, precisionError("cached cost", err)
	}

	if _, err := ctx.Add(&total, &inputCost, &outputCost); err != nil {
		return nil, precisionError("total cost", err)
	}
	if _, err := ctx.Add(&total, &total, &cachedCost); err != nil {
		return nil, precisionError("total cost", err)
	}

	record := &usage.CostRecord{
		UsageID:      rec.ID,
		TenantID:     rec.TenantID,
		Provider:     rec.Provider,
		Model:        rec.Model,
		Timestamp:    rec.Timestamp,
		ProjectID:    rec.Metadata.String(usage.MetaProjectID),
		UserID:       rec.Metadata.String(usage.MetaUserID),
		AgentID:      rec.Metadata.String(usage.MetaAgentID),
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		CachedTokens: rec.CachedTokens,
		Currency:     table.Currency,
		PriceTableID: table.ID,
		TierIndex:    tier,
		ComputedAt:   c.now().UTC(),
	}

	if record.InputCost, err = fromAPD(&inputCost); err != nil {
		return nil, err
	}
	if record.OutputCost, err = fromAPD(&outputCost); err != nil {
		return nil, err
	}
	if record.CachedCost, err = fromAPD(&cachedCost); err != nil {
		return nil, err
	}
	if record.TotalCost, err = fromAPD(&total); err != nil {
		return nil, err
	}

	return record, nil
}

func validateTokens(rec *usage.Record) error {
	var m errors.MultiError
	if rec.InputTokens < 0 {
		m.Add(errors.NewValidationError("input_tokens", "must be >= 0", rec.InputTokens))
	}
	if rec.OutputTokens < 0 {
		m.Add(errors.NewValidationError("output_tokens", "must be >= 0", rec.OutputTokens))
	}
	if rec.CachedTokens < 0 {
		m.Add(errors.NewValidationError("cached_tokens", "must be >= 0", rec.CachedTokens))
	}
	return m.ToError()
}
