package cost

import (
	"github.com/cockroachdb/apd/v3"
	"github.com/shopspring/decimal"

	"costops/pkg/errors"
)

// Precision is the number of significant digits kept by monetary arithmetic.
const Precision = 34

// arithmetic traps rounding as well as range errors, so any result that does
// not fit in Precision digits fails instead of silently losing cents.
func arithmetic() *apd.Context {
	ctx := apd.BaseContext.WithPrecision(Precision)
	ctx.Traps = apd.DefaultTraps | apd.Inexact
	return ctx
}

func toAPD(d decimal.Decimal) (*apd.Decimal, error) {
	v, _, err := apd.NewFromString(d.String())
	if err != nil {
		return nil, errors.NewDomainError(errors.KindPrecisionError, component, "convert "+d.String(), err)
	}
	return v, nil
}

func fromAPD(v *apd.Decimal) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.Text('f'))
	if err != nil {
		return decimal.Zero, errors.NewDomainError(errors.KindPrecisionError, component, "convert "+v.String(), err)
	}
	return d, nil
}

func precisionError(op string, err error) error {
	return errors.NewDomainError(errors.KindPrecisionError, component, op+" exceeds decimal precision", err)
}

// Accumulator sums decimals under the same trapped context as cost
// computation.
type Accumulator struct {
	ctx *apd.Context
	sum apd.Decimal
	n   int
}

// NewAccumulator returns a zero accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{ctx: arithmetic()}
}

// Add adds d to the running sum.
func (a *Accumulator) Add(d decimal.Decimal) error {
	v, err := toAPD(d)
	if err != nil {
		return err
	}
	if _, err := a.ctx.Add(&a.sum, &a.sum, v); err != nil {
		return precisionError("sum", err)
	}
	a.n++
	return nil
}

// Count returns the number of added values.
func (a *Accumulator) Count() int {
	return a.n
}

// Sum returns the running sum.
func (a *Accumulator) Sum() (decimal.Decimal, error) {
	return fromAPD(&a.sum)
}

// Mean returns sum / count rounded to Precision digits, or zero when empty.
func (a *Accumulator) Mean() (decimal.Decimal, error) {
	if a.n == 0 {
		return decimal.Zero, nil
	}
	// the quotient is rarely exact; only range errors are fatal here
	ctx := apd.BaseContext.WithPrecision(Precision)
	var q apd.Decimal
	if _, err := ctx.Quo(&q, &a.sum, apd.New(int64(a.n), 0)); err != nil {
		return decimal.Zero, precisionError("mean", err)
	}
	q.Reduce(&q)
	return fromAPD(&q)
}
