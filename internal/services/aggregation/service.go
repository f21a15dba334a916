// Package aggregation rolls cost records up over a time range.
package aggregation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"costops/internal/domain/usage"
	"costops/internal/services/cost"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

const component = "aggregation"

// Dimension is a grouping key
type Dimension string

const (
	DimProvider Dimension = "provider"
	DimModel    Dimension = "model"
	DimProject  Dimension = "project"
	DimUser     Dimension = "user"
)

// ParseDimensions parses a comma separated group_by list
func ParseDimensions(raw string) ([]Dimension, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	seen := make(map[Dimension]bool)
	var out []Dimension
	for _, part := range strings.Split(raw, ",") {
		d := Dimension(strings.TrimSpace(part))
		switch d {
		case DimProvider, DimModel, DimProject, DimUser:
		default:
			return nil, errors.NewValidationError("group_by", "unsupported dimension", string(d))
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func (d Dimension) of(c *usage.CostRecord) string {
	switch d {
	case DimProvider:
		return c.Provider
	case DimModel:
		return c.Model
	case DimProject:
		return c.ProjectID
	case DimUser:
		return c.UserID
	}
	return ""
}

// Query selects the records to summarise. Filter narrows the tenant's
// records further (budget scopes); nil keeps all.
type Query struct {
	TenantID string
	From     time.Time
	To       time.Time
	GroupBy  []Dimension
	Filter   func(*usage.CostRecord) bool
}

// Validate checks the query bounds
func (q Query) Validate() error {
	var m errors.MultiError
	if q.TenantID == "" {
		m.Add(errors.NewValidationError("tenant_id", "required", nil))
	}
	if q.From.IsZero() || q.To.IsZero() {
		m.Add(errors.NewValidationError("from/to", "required", nil))
	} else if !q.From.Before(q.To) {
		m.Add(errors.NewValidationError("to", "must be after from", nil))
	}
	return m.ToError()
}

// Group is one bucket of a grouped summary
type Group struct {
	Key           map[string]string `json:"key"`
	Total         decimal.Decimal   `json:"total"`
	Count         int               `json:"count"`
	AvgPerRequest decimal.Decimal   `json:"avg_per_request"`
}

// Summary is the result of Summarize
type Summary struct {
	TenantID      string          `json:"tenant_id"`
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
	Currency      string          `json:"currency,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Count         int             `json:"count"`
	AvgPerRequest decimal.Decimal `json:"avg_per_request"`
	ByGroup       []Group         `json:"by_group,omitempty"`
	Latest        time.Time       `json:"latest,omitempty"`
}

// DailyTotal is the spend of one UTC day
type DailyTotal struct {
	Day   time.Time       `json:"day"`
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

// Service scans cost records from the usage store
type Service struct {
	store usage.Store
	log   *logger.Logger
}

// NewService creates an aggregation service
func NewService(store usage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Get()
	}
	return &Service{store: store, log: log.WithComponent(component)}
}

type bucket struct {
	key []string
	acc *cost.Accumulator
}

// Summarize totals the tenant's costs in [From, To), grouped by q.GroupBy.
// Memory grows with the number of distinct group keys only.
func (s *Service) Summarize(ctx context.Context, q Query) (*Summary, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	total := cost.NewAccumulator()
	buckets := make(map[string]*bucket)
	var currency string
	var latest time.Time

	err := s.store.ScanCosts(ctx, q.TenantID, q.From, q.To, func(c *usage.CostRecord) error {
		if q.Filter != nil && !q.Filter(c) {
			return nil
		}
		if currency == "" {
			currency = c.Currency
		} else if c.Currency != currency {
			return errors.NewDomainError(errors.KindConflict, component,
				"mixed currencies in range: "+currency+" and "+c.Currency, nil)
		}
		if c.Timestamp.After(latest) {
			latest = c.Timestamp
		}
		if err := total.Add(c.TotalCost); err != nil {
			return err
		}

		if len(q.GroupBy) == 0 {
			return nil
		}
		parts := make([]string, len(q.GroupBy))
		for i, d := range q.GroupBy {
			parts[i] = d.of(c)
		}
		k := strings.Join(parts, "\x1f")
		b, ok := buckets[k]
		if !ok {
			b = &bucket{key: parts, acc: cost.NewAccumulator()}
			buckets[k] = b
		}
		return b.acc.Add(c.TotalCost)
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan costs")
	}

	sum, err := total.Sum()
	if err != nil {
		return nil, err
	}
	avg, err := total.Mean()
	if err != nil {
		return nil, err
	}

	out := &Summary{
		TenantID:      q.TenantID,
		From:          q.From,
		To:            q.To,
		Currency:      currency,
		Total:         sum,
		Count:         total.Count(),
		AvgPerRequest: avg,
		Latest:        latest,
	}

	for _, b := range buckets {
		g := Group{Key: make(map[string]string, len(q.GroupBy)), Count: b.acc.Count()}
		for i, d := range q.GroupBy {
			g.Key[string(d)] = b.key[i]
		}
		if g.Total, err = b.acc.Sum(); err != nil {
			return nil, err
		}
		if g.AvgPerRequest, err = b.acc.Mean(); err != nil {
			return nil, err
		}
		out.ByGroup = append(out.ByGroup, g)
	}
	sort.Slice(out.ByGroup, func(i, j int) bool {
		if c := out.ByGroup[i].Total.Cmp(out.ByGroup[j].Total); c != 0 {
			return c > 0
		}
		return groupLabel(out.ByGroup[i], q.GroupBy) < groupLabel(out.ByGroup[j], q.GroupBy)
	})

	s.log.Debugw("Summary computed",
		"tenant_id", q.TenantID,
		"records", out.Count,
		"groups", len(out.ByGroup),
		"took", time.Since(start),
	)
	return out, nil
}

func groupLabel(g Group, dims []Dimension) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = g.Key[string(d)]
	}
	return strings.Join(parts, "/")
}

// Daily returns one point per UTC day in [from, to), zero-filled, for the
// records accepted by filter.
func (s *Service) Daily(ctx context.Context, tenantID string, from, to time.Time, filter func(*usage.CostRecord) bool) ([]DailyTotal, error) {
	q := Query{TenantID: tenantID, From: from, To: to}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	first := truncateDay(from)
	days := int(truncateDay(to.Add(-time.Nanosecond)).Sub(first)/(24*time.Hour)) + 1
	accs := make([]*cost.Accumulator, days)
	for i := range accs {
		accs[i] = cost.NewAccumulator()
	}

	err := s.store.ScanCosts(ctx, tenantID, from, to, func(c *usage.CostRecord) error {
		if filter != nil && !filter(c) {
			return nil
		}
		i := int(truncateDay(c.Timestamp).Sub(first) / (24 * time.Hour))
		if i < 0 || i >= days {
			return nil
		}
		return accs[i].Add(c.TotalCost)
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan daily costs")
	}

	out := make([]DailyTotal, days)
	for i, acc := range accs {
		sum, err := acc.Sum()
		if err != nil {
			return nil, err
		}
		out[i] = DailyTotal{Day: first.AddDate(0, 0, i), Total: sum, Count: acc.Count()}
	}
	return out, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
