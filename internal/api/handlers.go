package api

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"costops/internal/domain/budget"
	"costops/internal/domain/dlq"
	"costops/internal/domain/pricing"
	"costops/internal/domain/usage"
	"costops/internal/services/aggregation"
	"costops/internal/services/ingestion"
	"costops/internal/services/pricebook"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

const maxImportBytes = 16 << 20

// Ingestor runs the ingestion pipeline for one raw body
type Ingestor interface {
	Ingest(ctx context.Context, body []byte) ingestion.Result
}

// CostQuerier answers cost summaries
type CostQuerier interface {
	Summarize(ctx context.Context, q aggregation.Query) (*aggregation.Summary, error)
	Daily(ctx context.Context, tenantID string, from, to time.Time, filter func(*usage.CostRecord) bool) ([]aggregation.DailyTotal, error)
}

// BudgetManager is the budget CRUD surface
type BudgetManager interface {
	Create(ctx context.Context, b *budget.Budget) (*budget.Budget, error)
	Get(ctx context.Context, id uuid.UUID) (*budget.Budget, error)
	LatestSignal(ctx context.Context, id uuid.UUID) (*budget.StoredSignal, error)
}

// PriceImporter loads NDJSON price tables
type PriceImporter interface {
	Import(ctx context.Context, r io.Reader) (*pricebook.ImportReport, error)
}

// PriceLister lists price tables of one key
type PriceLister interface {
	ListTables(ctx context.Context, provider, model string) ([]*pricing.PriceTable, error)
}

// DLQLister lists parked payloads
type DLQLister interface {
	List(ctx context.Context, status dlq.Status, limit int) ([]*dlq.Item, error)
}

// DLQReplayer re-runs one parked payload now
type DLQReplayer interface {
	Replay(ctx context.Context, itemID string) (*dlq.Item, error)
}

// Deps are the services behind the HTTP surface
type Deps struct {
	Ingestor    Ingestor
	Costs       CostQuerier
	Budgets     BudgetManager
	Importer    PriceImporter
	Prices      PriceLister
	DLQ         DLQLister
	DLQReplayer DLQReplayer
}

// HandlerOptions bound request handling
type HandlerOptions struct {
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// Handlers implements the /v1 routes
type Handlers struct {
	deps Deps
	opts HandlerOptions
	log  *logger.Logger
	now  func() time.Time
}

func NewHandlers(deps Deps, opts HandlerOptions, log *logger.Logger) *Handlers {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Get()
	}
	return &Handlers{deps: deps, opts: opts, log: log.WithComponent("api"), now: time.Now}
}

type usageAccepted struct {
	ID        uuid.UUID        `json:"id"`
	Duplicate bool             `json:"duplicate"`
	TotalCost *decimal.Decimal `json:"total_cost,omitempty"`
	Currency  string           `json:"currency,omitempty"`
}

type usageQueued struct {
	Queued    bool       `json:"queued"`
	DLQItemID string     `json:"dlq_item_id,omitempty"`
	UsageID   *uuid.UUID `json:"usage_id,omitempty"`
}

type usageRateLimited struct {
	Error        string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// IngestUsage handles POST /v1/usage
func (h *Handlers) IngestUsage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
	defer cancel()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "payload too large", Kind: string(errors.KindValidationFailed)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "read body: " + err.Error(), Kind: string(errors.KindValidationFailed)})
		return
	}

	res := h.deps.Ingestor.Ingest(ctx, body)
	status := res.StatusCode()

	switch res.Outcome {
	case ingestion.OutcomeAccepted, ingestion.OutcomeDuplicate:
		out := usageAccepted{ID: res.UsageID, Duplicate: res.Outcome == ingestion.OutcomeDuplicate, Currency: res.Currency}
		if res.Currency != "" {
			total := res.TotalCost
			out.TotalCost = &total
		}
		writeJSON(w, status, out)
	case ingestion.OutcomeQueued:
		out := usageQueued{Queued: true, DLQItemID: res.DLQItemID}
		if res.UsageID != uuid.Nil {
			id := res.UsageID
			out.UsageID = &id
		}
		writeJSON(w, status, out)
	case ingestion.OutcomeRateLimited:
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(res.RetryAfter.Seconds())), 10))
		writeJSON(w, status, usageRateLimited{Error: "rate limited", RetryAfterMS: res.RetryAfter.Milliseconds()})
	case ingestion.OutcomeFailed:
		writeJSON(w, status, errorBody{Error: "internal error", Kind: string(errors.KindOf(res.Err))})
	default:
		msg := string(res.Outcome)
		if res.Err != nil {
			msg = res.Err.Error()
		}
		writeJSON(w, status, errorBody{Error: msg, Kind: string(errors.KindOf(res.Err))})
	}
}

func parseTime(raw, field string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.NewValidationError(field, "must be RFC 3339", raw)
	}
	return t.UTC(), nil
}

// costRange reads tenant_id, from and to. The default window is the current
// UTC month up to now.
func (h *Handlers) costRange(r *http.Request) (string, time.Time, time.Time, error) {
	q := r.URL.Query()
	tenantID := strings.TrimSpace(q.Get("tenant_id"))
	if tenantID == "" {
		return "", time.Time{}, time.Time{}, errors.NewValidationError("tenant_id", "required", nil)
	}

	now := h.now().UTC()
	to, err := parseTime(q.Get("to"), "to", now)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	monthStart := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	if monthStart.Equal(to) {
		monthStart = monthStart.AddDate(0, -1, 0)
	}
	from, err := parseTime(q.Get("from"), "from", monthStart)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	return tenantID, from, to, nil
}

// GetCosts handles GET /v1/costs
func (h *Handlers) GetCosts(w http.ResponseWriter, r *http.Request) {
	tenantID, from, to, err := h.costRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dims, err := aggregation.ParseDimensions(r.URL.Query().Get("group_by"))
	if err != nil {
		writeError(w, err)
		return
	}

	sum, err := h.deps.Costs.Summarize(r.Context(), aggregation.Query{TenantID: tenantID, From: from, To: to, GroupBy: dims})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetDailyCosts handles GET /v1/costs/daily
func (h *Handlers) GetDailyCosts(w http.ResponseWriter, r *http.Request) {
	tenantID, from, to, err := h.costRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	days, err := h.deps.Costs.Daily(r.Context(), tenantID, from, to, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenant_id": tenantID, "days": days})
}

type createBudgetRequest struct {
	TenantID          string           `json:"tenant_id"`
	Name              string           `json:"name"`
	Scope             budget.Scope     `json:"scope"`
	Limit             decimal.Decimal  `json:"limit"`
	Currency          string           `json:"currency"`
	PeriodStart       time.Time        `json:"period_start"`
	PeriodEnd         time.Time        `json:"period_end"`
	WarningThreshold  *decimal.Decimal `json:"warning_threshold"`
	CriticalThreshold *decimal.Decimal `json:"critical_threshold"`
	GatingThreshold   *decimal.Decimal `json:"gating_threshold"`
	HardLimit         bool             `json:"hard_limit"`
	ForecastEnabled   *bool            `json:"forecast_enabled"`
}

func orDefault(v *decimal.Decimal, def string) decimal.Decimal {
	if v == nil {
		return decimal.RequireFromString(def)
	}
	return *v
}

func (req createBudgetRequest) toBudget() *budget.Budget {
	b := &budget.Budget{
		TenantID:          req.TenantID,
		Name:              req.Name,
		Scope:             req.Scope,
		Limit:             req.Limit,
		Currency:          req.Currency,
		PeriodStart:       req.PeriodStart,
		PeriodEnd:         req.PeriodEnd,
		WarningThreshold:  orDefault(req.WarningThreshold, "0.80"),
		CriticalThreshold: orDefault(req.CriticalThreshold, "0.95"),
		GatingThreshold:   orDefault(req.GatingThreshold, "1.0"),
		HardLimit:         req.HardLimit,
		ForecastEnabled:   true,
	}
	if req.ForecastEnabled != nil {
		b.ForecastEnabled = *req.ForecastEnabled
	}
	if b.Scope.Kind == "" {
		b.Scope.Kind = budget.ScopeTenant
	}
	return b
}

// CreateBudget handles POST /v1/budgets
func (h *Handlers) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var req createBudgetRequest
	if err := decodeStrict(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes), &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := h.deps.Budgets.Create(r.Context(), req.toBudget())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func budgetID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, errors.NewValidationError("id", "must be a UUID", r.PathValue("id"))
	}
	return id, nil
}

// GetBudget handles GET /v1/budgets/{id}
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	id, err := budgetID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := h.deps.Budgets.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetBudgetSignal handles GET /v1/budgets/{id}/signal
func (h *Handlers) GetBudgetSignal(w http.ResponseWriter, r *http.Request) {
	id, err := budgetID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sig, err := h.deps.Budgets.LatestSignal(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// ImportPrices handles POST /v1/prices/import with an NDJSON body
func (h *Handlers) ImportPrices(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Importer.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if report.Lines > 0 && len(report.Created) == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, report)
}

// ListPrices handles GET /v1/prices?provider=&model=
func (h *Handlers) ListPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider, model := q.Get("provider"), q.Get("model")
	if provider == "" || model == "" {
		writeError(w, errors.NewValidationError("provider/model", "required", nil))
		return
	}
	tables, err := h.deps.Prices.ListTables(r.Context(), provider, model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

// ListDLQ handles GET /v1/dlq?status=&limit=
func (h *Handlers) ListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := dlq.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, errors.NewValidationError("status", "unknown status", status))
		return
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, errors.NewValidationError("limit", "must be in [1, 1000]", raw))
			return
		}
		limit = n
	}

	items, err := h.deps.DLQ.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*dlq.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ReplayDLQ handles POST /v1/dlq/{id}/replay
func (h *Handlers) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	item, err := h.deps.DLQReplayer.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Infow("DLQ item replayed on request",
		"dlq_item_id", item.ID,
		"status", item.Status,
		"attempts", item.Attempts,
	)
	writeJSON(w, http.StatusOK, item)
}
