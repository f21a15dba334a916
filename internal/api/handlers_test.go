package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"costops/internal/api/health"
	"costops/internal/domain/budget"
	"costops/internal/domain/dlq"
	"costops/internal/domain/usage"
	"costops/internal/repository/memory"
	"costops/internal/services/aggregation"
	"costops/internal/services/ingestion"
	"costops/internal/services/pricebook"
	"costops/pkg/correlation"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

type fakeIngestor struct {
	result ingestion.Result
	body   []byte
	corrID string
}

func (f *fakeIngestor) Ingest(ctx context.Context, body []byte) ingestion.Result {
	f.body = body
	f.corrID = correlation.ID(ctx)
	return f.result
}

type mockBudgets struct{ mock.Mock }

func (m *mockBudgets) Create(ctx context.Context, b *budget.Budget) (*budget.Budget, error) {
	args := m.Called(ctx, b)
	out, _ := args.Get(0).(*budget.Budget)
	return out, args.Error(1)
}

func (m *mockBudgets) Get(ctx context.Context, id uuid.UUID) (*budget.Budget, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).(*budget.Budget)
	return out, args.Error(1)
}

func (m *mockBudgets) LatestSignal(ctx context.Context, id uuid.UUID) (*budget.StoredSignal, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).(*budget.StoredSignal)
	return out, args.Error(1)
}

type fakeReplayer struct {
	items map[string]*dlq.Item
}

func (f *fakeReplayer) Replay(_ context.Context, id string) (*dlq.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	item.Status = dlq.StatusSucceeded
	return item, nil
}

type apiFixture struct {
	handler  http.Handler
	ingestor *fakeIngestor
	budgets  *mockBudgets
	store    *memory.UsageStore
	dlqRepo  *memory.DLQRepository
	replayer *fakeReplayer
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := memory.NewUsageStore()
	dlqRepo := memory.NewDLQRepository()
	prices := pricebook.NewService(memory.NewPriceTableRepository(), logger.Nop())

	f := &apiFixture{
		ingestor: &fakeIngestor{},
		budgets:  &mockBudgets{},
		store:    store,
		dlqRepo:  dlqRepo,
		replayer: &fakeReplayer{items: map[string]*dlq.Item{}},
	}
	h := NewHandlers(Deps{
		Ingestor:    f.ingestor,
		Costs:       aggregation.NewService(store, logger.Nop()),
		Budgets:     f.budgets,
		Importer:    pricebook.NewImporter(prices),
		Prices:      prices,
		DLQ:         dlqRepo,
		DLQReplayer: f.replayer,
	}, HandlerOptions{MaxBodyBytes: 1024}, logger.Nop())
	h.now = func() time.Time { return time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC) }

	hh := health.New(logger.Nop(), health.PingFunc(store.Ping), nil, nil, "costops", "test")
	f.handler = NewRouter(ServerConfig{ServiceName: "costops", Version: "test"}, h, hh, logger.Nop())
	return f
}

func (f *apiFixture) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestIngestUsageResponses(t *testing.T) {
	id := uuid.New()
	cases := []struct {
		name   string
		result ingestion.Result
		status int
		check  func(t *testing.T, body map[string]interface{})
	}{
		{
			name:   "accepted",
			result: ingestion.Result{Outcome: ingestion.OutcomeAccepted, UsageID: id, TotalCost: decimal.RequireFromString("0.025"), Currency: "USD"},
			status: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, id.String(), body["id"])
				assert.Equal(t, false, body["duplicate"])
				assert.Equal(t, "0.025", body["total_cost"])
			},
		},
		{
			name:   "duplicate",
			result: ingestion.Result{Outcome: ingestion.OutcomeDuplicate, UsageID: id},
			status: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["duplicate"])
			},
		},
		{
			name:   "queued",
			result: ingestion.Result{Outcome: ingestion.OutcomeQueued, DLQItemID: "dlq_1"},
			status: http.StatusAccepted,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["queued"])
				assert.Equal(t, "dlq_1", body["dlq_item_id"])
			},
		},
		{
			name:   "invalid",
			result: ingestion.Result{Outcome: ingestion.OutcomeInvalid, Err: errors.NewValidationError("input_tokens", "required", nil)},
			status: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Contains(t, body["error"], "input_tokens")
			},
		},
		{
			name:   "unprocessable",
			result: ingestion.Result{Outcome: ingestion.OutcomeUnprocessable, Err: errors.ErrPrecisionError},
			status: http.StatusUnprocessableEntity,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "precision_error", body["kind"])
			},
		},
		{
			name:   "rate limited",
			result: ingestion.Result{Outcome: ingestion.OutcomeRateLimited, RetryAfter: 1500 * time.Millisecond, Err: errors.ErrRateLimited},
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.EqualValues(t, 1500, body["retry_after_ms"])
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.ingestor.result = tc.result
			rec := f.do(http.MethodPost, "/v1/usage", `{"tenant_id":"T1"}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			tc.check(t, decodeBody(t, rec))
			assert.Equal(t, `{"tenant_id":"T1"}`, string(f.ingestor.body))
		})
	}
}

func TestIngestUsageRetryAfterHeader(t *testing.T) {
	f := newAPIFixture(t)
	f.ingestor.result = ingestion.Result{Outcome: ingestion.OutcomeRateLimited, RetryAfter: 1500 * time.Millisecond}
	rec := f.do(http.MethodPost, "/v1/usage", `{}`)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestIngestUsageBodyLimit(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/v1/usage", strings.Repeat("x", 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Nil(t, f.ingestor.body)
}

func TestCorrelationHeaders(t *testing.T) {
	f := newAPIFixture(t)
	f.ingestor.result = ingestion.Result{Outcome: ingestion.OutcomeAccepted}

	rec := f.do(http.MethodPost, "/v1/usage", `{}`, "X-Correlation-Id", "corr-1")
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-Id"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "corr-1", rec.Header().Get("X-Trace-Id"))
	assert.Equal(t, "corr-1", f.ingestor.corrID)

	rec = f.do(http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"), "generated when missing")
}

func TestGetCosts(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	at := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	for _, m := range []string{"M1", "M1", "M2"} {
		r := &usage.Record{ID: uuid.New(), TenantID: "T1", RequestID: uuid.NewString(), Provider: "P", Model: m, Timestamp: at}
		require.NoError(t, f.store.InsertUsage(ctx, r))
		require.NoError(t, f.store.InsertCost(ctx, &usage.CostRecord{
			UsageID: r.ID, TenantID: "T1", Provider: "P", Model: m, Timestamp: at,
			TotalCost: decimal.RequireFromString("0.5"), Currency: "USD",
		}))
	}

	rec := f.do(http.MethodGet, "/v1/costs?tenant_id=T1&group_by=model", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "1.5", body["total"])
	assert.EqualValues(t, 3, body["count"])
	groups := body["by_group"].([]interface{})
	require.Len(t, groups, 2)
	assert.Equal(t, "M1", groups[0].(map[string]interface{})["key"].(map[string]interface{})["model"])

	rec = f.do(http.MethodGet, "/v1/costs?tenant_id=T1&from=2025-01-06T00:00:00Z&to=2025-01-07T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", decodeBody(t, rec)["total"])

	rec = f.do(http.MethodGet, "/v1/costs/daily?tenant_id=T1&from=2025-01-04T00:00:00Z&to=2025-01-07T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["days"], 3)
}

func TestGetCostsValidation(t *testing.T) {
	f := newAPIFixture(t)
	for _, target := range []string{
		"/v1/costs",
		"/v1/costs?tenant_id=T1&from=yesterday",
		"/v1/costs?tenant_id=T1&group_by=color",
		"/v1/costs?tenant_id=T1&from=2025-01-06T00:00:00Z&to=2025-01-05T00:00:00Z",
	} {
		rec := f.do(http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestCreateBudgetAppliesDefaults(t *testing.T) {
	f := newAPIFixture(t)
	f.budgets.On("Create", mock.Anything, mock.MatchedBy(func(b *budget.Budget) bool {
		return b.WarningThreshold.Equal(decimal.RequireFromString("0.8")) &&
			b.GatingThreshold.Equal(decimal.NewFromInt(1)) &&
			b.Scope.Kind == budget.ScopeTenant &&
			b.ForecastEnabled
	})).Return(&budget.Budget{ID: uuid.New(), TenantID: "T1"}, nil)

	rec := f.do(http.MethodPost, "/v1/budgets", `{
		"tenant_id": "T1",
		"limit": "500",
		"currency": "USD",
		"period_start": "2025-01-01T00:00:00Z",
		"period_end": "2025-02-01T00:00:00Z"
	}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f.budgets.AssertExpectations(t)
}

func TestCreateBudgetRejectsUnknownFields(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(http.MethodPost, "/v1/budgets", `{"tenant_id":"T1","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.budgets.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestBudgetSignal(t *testing.T) {
	f := newAPIFixture(t)
	id := uuid.New()
	f.budgets.On("LatestSignal", mock.Anything, id).Return(&budget.StoredSignal{
		BudgetID: id, EventID: "dec_1",
		Signal: budget.Signal{BudgetID: id, Severity: budget.SeverityWarning},
	}, nil)
	missing := uuid.New()
	f.budgets.On("LatestSignal", mock.Anything, missing).Return(nil, errors.ErrNotFound)

	rec := f.do(http.MethodGet, "/v1/budgets/"+id.String()+"/signal", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "dec_1", body["event_id"])
	assert.Equal(t, "warning", body["signal"].(map[string]interface{})["severity"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/budgets/"+missing.String()+"/signal", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/budgets/nope/signal", "").Code)
}

func TestImportAndListPrices(t *testing.T) {
	f := newAPIFixture(t)
	ndjson := `{"provider":"P","model":"M","effective_date":"2025-01-01T00:00:00Z","currency":"USD","structure":{"input_price":"0.00001","output_price":"0.00003"}}
{"provider":"P","model":"M","effective_date":"2025-01-15T00:00:00Z","currency":"USD","structure":{"input_price":"0.00002","output_price":"0.00004"}}
not json`

	rec := f.do(http.MethodPost, "/v1/prices/import", ndjson)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody(t, rec)
	assert.EqualValues(t, 3, report["lines"])
	assert.Len(t, report["created"], 1)
	assert.Len(t, report["rejected"], 2)

	rec = f.do(http.MethodGet, "/v1/prices?provider=P&model=M", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tables []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tables))
	assert.Len(t, tables, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/prices?provider=P", "").Code)
}

func TestDLQRoutes(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	item := &dlq.Item{
		ID: "dlq_1", TenantID: "T1", RequestID: "r1", Payload: json.RawMessage(`{}`),
		FailureReason: dlq.ReasonPriceUnavailable, Status: dlq.StatusFailedPermanent,
		Attempts: 5, NextAttemptAt: time.Now(), CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, f.dlqRepo.Enqueue(ctx, item))
	f.replayer.items["dlq_1"] = item

	rec := f.do(http.MethodGet, "/v1/dlq", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/dlq?status=lost", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/dlq?limit=0", "").Code)

	rec = f.do(http.MethodPost, "/v1/dlq/dlq_1/replay", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "succeeded", decodeBody(t, rec)["status"])
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/v1/dlq/dlq_404/replay", "").Code)
}

func TestRootAndMethodRouting(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "costops", decodeBody(t, rec)["service"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/v1/usage", "").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := Recover(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	b, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(b), "internal error")
}
