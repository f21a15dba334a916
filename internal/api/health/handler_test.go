package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/internal/adapters/sink"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

func up(context.Context) error   { return nil }
func down(context.Context) error { return errors.ErrDependencyUnavailable }

type fakeSink struct {
	PingFunc
	status sink.Status
}

func (f fakeSink) Status(context.Context) sink.Status { return f.status }

func readiness(t *testing.T, h *Handler) (int, HealthStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestLiveness(t *testing.T) {
	h := New(logger.Nop(), PingFunc(down), nil, nil, "costops", "1.0.0")
	rec := httptest.NewRecorder()
	h.HandleLiveness(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "1.0.0", body.Version)
}

func TestReadiness(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		store  PingFunc
		audit  SinkStatus
		redis  Pinger
		code   int
		status string
		checks map[string]string
	}{
		{
			name:   "all healthy",
			store:  up,
			audit:  fakeSink{PingFunc: up, status: sink.Status{Transport: "http", LastSuccess: now}},
			redis:  PingFunc(up),
			code:   http.StatusOK,
			status: "healthy",
			checks: map[string]string{"storage": "healthy", "audit_sink": "healthy", "spool": "healthy", "redis": "healthy"},
		},
		{
			name:   "storage down",
			store:  down,
			code:   http.StatusServiceUnavailable,
			status: "unhealthy",
			checks: map[string]string{"storage": "unhealthy"},
		},
		{
			name:   "sink spooling",
			store:  up,
			audit:  fakeSink{PingFunc: down, status: sink.Status{Transport: "kafka", SpoolDepth: 3, LastFailure: now}},
			code:   http.StatusOK,
			status: "degraded",
			checks: map[string]string{"storage": "healthy", "audit_sink": "unhealthy", "spool": "degraded"},
		},
		{
			name:   "sink reachable but last delivery failed",
			store:  up,
			audit:  fakeSink{PingFunc: up, status: sink.Status{LastFailure: now, LastSuccess: now.Add(-time.Minute)}},
			code:   http.StatusOK,
			status: "degraded",
			checks: map[string]string{"audit_sink": "degraded", "spool": "healthy"},
		},
		{
			name:   "redis down",
			store:  up,
			redis:  PingFunc(down),
			code:   http.StatusOK,
			status: "degraded",
			checks: map[string]string{"redis": "degraded"},
		},
		{
			name:   "storage down dominates",
			store:  down,
			redis:  PingFunc(down),
			code:   http.StatusServiceUnavailable,
			status: "unhealthy",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(logger.Nop(), tc.store, tc.audit, tc.redis, "costops", "test")
			code, body := readiness(t, h)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.status, body.Status)
			for name, want := range tc.checks {
				assert.Equal(t, want, body.Checks[name].Status, name)
			}
		})
	}
}

type stalledWorkers []string

func (s stalledWorkers) Stalled() []string { return s }

func TestReadiness_StalledWorkersDegrade(t *testing.T) {
	h := New(logger.Nop(), PingFunc(up), nil, nil, "costops", "test").
		WithWorkers(stalledWorkers{"dlq_processor"})

	code, body := readiness(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "degraded", body.Checks["workers"].Status)

	h.WithWorkers(stalledWorkers(nil))
	code, body = readiness(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Checks["workers"].Status)
}
