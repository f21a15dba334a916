package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/pkg/errors"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("AUDIT_SINK_KIND", "http")
	t.Setenv("AUDIT_SINK_ENDPOINT", "http://audit.local/events")
	t.Setenv("AUDIT_SPOOL_PATH", t.TempDir()+"/spool.db")
}

func TestLoadDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.DLQ.MaxAttempts)
	assert.Equal(t, time.Second, cfg.DLQ.BaseDelay())
	assert.Equal(t, time.Minute, cfg.DLQ.MaxDelay())
	assert.Equal(t, 32, cfg.DLQ.BatchSize)
	assert.Equal(t, 7, cfg.Forecast.MinPoints)
	assert.Equal(t, 365, cfg.Forecast.MaxHorizonDays)
	assert.Equal(t, 1200, cfg.Signal.MaxTokens)
	assert.Equal(t, 2500*time.Millisecond, cfg.Signal.MaxLatency())
	assert.Equal(t, 30*time.Second, cfg.AuditSink.Timeout())
	assert.Equal(t, 3, cfg.AuditSink.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Ingestion.MaxSkew)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window())
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.ClickHouse.Enabled())
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("DLQ_BASE_DELAY_MS", "90000")
	t.Setenv("FORECAST_MIN_POINTS", "2")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, errors.KindConfigInvalid, errors.KindOf(err))
	assert.Contains(t, err.Error(), "configuration rejected")
}

func TestValidatePostgresRequiresHost(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("STORAGE_DRIVER", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
}

func TestValidateKafkaSinkNeedsBrokers(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("AUDIT_SINK_KIND", "kafka")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	_, err = Load()
	require.NoError(t, err)
}

func TestParseOverrides(t *testing.T) {
	c := RateLimitConfig{Overrides: []string{"T1:5/2/60", " tenant:with:colon:10/0/0.5 "}}

	got, err := c.ParseOverrides()
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, TenantLimit{Tenant: "T1", Limit: 5, Burst: 2, Window: time.Minute}, got[0])
	assert.Equal(t, "tenant:with:colon", got[1].Tenant)
	assert.Equal(t, 500*time.Millisecond, got[1].Window)

	_, err = RateLimitConfig{Overrides: []string{"T1:5/2"}}.ParseOverrides()
	assert.Error(t, err)
	_, err = RateLimitConfig{Overrides: []string{"T1:0/2/60"}}.ParseOverrides()
	assert.Error(t, err)
}
