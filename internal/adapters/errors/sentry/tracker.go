package sentry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"costops/pkg/correlation"
	"costops/pkg/errors"
)

const defaultFlushTimeout = 2 * time.Second

var levels = map[errors.Level]sentry.Level{
	errors.LevelDebug:   sentry.LevelDebug,
	errors.LevelInfo:    sentry.LevelInfo,
	errors.LevelWarning: sentry.LevelWarning,
	errors.LevelError:   sentry.LevelError,
	errors.LevelFatal:   sentry.LevelFatal,
}

// Tracker reports errors to Sentry. Events are grouped by taxonomy kind and
// component instead of by stack trace, so one failing dependency shows up as
// one issue regardless of the call path.
type Tracker struct {
	hub *sentry.Hub
}

func New(dsn string, environment string, release string) (*Tracker, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          "costops@" + release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, errors.NewDomainError(errors.KindConfigInvalid, "sentry", "invalid SENTRY_DSN", err)
	}
	return &Tracker{hub: sentry.CurrentHub()}, nil
}

var _ errors.Tracker = (*Tracker)(nil)

func (t *Tracker) CaptureError(ctx context.Context, err error, tags map[string]string) error {
	if err == nil {
		return nil
	}
	kind := string(errors.KindOf(err))

	hub := t.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", kind)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetFingerprint([]string{kind, errors.ComponentOf(err)})
		applyRequest(ctx, scope)
	})
	hub.CaptureException(err)
	return nil
}

func (t *Tracker) CaptureMessage(ctx context.Context, message string, level errors.Level, tags map[string]string) error {
	hub := t.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(toSentry(level))
		applyRequest(ctx, scope)
	})
	hub.CaptureMessage(message)
	return nil
}

// SetTenant tags every later event of this tracker with tenantID. Request
// paths rely on the tenant carried by ctx instead.
func (t *Tracker) SetTenant(_ context.Context, tenantID string) {
	t.hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("tenant_id", tenantID)
	})
}

func (t *Tracker) AddBreadcrumb(_ context.Context, message string, category string, level errors.Level, data map[string]interface{}) {
	t.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Message:  message,
		Category: category,
		Level:    toSentry(level),
		Data:     data,
	}, nil)
}

// Flush waits for queued events until ctx's deadline
func (t *Tracker) Flush(ctx context.Context) error {
	timeout := defaultFlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !sentry.Flush(timeout) {
		return errors.New("sentry: flush timed out")
	}
	return nil
}

func applyRequest(ctx context.Context, scope *sentry.Scope) {
	if ctx == nil {
		return
	}
	if ids, ok := correlation.FromContext(ctx); ok {
		scope.SetTag("correlation_id", ids.CorrelationID)
		if ids.TraceID != "" {
			scope.SetTag("trace_id", ids.TraceID)
		}
	}
	if tenant := correlation.Tenant(ctx); tenant != "" {
		scope.SetTag("tenant_id", tenant)
	}
}

func toSentry(level errors.Level) sentry.Level {
	if l, ok := levels[level]; ok {
		return l
	}
	return sentry.LevelInfo
}
