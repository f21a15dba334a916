// Package correlation carries request-scoped identifiers through contexts.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// Header names honoured on inbound requests and echoed on responses.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderRequestID     = "X-Request-Id"
	HeaderTraceID       = "X-Trace-Id"
)

// IDs is the set of identifiers attached to one request
type IDs struct {
	CorrelationID string
	RequestID     string
	TraceID       string
}

type idsKey struct{}
type tenantKey struct{}

// NewID generates a fresh identifier for a missing header
func NewID() string {
	return uuid.NewString()
}

// WithIDs stores ids on the context
func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, idsKey{}, ids)
}

// FromContext returns the ids stored on ctx, if any
func FromContext(ctx context.Context) (IDs, bool) {
	ids, ok := ctx.Value(idsKey{}).(IDs)
	return ids, ok
}

// ID returns the correlation id or the empty string
func ID(ctx context.Context) string {
	if ids, ok := FromContext(ctx); ok {
		return ids.CorrelationID
	}
	return ""
}

// WithTenant stores the tenant being processed
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// Tenant returns the tenant stored on ctx or the empty string
func Tenant(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}
