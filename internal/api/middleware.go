package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"costops/pkg/correlation"
	"costops/pkg/logger"
)

// Correlation honours x-correlation-id, x-request-id and x-trace-id,
// generating any that are missing, and echoes them on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := correlation.IDs{
			CorrelationID: r.Header.Get(correlation.HeaderCorrelationID),
			RequestID:     r.Header.Get(correlation.HeaderRequestID),
			TraceID:       r.Header.Get(correlation.HeaderTraceID),
		}
		if ids.CorrelationID == "" {
			ids.CorrelationID = correlation.NewID()
		}
		if ids.RequestID == "" {
			ids.RequestID = correlation.NewID()
		}
		if ids.TraceID == "" {
			ids.TraceID = ids.CorrelationID
		}

		h := w.Header()
		h.Set(correlation.HeaderCorrelationID, ids.CorrelationID)
		h.Set(correlation.HeaderRequestID, ids.RequestID)
		h.Set(correlation.HeaderTraceID, ids.TraceID)

		next.ServeHTTP(w, r.WithContext(correlation.WithIDs(r.Context(), ids)))
	})
}

// statusWriter captures the response status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Logging logs one line per request with its correlation id and attaches a
// request-scoped logger to the context.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log.WithRequest(r.Context())
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r.WithContext(logger.IntoContext(r.Context(), reqLog)))

			fields := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			switch {
			case wrapped.status >= 500:
				reqLog.Warnw("HTTP request failed", fields...)
			case r.URL.Path == "/metrics" || r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
				reqLog.Debugw("HTTP request", fields...)
			default:
				reqLog.Infow("HTTP request", fields...)
			}
		})
	}
}

// Recover turns a handler panic into a 500
func Recover(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorw("HTTP handler panicked",
						"path", r.URL.Path,
						"panic", rec,
						"stack", string(debug.Stack()),
					)
					writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
