package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"costops/internal/adapters/sink"
	"costops/pkg/logger"
)

// Pinger is anything with a connectivity check
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// SinkStatus reports audit sink delivery health
type SinkStatus interface {
	Pinger
	Status(ctx context.Context) sink.Status
}

// Workers reports background jobs that stopped making progress
type Workers interface {
	Stalled() []string
}

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	storage     Pinger
	sink        SinkStatus
	redis       Pinger
	workers     Workers
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a health handler. sink and redis may be nil when not configured.
func New(log *logger.Logger, storage Pinger, sinkStatus SinkStatus, redis Pinger, serviceName, version string) *Handler {
	if log == nil {
		log = logger.Get()
	}
	return &Handler{
		log:         log.WithComponent("health"),
		storage:     storage,
		sink:        sinkStatus,
		redis:       redis,
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// WithWorkers adds the background scheduler to readiness; stalled workers
// degrade the service without failing it.
func (h *Handler) WithWorkers(w Workers) *Handler {
	h.workers = w
	return h
}

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                     `json:"status"` // healthy|degraded|unhealthy
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks,omitempty"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string      `json:"status"`
	ResponseTime string      `json:"response_time,omitempty"`
	Error        string      `json:"error,omitempty"`
	Detail       interface{} `json:"detail,omitempty"`
}

func (h *Handler) base(status string) HealthStatus {
	return HealthStatus{
		Status:    status,
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    strings.TrimSpace(humanize.RelTime(h.startTime, time.Now(), "", "")),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// HandleLiveness answers /healthz: the process is up
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, h.base(statusHealthy))
}

// HandleReadiness answers /readyz. Storage down is fatal (503). A spooling
// or failing audit sink, or an unreachable redis, only degrades (200).
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.base(statusHealthy)
	status.Checks = make(map[string]ComponentHealth)
	code := http.StatusOK

	storage := check(ctx, h.storage)
	status.Checks["storage"] = storage
	if storage.Status != statusHealthy {
		status.Status = statusUnhealthy
		code = http.StatusServiceUnavailable
	}

	if h.sink != nil {
		sinkCheck := check(ctx, h.sink)
		st := h.sink.Status(ctx)
		sinkCheck.Detail = st
		if sinkCheck.Status == statusHealthy && st.Degraded() {
			sinkCheck.Status = statusDegraded
		}
		status.Checks["audit_sink"] = sinkCheck

		spool := ComponentHealth{Status: statusHealthy, Detail: map[string]int{"depth": st.SpoolDepth}}
		if st.SpoolDepth > 0 {
			spool.Status = statusDegraded
		}
		status.Checks["spool"] = spool

		if (sinkCheck.Status != statusHealthy || spool.Status != statusHealthy) && status.Status == statusHealthy {
			status.Status = statusDegraded
		}
	}

	if h.redis != nil {
		rc := check(ctx, h.redis)
		if rc.Status != statusHealthy {
			// the limiter falls back to local windows
			rc.Status = statusDegraded
			if status.Status == statusHealthy {
				status.Status = statusDegraded
			}
		}
		status.Checks["redis"] = rc
	}

	if h.workers != nil {
		wc := ComponentHealth{Status: statusHealthy}
		if stalled := h.workers.Stalled(); len(stalled) > 0 {
			wc.Status = statusDegraded
			wc.Detail = map[string][]string{"stalled": stalled}
			if status.Status == statusHealthy {
				status.Status = statusDegraded
			}
		}
		status.Checks["workers"] = wc
	}

	if status.Status != statusHealthy {
		h.log.Warnw("Readiness check not healthy", "status", status.Status, "checks", status.Checks)
	}
	writeStatus(w, code, status)
}

func check(ctx context.Context, p Pinger) ComponentHealth {
	if p == nil {
		return ComponentHealth{Status: statusUnhealthy, Error: "not configured"}
	}
	start := time.Now()
	err := p.Ping(ctx)
	elapsed := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Status:       statusUnhealthy,
			ResponseTime: elapsed.String(),
			Error:        err.Error(),
		}
	}
	return ComponentHealth{Status: statusHealthy, ResponseTime: elapsed.String()}
}

func writeStatus(w http.ResponseWriter, code int, body HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
