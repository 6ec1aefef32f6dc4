package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"keygate/internal/infrastructure"
	"keygate/internal/store"
	"keygate/internal/websocket"
	apiv1 "keygate/pkg/contracts/api/v1"
)

// Health status values reported to callers. Readiness handlers map
// anything other than StatusHealthy to a 503.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusAlive    = "alive"
)

// HealthService aggregates dependency checks into the health endpoints.
type HealthService struct {
	licenses  store.LicenseStore
	allowlist store.AllowListStore
	hub       *websocket.Hub
	collector *infrastructure.SystemMetricsCollector
	version   string
	startTime time.Time
	logger    *slog.Logger
}

// NewHealthService wires the health checks. Hub and collector may be
// nil; their checks are then omitted.
func NewHealthService(licenses store.LicenseStore, allowlist store.AllowListStore, hub *websocket.Hub, collector *infrastructure.SystemMetricsCollector, version string, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		licenses:  licenses,
		allowlist: allowlist,
		hub:       hub,
		collector: collector,
		version:   version,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// Health probes every dependency and reports the aggregate. The store
// checks hit the backend, so this is the readiness signal; a degraded
// result means issuance and activation would fail right now.
func (hs *HealthService) Health(ctx context.Context) *apiv1.HealthResponse {
	resp := &apiv1.HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Checks:    make(map[string]string),
	}

	if p, ok := hs.licenses.(store.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			resp.Status = StatusDegraded
			resp.Checks["license_store"] = "unavailable: " + err.Error()
		} else {
			resp.Checks["license_store"] = "ok"
		}
	} else {
		resp.Checks["license_store"] = "ok"
	}

	count, err := hs.allowlist.Count(ctx)
	if err != nil {
		resp.Status = StatusDegraded
		resp.Checks["allowlist"] = "unavailable: " + err.Error()
	} else {
		resp.Checks["allowlist"] = fmt.Sprintf("ok, %d identities provisioned", count)
	}

	if hs.hub != nil {
		resp.Checks["websocket"] = fmt.Sprintf("ok, %d clients connected", hs.hub.ClientCount())
	}
	resp.Checks["uptime"] = time.Since(hs.startTime).Round(time.Second).String()

	if resp.Status != StatusHealthy {
		hs.logger.WarnContext(ctx, "health check degraded",
			slog.Any("checks", resp.Checks))
	}
	return resp
}

// Liveness reports that the process is up without touching any backend,
// so orchestrators never restart the service over a store outage.
func (hs *HealthService) Liveness(ctx context.Context) *apiv1.HealthResponse {
	resp := &apiv1.HealthResponse{
		Status:    StatusAlive,
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Checks: map[string]string{
			"uptime": time.Since(hs.startTime).Round(time.Second).String(),
		},
	}
	if hs.collector != nil {
		stats := hs.collector.GetCurrentStats(ctx)
		resp.Checks["goroutines"] = strconv.FormatInt(stats.GoRoutines, 10)
		resp.Checks["memory_mb"] = strconv.FormatInt(stats.MemoryUsage/1024/1024, 10)
	}
	return resp
}

// Version reports build information.
func (hs *HealthService) Version() *apiv1.VersionResponse {
	return &apiv1.VersionResponse{
		Version:   hs.version,
		GoVersion: runtime.Version(),
	}
}
