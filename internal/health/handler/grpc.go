// Package handler publishes orchestrator component health through the standard gRPC health service.
package handler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"enterprise-auth/backend/internal/logging"
	"enterprise-auth/backend/internal/orchestrator"
)

// ServicePrefix namespaces component names in the health service, e.g. "auth.identity.oidc".
const ServicePrefix = "auth."

const (
	DefaultInterval = 15 * time.Second
	checkTimeout    = 5 * time.Second
)

// Checker reports component health keyed by component name.
type Checker interface {
	HealthCheck(ctx context.Context) map[string]orchestrator.Status
}

// Reporter polls a Checker and mirrors the result into a grpc health.Server. The empty service name
// reports the overall status, SERVING only when every component is healthy.
type Reporter struct {
	checker  Checker
	srv      *health.Server
	interval time.Duration
	logger   *zap.Logger

	mu   sync.RWMutex
	last map[string]orchestrator.Status
}

// NewReporter returns a Reporter; interval <= 0 selects DefaultInterval. Every service reports
// NOT_SERVING until the first Refresh.
func NewReporter(checker Checker, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Reporter{
		checker:  checker,
		srv:      srv,
		interval: interval,
		logger:   logging.OrNop(logger).Named("health"),
	}
}

// Server returns the health service implementation to register on a grpc.Server.
func (r *Reporter) Server() healthpb.HealthServer { return r.srv }

// ServiceName maps a component key ("identity:oidc") to its health service name ("auth.identity.oidc").
func ServiceName(component string) string {
	return ServicePrefix + strings.ReplaceAll(component, ":", ".")
}

// Refresh runs one check and updates every service status.
func (r *Reporter) Refresh(ctx context.Context) map[string]orchestrator.Status {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	statuses := r.checker.HealthCheck(ctx)

	r.mu.Lock()
	prev := r.last
	r.last = statuses
	r.mu.Unlock()

	for name, st := range statuses {
		serving := healthpb.HealthCheckResponse_SERVING
		if !st.Healthy {
			serving = healthpb.HealthCheckResponse_NOT_SERVING
			if p, ok := prev[name]; !ok || p.Healthy {
				r.logger.Warn("component unhealthy", zap.String("component", name), zap.String("error", st.Error))
			}
		} else if p, ok := prev[name]; ok && !p.Healthy {
			r.logger.Info("component recovered", zap.String("component", name))
		}
		r.srv.SetServingStatus(ServiceName(name), serving)
	}
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if orchestrator.Healthy(statuses) {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus("", overall)
	return statuses
}

// Snapshot returns the result of the last Refresh, or nil before the first one.
func (r *Reporter) Snapshot() map[string]orchestrator.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]orchestrator.Status, len(r.last))
	for k, v := range r.last {
		out[k] = v
	}
	return out
}

// Run refreshes immediately and then every interval until ctx is done, after which every
// service is marked NOT_SERVING.
func (r *Reporter) Run(ctx context.Context) {
	r.Refresh(ctx)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.srv.Shutdown()
			return
		case <-t.C:
			r.Refresh(ctx)
		}
	}
}
