package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the orchestrator's instruments. The zero value is not usable; use NewMetrics.
type Metrics struct {
	authAttempts metric.Int64Counter
	mfaOutcomes  metric.Int64Counter
	decisions    metric.Int64Counter
	registration metric.Registration
}

// GaugeFunc reports a current value when the meter collects.
type GaugeFunc func(ctx context.Context) int64

// NewMetrics creates the instruments on provider. A nil provider yields no-op instruments.
// activeSessions and cacheSize may be nil.
func NewMetrics(provider metric.MeterProvider, activeSessions, cacheSize GaugeFunc) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter("enterprise-auth/orchestrator")
	m := &Metrics{}
	var err error
	if m.authAttempts, err = meter.Int64Counter("auth_attempts",
		metric.WithDescription("Authentication attempts by method and outcome.")); err != nil {
		return nil, err
	}
	if m.mfaOutcomes, err = meter.Int64Counter("mfa_verifications",
		metric.WithDescription("MFA verifications by method and outcome.")); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("permission_decisions",
		metric.WithDescription("Permission checks by outcome and reason.")); err != nil {
		return nil, err
	}

	sessions, err := meter.Int64ObservableGauge("active_sessions",
		metric.WithDescription("Sessions currently held in the session store."))
	if err != nil {
		return nil, err
	}
	cache, err := meter.Int64ObservableGauge("rbac_decision_cache_entries",
		metric.WithDescription("Entries in the permission decision cache."))
	if err != nil {
		return nil, err
	}
	m.registration, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if activeSessions != nil {
			o.ObserveInt64(sessions, activeSessions(ctx))
		}
		if cacheSize != nil {
			o.ObserveInt64(cache, cacheSize(ctx))
		}
		return nil
	}, sessions, cache)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// AuthAttempt counts one authentication attempt. reason is the error code on failure.
func (m *Metrics) AuthAttempt(ctx context.Context, method string, ok bool, reason string) {
	if m == nil {
		return
	}
	m.authAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome(ok)),
		attribute.String("reason", reason),
	))
}

// MFAVerification counts one MFA verification.
func (m *Metrics) MFAVerification(ctx context.Context, method string, ok bool) {
	if m == nil {
		return
	}
	m.mfaOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome(ok)),
	))
}

// PermissionDecision counts one permission check.
func (m *Metrics) PermissionDecision(ctx context.Context, granted bool, reason string) {
	if m == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", result),
		attribute.String("reason", reason),
	))
}

// Close unregisters the gauge callback.
func (m *Metrics) Close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
