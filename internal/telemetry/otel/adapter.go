package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"enterprise-auth/backend/internal/audit"
	auditdomain "enterprise-auth/backend/internal/audit/domain"
)

// recordEmitter is the part of otellog.Logger the audit emitter uses.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewAuditEmitter returns an audit exporter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op exporter.
func NewAuditEmitter(provider *sdklog.LoggerProvider) audit.Exporter {
	if provider == nil {
		return noopEmitter{}
	}
	return &auditEmitter{logger: provider.Logger("auth.audit")}
}

// NewAuditEmitterWithLogger returns an audit exporter writing to logger.
func NewAuditEmitterWithLogger(logger recordEmitter) audit.Exporter {
	return &auditEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Export(context.Context, *auditdomain.Event) error { return nil }

type auditEmitter struct {
	logger recordEmitter
}

// Export converts the event to an OTel log record. Failures carry WARN severity.
func (e *auditEmitter) Export(ctx context.Context, event *auditdomain.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetEventName(string(event.Type))
	switch {
	case event.Type == auditdomain.EventSecurityAlert:
		rec.SetSeverity(otellog.SeverityError)
	case event.Type.IsFailure():
		rec.SetSeverity(otellog.SeverityWarn)
	default:
		rec.SetSeverity(otellog.SeverityInfo)
	}
	if len(event.Metadata) > 0 {
		body, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		rec.SetBody(otellog.BytesValue(body))
	}

	rec.AddAttributes(
		otellog.String("event_id", event.ID),
		otellog.String("event_type", string(event.Type)),
		otellog.Bool("success", event.Success),
		otellog.String("clearance", event.Clearance.String()),
	)
	for k, v := range map[string]string{
		"user_id":        event.UserID,
		"session_id":     event.SessionID,
		"ip_address":     event.IPAddress,
		"user_agent":     event.UserAgent,
		"method":         event.Method,
		"failure_reason": event.Reason,
	} {
		if v != "" {
			rec.AddAttributes(otellog.String(k, v))
		}
	}
	e.logger.Emit(ctx, rec)
	return nil
}
