package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	auditdomain "enterprise-auth/backend/internal/audit/domain"
	userdomain "enterprise-auth/backend/internal/user/domain"
)

func TestNewAuditEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewAuditEmitter(nil)
	if em == nil {
		t.Fatal("NewAuditEmitter(nil) returned nil")
	}
	if err := em.Export(context.Background(), &auditdomain.Event{Type: auditdomain.EventLoginSuccess}); err != nil {
		t.Errorf("noop Export: %v", err)
	}
}

func TestExport_NilEvent_ReturnsNil(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewAuditEmitter(provider)
	if err := em.Export(context.Background(), nil); err != nil {
		t.Errorf("Export(ctx, nil): %v", err)
	}
}

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec   otellog.Record
	calls int
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
	r.calls++
}

func attrs(rec otellog.Record) map[string]otellog.Value {
	out := make(map[string]otellog.Value)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value
		return true
	})
	return out
}

func TestExport_AttributeAndBodyMapping(t *testing.T) {
	cap := &recordCapture{}
	em := NewAuditEmitterWithLogger(cap)
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	event := &auditdomain.Event{
		ID:        "01HX",
		Timestamp: ts,
		Type:      auditdomain.EventLoginFailure,
		UserID:    "user1",
		SessionID: "sess1",
		IPAddress: "10.0.0.1",
		Method:    "saml",
		Reason:    "SAML_SIGNATURE_INVALID",
		Clearance: userdomain.ClearanceSecret,
		Metadata:  map[string]string{"issuer": "idp"},
	}
	if err := em.Export(context.Background(), event); err != nil {
		t.Fatalf("Export: %v", err)
	}
	rec := cap.rec
	if !rec.Timestamp().Equal(ts) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp(), ts)
	}
	if rec.Severity() != otellog.SeverityWarn {
		t.Errorf("severity = %v, want warn", rec.Severity())
	}
	if got := string(rec.Body().AsBytes()); got != `{"issuer":"idp"}` {
		t.Errorf("body = %q", got)
	}
	a := attrs(rec)
	for k, want := range map[string]string{
		"event_id": "01HX", "event_type": "login_failure", "user_id": "user1", "session_id": "sess1",
		"ip_address": "10.0.0.1", "method": "saml", "failure_reason": "SAML_SIGNATURE_INVALID", "clearance": "secret",
	} {
		if got := a[k].AsString(); got != want {
			t.Errorf("attr %s = %q, want %q", k, got, want)
		}
	}
	if a["success"].AsBool() {
		t.Error("success attr should be false")
	}
	if _, ok := a["user_agent"]; ok {
		t.Error("empty fields should not be emitted")
	}
}

func TestExport_SeverityByType(t *testing.T) {
	tests := []struct {
		typ  auditdomain.EventType
		want otellog.Severity
	}{
		{auditdomain.EventLoginSuccess, otellog.SeverityInfo},
		{auditdomain.EventPermissionDenied, otellog.SeverityWarn},
		{auditdomain.EventSecurityAlert, otellog.SeverityError},
	}
	for _, tt := range tests {
		cap := &recordCapture{}
		if err := NewAuditEmitterWithLogger(cap).Export(context.Background(), &auditdomain.Event{Type: tt.typ}); err != nil {
			t.Fatal(err)
		}
		if cap.rec.Severity() != tt.want {
			t.Errorf("%s severity = %v, want %v", tt.typ, cap.rec.Severity(), tt.want)
		}
		if !cap.rec.Body().Empty() {
			t.Errorf("%s body should be empty without metadata", tt.typ)
		}
		if cap.rec.Timestamp().IsZero() {
			t.Errorf("%s timestamp should default to now", tt.typ)
		}
	}
}
