package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"enterprise-auth/backend/internal/orchestrator"
)

type fakeChecker struct {
	mu       sync.Mutex
	statuses map[string]orchestrator.Status
	calls    int
}

func (f *fakeChecker) HealthCheck(ctx context.Context) map[string]orchestrator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make(map[string]orchestrator.Status, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

func (f *fakeChecker) set(name string, st orchestrator.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[name] = st
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func status(t *testing.T, r *Reporter, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := r.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.Status
}

func TestServiceName(t *testing.T) {
	cases := map[string]string{
		"identity:oidc": "auth.identity.oidc",
		"rbac":          "auth.rbac",
	}
	for in, want := range cases {
		if got := ServiceName(in); got != want {
			t.Errorf("ServiceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReporter_NotServingBeforeRefresh(t *testing.T) {
	r := NewReporter(&fakeChecker{statuses: map[string]orchestrator.Status{}}, 0, nil)
	if got := status(t, r, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall = %v, want NOT_SERVING", got)
	}
	if r.interval != DefaultInterval {
		t.Errorf("interval = %v, want default", r.interval)
	}
}

func TestReporter_Refresh(t *testing.T) {
	c := &fakeChecker{statuses: map[string]orchestrator.Status{
		"identity:oidc": {Healthy: true},
		"rbac":          {Healthy: true},
		"session":       {Healthy: true},
	}}
	r := NewReporter(c, time.Minute, nil)
	r.Refresh(context.Background())

	if got := status(t, r, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall = %v, want SERVING", got)
	}
	if got := status(t, r, "auth.identity.oidc"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("oidc = %v, want SERVING", got)
	}

	c.set("session", orchestrator.Status{Error: "redis down"})
	r.Refresh(context.Background())
	if got := status(t, r, "auth.session"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("session = %v, want NOT_SERVING", got)
	}
	if got := status(t, r, "auth.rbac"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("rbac = %v, want SERVING", got)
	}
	if got := status(t, r, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall = %v, want NOT_SERVING", got)
	}
	if snap := r.Snapshot(); snap["session"].Error != "redis down" {
		t.Errorf("snapshot session = %+v", snap["session"])
	}
}

func TestReporter_UnknownServiceIsNotFound(t *testing.T) {
	r := NewReporter(&fakeChecker{statuses: map[string]orchestrator.Status{"rbac": {Healthy: true}}}, 0, nil)
	r.Refresh(context.Background())
	if _, err := r.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "auth.nope"}); err == nil {
		t.Error("Check for an unknown service should fail")
	}
}

func TestReporter_RunStopsOnCancel(t *testing.T) {
	c := &fakeChecker{statuses: map[string]orchestrator.Status{"rbac": {Healthy: true}}}
	r := NewReporter(c, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.callCount() < 3 {
		t.Fatalf("checker called %d times, want at least 3", c.callCount())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := status(t, r, "auth.rbac"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after shutdown rbac = %v, want NOT_SERVING", got)
	}
}
