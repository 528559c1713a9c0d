package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"enterprise-auth/backend/internal/audit/domain"
)

type recordingExporter struct {
	mu     sync.Mutex
	events []*domain.Event
	err    error
	delay  time.Duration
}

func (r *recordingExporter) Export(ctx context.Context, e *domain.Event) error {
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay):
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingExporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNewAsync_NilNext(t *testing.T) {
	a := NewAsync(nil, nil)
	if a != nil {
		t.Fatal("NewAsync(nil) should return nil")
	}
	if err := a.Export(context.Background(), &domain.Event{}); err != nil {
		t.Errorf("nil Async Export: %v", err)
	}
	if err := a.Wait(context.Background()); err != nil {
		t.Errorf("nil Async Wait: %v", err)
	}
}

func TestAsync_ExportsInBackground(t *testing.T) {
	next := &recordingExporter{delay: 200 * time.Millisecond}
	a := NewAsync(next, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := a.Export(context.Background(), &domain.Event{Type: domain.EventLoginSuccess}); err != nil {
			t.Fatalf("Export: %v", err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Export should not block on the wrapped exporter")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if next.count() != 3 {
		t.Errorf("exported %d events, want 3", next.count())
	}
}

func TestAsync_CancelledRequestContextDoesNotAbort(t *testing.T) {
	next := &recordingExporter{delay: 10 * time.Millisecond}
	a := NewAsync(next, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = a.Export(ctx, &domain.Event{Type: domain.EventLogout})
	if err := a.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if next.count() != 1 {
		t.Error("export should complete despite cancelled caller context")
	}
}

func TestAsync_ErrorIsSwallowed(t *testing.T) {
	next := &recordingExporter{err: errors.New("boom")}
	a := NewAsync(next, nil)
	if err := a.Export(context.Background(), &domain.Event{Type: domain.EventLogout}); err != nil {
		t.Errorf("Export should not surface async errors: %v", err)
	}
	_ = a.Wait(context.Background())
}

func TestAsync_EventIsCopied(t *testing.T) {
	next := &recordingExporter{}
	a := NewAsync(next, nil)
	e := &domain.Event{Type: domain.EventLogout, Metadata: map[string]string{"k": "v"}}
	_ = a.Export(context.Background(), e)
	e.Metadata["k"] = "changed"
	_ = a.Wait(context.Background())
	if got := next.events[0].Metadata["k"]; got != "v" {
		t.Errorf("exported metadata = %q, want v", got)
	}
}

func TestShutdownDrainDuration(t *testing.T) {
	if ShutdownDrainDuration < emitTimeout {
		t.Errorf("ShutdownDrainDuration %v < emitTimeout %v", ShutdownDrainDuration, emitTimeout)
	}
}
