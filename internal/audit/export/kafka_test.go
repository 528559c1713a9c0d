package export

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"enterprise-auth/backend/internal/audit/domain"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaExporter_Unconfigured(t *testing.T) {
	if p := NewKafkaExporter(nil, "topic", nil); p != nil {
		t.Error("no brokers should yield nil exporter")
	}
	if p := NewKafkaExporter([]string{"localhost:9092"}, "", nil); p != nil {
		t.Error("no topic should yield nil exporter")
	}
	var p *KafkaExporter
	if err := p.Export(context.Background(), &domain.Event{}); err != nil {
		t.Errorf("nil exporter Export: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil exporter Close: %v", err)
	}
}

func TestKafkaExporter_ExportKeysByUser(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaExporter(w, nil)
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := p.Export(context.Background(), &domain.Event{ID: "e1", Timestamp: ts, Type: domain.EventLoginSuccess, UserID: "u1", Success: true}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := p.Export(context.Background(), &domain.Event{ID: "e2", Timestamp: ts, Type: domain.EventSecurityAlert}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "u1" {
		t.Errorf("key = %q, want u1", w.msgs[0].Key)
	}
	if w.msgs[1].Key != nil {
		t.Errorf("event without user should have nil key, got %q", w.msgs[1].Key)
	}
	var got domain.Event
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if got.ID != "e1" || got.Type != domain.EventLoginSuccess || !got.Success {
		t.Errorf("decoded = %+v", got)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close err=%v closed=%v", err, w.closed)
	}
}

func TestKafkaExporter_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaExporter(w, nil)
	if err := p.Export(context.Background(), &domain.Event{Type: domain.EventLogout}); err == nil {
		t.Error("expected write error")
	}
}
