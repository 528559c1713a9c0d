package export

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"enterprise-auth/backend/internal/audit/domain"
)

type lokiServer struct {
	mu     sync.Mutex
	bodies []PushRequest
	status int
}

func (s *lokiServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/push" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		var body PushRequest
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("body is not a push request: %v", err)
		}
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		status := s.status
		s.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	}
}

func TestNewLokiClient_EmptyURL(t *testing.T) {
	if _, err := NewLokiClient("  ", nil); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestLokiClient_PushEventJSON_Labels(t *testing.T) {
	srv := &lokiServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()
	c, err := NewLokiClient(ts.URL+"/", ts.Client())
	if err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	raw, _ := json.Marshal(&domain.Event{ID: "e1", Timestamp: at, Type: domain.EventLoginFailure, Method: "saml assertion"})
	if err := c.PushEventJSON(context.Background(), raw); err != nil {
		t.Fatalf("PushEventJSON: %v", err)
	}
	stream := srv.bodies[0].Streams[0]
	want := map[string]string{"job": LokiJob, "event_type": "login_failure", "method": "saml_assertion", "success": "false"}
	for k, v := range want {
		if stream.Stream[k] != v {
			t.Errorf("label %s = %q, want %q", k, stream.Stream[k], v)
		}
	}
	if got := stream.Values[0][0]; got != "1777636800000000000" {
		t.Errorf("timestamp = %s", got)
	}
	if stream.Values[0][1] != string(raw) {
		t.Error("line should be the raw JSON")
	}
}

func TestLokiClient_PushEventJSON_Unparseable(t *testing.T) {
	srv := &lokiServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()
	c, _ := NewLokiClient(ts.URL, nil)

	if err := c.PushEventJSON(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("PushEventJSON: %v", err)
	}
	stream := srv.bodies[0].Streams[0]
	if len(stream.Stream) != 1 || stream.Stream["job"] != LokiJob {
		t.Errorf("labels = %v, want only job", stream.Stream)
	}
}

func TestLokiClient_Export(t *testing.T) {
	srv := &lokiServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()
	c, _ := NewLokiClient(ts.URL, nil)
	if err := c.Export(context.Background(), &domain.Event{Type: domain.EventLogout, Success: true}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got := srv.bodies[0].Streams[0].Stream["success"]; got != "true" {
		t.Errorf("success label = %q", got)
	}
	if err := c.Export(context.Background(), nil); err != nil {
		t.Errorf("Export(nil): %v", err)
	}
}

func TestLokiClient_Non2xx(t *testing.T) {
	srv := &lokiServer{status: http.StatusBadRequest}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()
	c, _ := NewLokiClient(ts.URL, nil)
	if err := c.Push(context.Background(), time.Now(), "line", nil); err == nil {
		t.Error("expected error on 400")
	}
}
