package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"enterprise-auth/backend/internal/audit/domain"
)

// LokiJob is the job label on every stream pushed by LokiClient.
const LokiJob = "auth-audit"

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// LokiClient pushes audit events to Grafana Loki.
type LokiClient struct {
	baseURL string
	http    *http.Client
}

// NewLokiClient returns a client for baseURL (e.g. http://localhost:3100). httpClient may be nil.
func NewLokiClient(baseURL string, httpClient *http.Client) (*LokiClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("loki: base URL is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &LokiClient{baseURL: strings.TrimSuffix(baseURL, "/"), http: httpClient}, nil
}

// PushEventJSON pushes a JSON-encoded audit event (a Kafka message value). Labels are taken from
// event_type, method and success; the line is the raw JSON. Unparseable input is pushed as-is at
// the current time with only the job label.
func (c *LokiClient) PushEventJSON(ctx context.Context, raw []byte) error {
	labels := map[string]string{}
	ts := time.Now().UTC()
	var e domain.Event
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Type != "" {
			labels["event_type"] = string(e.Type)
			labels["success"] = strconv.FormatBool(e.Success)
		}
		if e.Method != "" {
			labels["method"] = e.Method
		}
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp
		}
	}
	return c.Push(ctx, ts, string(raw), labels)
}

// Export implements audit.Exporter so the client can also be attached directly to the audit logger.
func (c *LokiClient) Export(ctx context.Context, e *domain.Event) error {
	if e == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.PushEventJSON(ctx, raw)
}

// Push sends a single log line. Returns an error if the request fails or Loki returns non-2xx.
func (c *LokiClient) Push(ctx context.Context, timestamp time.Time, line string, labels map[string]string) error {
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = LokiJob
	for k, v := range labels {
		sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_")
		if sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	body := PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
		}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
