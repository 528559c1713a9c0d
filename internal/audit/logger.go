// Package audit records, queries and exports security events. Recording is best-effort: failures are
// logged and never returned to the operation being audited.
package audit

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"enterprise-auth/backend/internal/audit/domain"
	auditrepo "enterprise-auth/backend/internal/audit/repository"
	"enterprise-auth/backend/internal/logging"
)

const (
	DefaultRetention      = 90 * 24 * time.Hour
	DefaultAlertThreshold = 5
	DefaultAlertWindow    = 15 * time.Minute
)

// Recorder is the write side of the audit sink. Session and orchestrator code depend on this.
type Recorder interface {
	Record(ctx context.Context, e *domain.Event)
}

// Exporter forwards recorded events to an external system (Kafka, OTel logs).
type Exporter interface {
	Export(ctx context.Context, e *domain.Event) error
}

// IPExtractor returns the client IP from the request context (e.g. gRPC peer).
type IPExtractor func(context.Context) string

// Config configures retention and alerting.
type Config struct {
	Retention time.Duration
	// AlertThreshold failures for one user or address within AlertWindow raise a security alert.
	AlertThreshold int
	AlertWindow    time.Duration
}

// Logger is the audit sink backed by a repository.
type Logger struct {
	repo        auditrepo.Repository
	exporters   []Exporter
	ipExtractor IPExtractor
	cfg         Config
	logger      *zap.Logger
	nowF        func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time // "user:<id>" or "ip:<addr>"
}

// Option configures a Logger.
type Option func(*Logger)

// WithExporter adds an exporter that receives every recorded event.
func WithExporter(e Exporter) Option {
	return func(l *Logger) {
		if e != nil {
			l.exporters = append(l.exporters, e)
		}
	}
}

// WithIPExtractor sets the fallback for events recorded without an address.
func WithIPExtractor(f IPExtractor) Option {
	return func(l *Logger) { l.ipExtractor = f }
}

// NewLogger returns a Logger that persists to repo. logger may be nil.
func NewLogger(cfg Config, repo auditrepo.Repository, logger *zap.Logger, opts ...Option) *Logger {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.AlertThreshold < 1 {
		cfg.AlertThreshold = DefaultAlertThreshold
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = DefaultAlertWindow
	}
	l := &Logger{
		repo:     repo,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("audit"),
		nowF:     time.Now,
		failures: make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetClock replaces the time source. Intended for tests.
func (l *Logger) SetClock(now func() time.Time) { l.nowF = now }

func (l *Logger) now() time.Time { return l.nowF().UTC() }

// Record persists e, forwards it to exporters and raises a security alert when failures cross the threshold.
// ID and Timestamp are assigned when empty. The caller's event is not retained.
func (l *Logger) Record(ctx context.Context, e *domain.Event) {
	if e == nil {
		return
	}
	ev := e.Clone()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	if ev.ID == "" {
		ev.ID = ulid.MustNew(ulid.Timestamp(ev.Timestamp), ulid.DefaultEntropy()).String()
	}
	if ev.IPAddress == "" && l.ipExtractor != nil {
		ev.IPAddress = l.ipExtractor(ctx)
	}

	if l.repo != nil {
		if err := l.repo.Create(ctx, ev); err != nil {
			l.logger.Error("failed to record event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
	for _, x := range l.exporters {
		if err := x.Export(ctx, ev); err != nil {
			l.logger.Warn("failed to export event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}

	if ev.Type.IsFailure() {
		for _, alert := range l.trackFailure(ev) {
			l.Record(ctx, alert)
		}
	}
}

// trackFailure counts e against its user and address and returns alerts for keys that reached the threshold.
// A key's count restarts after it alerts.
func (l *Logger) trackFailure(e *domain.Event) []*domain.Event {
	var keys []string
	if e.UserID != "" {
		keys = append(keys, "user:"+e.UserID)
	}
	if e.IPAddress != "" {
		keys = append(keys, "ip:"+e.IPAddress)
	}
	if len(keys) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := e.Timestamp.Add(-l.cfg.AlertWindow)
	var alerts []*domain.Event
	for _, k := range keys {
		times := l.failures[k]
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		kept = append(kept, e.Timestamp)
		if len(kept) < l.cfg.AlertThreshold {
			l.failures[k] = kept
			continue
		}
		delete(l.failures, k)
		alerts = append(alerts, &domain.Event{
			Timestamp: e.Timestamp,
			Type:      domain.EventSecurityAlert,
			UserID:    e.UserID,
			IPAddress: e.IPAddress,
			Method:    e.Method,
			Reason:    "repeated failures",
			Clearance: e.Clearance,
			Metadata: map[string]string{
				"key":      k,
				"failures": strconv.Itoa(len(kept)),
				"window":   l.cfg.AlertWindow.String(),
				"trigger":  string(e.Type),
			},
		})
	}
	// Drop keys whose failures all fell out of the window.
	for k, times := range l.failures {
		if len(times) > 0 && !times[len(times)-1].After(cutoff) {
			delete(l.failures, k)
		}
	}
	return alerts
}

// Query returns events matching f, newest first.
func (l *Logger) Query(ctx context.Context, f domain.Filter) ([]*domain.Event, error) {
	return l.repo.List(ctx, f)
}

// Prune deletes events older than the retention window.
func (l *Logger) Prune(ctx context.Context) (int, error) {
	n, err := l.repo.DeleteBefore(ctx, l.now().Add(-l.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("pruned audit events", zap.Int("count", n))
	}
	return n, nil
}

// Summarize aggregates the events matching f. f.Limit is ignored.
func (l *Logger) Summarize(ctx context.Context, f domain.Filter) (*domain.Summary, error) {
	f.Limit = 0
	events, err := l.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	s := &domain.Summary{ByType: make(map[domain.EventType]int)}
	users := make(map[string]struct{})
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	for _, e := range events {
		s.Total++
		s.ByType[e.Type]++
		if e.Type.IsFailure() {
			s.Failures++
		}
		if e.Type == domain.EventSecurityAlert {
			s.Alerts++
		}
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
	}
	s.UniqueUsers = len(users)
	if s.Total > 0 {
		s.FailureRate = float64(s.Failures) / float64(s.Total)
		s.First, s.Last = events[0].Timestamp, events[len(events)-1].Timestamp
	}
	return s, nil
}
