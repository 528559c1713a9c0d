package export

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"enterprise-auth/backend/internal/audit"
	"enterprise-auth/backend/internal/audit/domain"
	"enterprise-auth/backend/internal/logging"
)

// emitTimeout bounds a single asynchronous export. ShutdownDrainDuration is derived from it.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the server stops before shutting down
// exporters, so in-flight asynchronous exports can finish.
const ShutdownDrainDuration = emitTimeout

// Async wraps an exporter so Export returns immediately and the write runs in a goroutine.
// The goroutine uses a fresh context so request cancellation does not abort it.
type Async struct {
	next   audit.Exporter
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewAsync returns next wrapped for fire-and-forget export. Returns nil when next is nil.
func NewAsync(next audit.Exporter, logger *zap.Logger) *Async {
	if next == nil {
		return nil
	}
	return &Async{next: next, logger: logging.OrNop(logger).Named("audit.async")}
}

// Export schedules the export and always returns nil; failures are logged.
func (a *Async) Export(_ context.Context, e *domain.Event) error {
	if a == nil || e == nil {
		return nil
	}
	ev := e.Clone()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := a.next.Export(ctx, ev); err != nil {
			a.logger.Warn("async export failed", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until in-flight exports finish or ctx is done.
func (a *Async) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
