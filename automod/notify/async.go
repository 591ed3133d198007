package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Delivers audit events to an inner Notifier from a background goroutine, so emitting never blocks event
// processing. When the queue is full, events are dropped and counted.
type Async struct {
	Inner   Notifier
	Logger  *slog.Logger
	Timeout time.Duration

	lk     sync.RWMutex
	closed bool
	queue  chan AuditEvent
	wg     sync.WaitGroup
}

func NewAsync(inner Notifier, queueSize int, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		Inner:   inner,
		Logger:  logger.With("component", "audit-async"),
		Timeout: 30 * time.Second,
		queue:   make(chan AuditEvent, queueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) EmitAudit(ctx context.Context, evt AuditEvent) error {
	a.lk.RLock()
	defer a.lk.RUnlock()
	if a.closed {
		auditDropped.Inc()
		return nil
	}
	select {
	case a.queue <- evt:
		auditQueued.Inc()
	default:
		auditDropped.Inc()
		a.Logger.Warn("audit queue full, dropping event", "kind", evt.Kind, "community", evt.CommunityID, "user", evt.UserID)
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()
	for evt := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
		if err := a.Inner.EmitAudit(ctx, evt); err != nil {
			auditErrors.Inc()
			a.Logger.Error("failed to deliver audit event", "err", err, "kind", evt.Kind, "community", evt.CommunityID, "user", evt.UserID)
		}
		cancel()
	}
}

// Stops accepting events and waits for queued ones to be delivered, up to the context deadline.
func (a *Async) Close(ctx context.Context) error {
	a.lk.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.lk.Unlock()
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
