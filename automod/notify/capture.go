package notify

import (
	"context"
	"sync"
)

// Keeps every audit event in memory. Used in tests.
type CaptureNotifier struct {
	lk     sync.Mutex
	events []AuditEvent
}

func NewCaptureNotifier() *CaptureNotifier {
	return &CaptureNotifier{}
}

func (c *CaptureNotifier) EmitAudit(ctx context.Context, evt AuditEvent) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *CaptureNotifier) Events() []AuditEvent {
	c.lk.Lock()
	defer c.lk.Unlock()
	out := make([]AuditEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Events of the given kind.
func (c *CaptureNotifier) Kind(kind AuditKind) []AuditEvent {
	var out []AuditEvent
	for _, e := range c.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
