package dedupe

import (
	"context"
)

// Remembers which source messages have already produced a violation event, so a redelivered message is never
// escalated twice.
type Store interface {
	// Atomically marks the id as seen. Returns true if it was not seen before (within the retention window).
	MarkSeen(ctx context.Context, scope, id string) (bool, error)
	// Forgets the id, eg when handling failed and a redelivery should be processed.
	Forget(ctx context.Context, scope, id string) error
}

func seenKey(scope, id string) string {
	return scope + "/" + id
}
