package keylock

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
)

// Per-key exclusive sections.
//
// Holders of the same key are served strictly in the order they called Lock; different keys never contend. Entries are removed as soon as the last holder of a key unlocks, so idle keys cost nothing.
type Table[K comparable] struct {
	lklk  sync.Mutex
	locks map[K]*keyLock
}

type keyLock struct {
	held    bool
	waiters []chan struct{}
}

func NewTable[K comparable]() *Table[K] {
	return &Table[K]{
		locks: make(map[K]*keyLock),
	}
}

// Blocks until the section for "key" is acquired or "ctx" is done. The returned function releases the section and must be called exactly once.
func (t *Table[K]) Lock(ctx context.Context, key K) (func(), error) {
	_, span := otel.Tracer("keylock").Start(ctx, "keyLock")
	defer span.End()

	t.lklk.Lock()
	kl, ok := t.locks[key]
	if !ok {
		kl = &keyLock{}
		t.locks[key] = kl
	}
	if !kl.held {
		kl.held = true
		t.lklk.Unlock()
		lockAcquisitions.WithLabelValues("immediate").Inc()
		return t.unlocker(key, kl), nil
	}
	ch := make(chan struct{})
	kl.waiters = append(kl.waiters, ch)
	t.lklk.Unlock()

	select {
	case <-ch:
		lockAcquisitions.WithLabelValues("waited").Inc()
		return t.unlocker(key, kl), nil
	case <-ctx.Done():
	}

	t.lklk.Lock()
	for i, w := range kl.waiters {
		if w == ch {
			kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
			t.lklk.Unlock()
			lockAcquisitions.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
	}
	t.lklk.Unlock()
	// ownership was handed over concurrently with cancellation; pass it on
	t.unlocker(key, kl)()
	lockAcquisitions.WithLabelValues("cancelled").Inc()
	return nil, ctx.Err()
}

func (t *Table[K]) unlocker(key K, kl *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.lklk.Lock()
			defer t.lklk.Unlock()
			if len(kl.waiters) > 0 {
				next := kl.waiters[0]
				kl.waiters = kl.waiters[1:]
				close(next)
				return
			}
			kl.held = false
			delete(t.locks, key)
		})
	}
}

// Number of keys currently held or waited on.
func (t *Table[K]) Len() int {
	t.lklk.Lock()
	defer t.lklk.Unlock()
	return len(t.locks)
}
