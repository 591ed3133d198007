package ledger

import (
	"context"
	"errors"
)

var (
	// Save was called with a ledger whose version no longer matches the stored one.
	ErrStaleLedger = errors.New("stale ledger version")
	// Save was called with a ledger that would break a ledger invariant.
	ErrInvalidLedger = errors.New("invalid ledger")
	// Backing storage could not be reached. Implementations wrap driver errors with this.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	ErrLedgerNotFound   = errors.New("ledger not found")
)

// Durable storage of violation ledgers.
//
// Callers are expected to read-modify-write a ledger only while holding the per-key exclusive section for its key; Save additionally refuses stale versions.
type Store interface {
	// Returns the ledger for "key", creating and persisting an empty one if none exists. Creation is atomic.
	Load(ctx context.Context, key Key) (*Ledger, error)
	// Read-only lookup. Returns ErrLedgerNotFound instead of creating.
	Get(ctx context.Context, key Key) (*Ledger, error)
	// Replaces the full stored record. Fails with ErrStaleLedger if the stored version differs from l.Version; on success l.Version is incremented.
	Save(ctx context.Context, l *Ledger) error
	ListActiveSanctions(ctx context.Context, key Key) ([]SanctionRecord, error)
	// Returns up to "limit" keys strictly after "cursor" in key order, and the cursor for the next page ("" when done). An empty cursor starts at the beginning.
	Scan(ctx context.Context, cursor string, limit int) ([]Key, string, error)
}

// Filter used when walking all ledgers.
type Predicate func(l *Ledger) bool

// Reports whether a per-ledger error means the whole walk should stop, rather than just the one ledger being skipped.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Walks every ledger after "cursor", calling "fn" for ledgers matching "pred" (nil matches all).
//
// After each page "checkpoint" (if non-nil) is called with the cursor to resume from; it is called with "" once the walk completes. Ledgers are read without the per-key section: "fn" must re-load under the section before mutating.
//
// If "skip" is non-nil, a ledger which fails to load or whose "fn" fails with a non-fatal error (see IsFatal) is reported to it and the walk moves on. Otherwise any error ends the walk.
func ScanAll(ctx context.Context, s Store, cursor string, pageSize int, pred Predicate, fn func(l *Ledger) error, checkpoint func(cursor string) error, skip func(key Key, err error)) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, next, err := s.Scan(ctx, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := scanOne(ctx, s, k, pred, fn); err != nil {
				if skip == nil || IsFatal(err) || ctx.Err() != nil {
					return err
				}
				skip(k, err)
			}
		}
		cursor = next
		if checkpoint != nil {
			if err := checkpoint(cursor); err != nil {
				return err
			}
		}
		if cursor == "" {
			return nil
		}
	}
}

func scanOne(ctx context.Context, s Store, k Key, pred Predicate, fn func(l *Ledger) error) error {
	l, err := s.Load(ctx, k)
	if err != nil {
		return err
	}
	if pred != nil && !pred(l) {
		return nil
	}
	return fn(l)
}

func activeOf(l *Ledger) []SanctionRecord {
	return l.Clone().ActiveSanctions()
}
