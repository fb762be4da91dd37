package minion

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("minion not found in store")

// Store persists the full minion collection. Every scheduling decision that
// must be atomic (admission counting, status transitions, cascade removal)
// runs inside a single Edit call: the mutator sees a consistent snapshot of
// all records and its changes commit as one unit. Concurrent Edit callers
// never observe each other's partial writes.
type Store interface {
	// Edit runs fn against the live record set. Records the mutator adds,
	// changes, or deletes from the map are committed atomically when fn
	// returns nil; any error aborts the whole edit.
	Edit(ctx context.Context, fn func(recs map[string]*Record) error) error

	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Remove(ctx context.Context, id string) error
	Close() error
}
