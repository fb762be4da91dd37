package minion

import (
	"context"
	"strings"
)

// NewStore picks the store backend: a postgres URL, a bolt file path, or
// (when both are blank) the in-memory store.
func NewStore(ctx context.Context, databaseURL, boltPath string) (Store, error) {
	if url := strings.TrimSpace(databaseURL); url != "" {
		return NewPostgresStore(ctx, url)
	}
	if path := strings.TrimSpace(boltPath); path != "" {
		return NewBoltStore(path)
	}
	return NewMemoryStore(), nil
}
