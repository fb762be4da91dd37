package minion

import (
	"context"
	"sync"
)

// MemoryStore keeps the whole collection in process memory under one mutex.
// Edits are trivially atomic; used in tests and when no store URL is set.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func (s *MemoryStore) Edit(_ context.Context, fn func(recs map[string]*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Work on clones so an aborted mutator leaves nothing behind.
	working := make(map[string]*Record, len(s.recs))
	for id, r := range s.recs {
		cp := r.Clone()
		working[id] = &cp
	}
	if err := fn(working); err != nil {
		return err
	}
	s.recs = working
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
