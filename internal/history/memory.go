package history

import (
	"context"
	"sync"
)

// MemoryStore is the in-process history log.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string][]Message
	partials map[string]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string][]Message),
		partials: make(map[string]*Message),
	}
}

func (s *MemoryStore) Append(_ context.Context, minionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.MinionID = minionID
	s.entries[minionID] = append(s.entries[minionID], msg.Clone())
	return nil
}

func (s *MemoryStore) Entries(_ context.Context, minionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.entries[minionID]
	out := make([]Message, 0, len(src))
	for _, m := range src {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Last(_ context.Context, minionID string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.entries[minionID]
	if len(src) == 0 {
		return Message{}, false, nil
	}
	return src[len(src)-1].Clone(), true, nil
}

func (s *MemoryStore) BeginPartial(_ context.Context, minionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.MinionID = minionID
	cp := msg.Clone()
	s.partials[minionID] = &cp
	return nil
}

func (s *MemoryStore) Partial(_ context.Context, minionID string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partials[minionID]
	if !ok {
		return Message{}, false, nil
	}
	return p.Clone(), true, nil
}

func (s *MemoryStore) MutatePartial(_ context.Context, minionID string, fn func(*Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partials[minionID]
	if !ok {
		return ErrNoPartial
	}
	fn(p)
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, minionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partials[minionID]
	if !ok {
		return ErrNoPartial
	}
	delete(s.partials, minionID)
	s.entries[minionID] = append(s.entries[minionID], p.Clone())
	return nil
}

func (s *MemoryStore) ReplaceAll(_ context.Context, minionID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m.MinionID = minionID
		out = append(out, m.Clone())
	}
	s.entries[minionID] = out
	delete(s.partials, minionID)
	return nil
}

func (s *MemoryStore) Drop(_ context.Context, minionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, minionID)
	delete(s.partials, minionID)
	return nil
}
