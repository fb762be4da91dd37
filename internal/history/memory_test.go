package history

import (
	"context"
	"errors"
	"testing"
)

func TestPartialTailLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.BeginPartial(ctx, "m1", Message{ID: "p1", Role: "assistant", Parts: []Part{
		{Type: "tool_call", ToolName: "create_agent_task", State: "in_progress", TaskID: "child-1", Output: "still running"},
	}}); err != nil {
		t.Fatalf("BeginPartial() error = %v", err)
	}

	err := s.MutatePartial(ctx, "m1", func(m *Message) {
		m.Parts[0].Output = "report text"
		m.Parts[0].State = "completed"
	})
	if err != nil {
		t.Fatalf("MutatePartial() error = %v", err)
	}

	if err := s.Commit(ctx, "m1"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	entries, err := s.Entries(ctx, "m1")
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if got := entries[0].Parts[0].Output; got != "report text" {
		t.Fatalf("committed output = %q, want rewritten report", got)
	}

	// After commit the tail is immutable: no partial remains to mutate.
	err = s.MutatePartial(ctx, "m1", func(m *Message) { m.Parts[0].Output = "late write" })
	if !errors.Is(err, ErrNoPartial) {
		t.Fatalf("MutatePartial() after commit error = %v, want ErrNoPartial", err)
	}
}

func TestReplaceAllDropsPartial(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Append(ctx, "m1", Message{ID: "a", Role: "user", Parts: []Part{{Type: "text", Text: "hi"}}})
	_ = s.BeginPartial(ctx, "m1", Message{ID: "p", Role: "assistant"})

	summary := Message{ID: "s", Role: "system", Parts: []Part{{Type: "text", Text: "compacted"}}}
	if err := s.ReplaceAll(ctx, "m1", []Message{summary}); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	entries, _ := s.Entries(ctx, "m1")
	if len(entries) != 1 || entries[0].ID != "s" {
		t.Fatalf("entries after ReplaceAll = %+v, want single summary", entries)
	}
	if _, ok, _ := s.Partial(ctx, "m1"); ok {
		t.Fatalf("partial survived ReplaceAll")
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Parts: []Part{
		{Type: "text", Text: "first"},
		{Type: "tool_call", ToolName: "agent_report"},
		{Type: "text", Text: "second"},
	}}
	if got := m.Text(); got != "first\nsecond" {
		t.Fatalf("Text() = %q", got)
	}
}
