package history

import (
	"context"
	"errors"
	"time"
)

var ErrNoPartial = errors.New("no partial message")

// Part is one fragment of a message: streamed assistant text or a tool-call
// record. Agent-task tool calls carry the spawned task's id so the scheduler
// can find the matching record when the child reports.
type Part struct {
	Type     string `json:"type"` // "text" | "tool_call"
	Text     string `json:"text,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	State    string `json:"state,omitempty"` // "in_progress" | "completed" | "errored"
	Input    string `json:"input,omitempty"`
	Output   string `json:"output,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	MinionID  string    `json:"minion_id"`
	Role      string    `json:"role"` // "user" | "assistant" | "system"
	AgentID   string    `json:"agent_id,omitempty"`
	Synthetic bool      `json:"synthetic,omitempty"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		copy(out.Parts, m.Parts)
	}
	return out
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			if s != "" {
				s += "\n"
			}
			s += p.Text
		}
	}
	return s
}

// Store is the per-minion chat log. Committed entries are immutable; each
// minion may additionally hold one mutable partial (uncommitted) tail message
// that the streaming engine is still filling in. The scheduler rewrites a
// tool-call output in the partial tail when a child reports before the tail
// commits, and appends a synthetic message otherwise.
type Store interface {
	Append(ctx context.Context, minionID string, msg Message) error
	Entries(ctx context.Context, minionID string) ([]Message, error)
	Last(ctx context.Context, minionID string) (Message, bool, error)

	BeginPartial(ctx context.Context, minionID string, msg Message) error
	Partial(ctx context.Context, minionID string) (Message, bool, error)
	// MutatePartial edits the partial tail in place; ErrNoPartial when the
	// tail has already been committed (or never existed).
	MutatePartial(ctx context.Context, minionID string, fn func(*Message)) error
	Commit(ctx context.Context, minionID string) error

	// ReplaceAll swaps the minion's entire log, used for compaction at a plan
	// handoff boundary. It drops any partial tail.
	ReplaceAll(ctx context.Context, minionID string, msgs []Message) error

	Drop(ctx context.Context, minionID string) error
}
