package stream

import (
	"context"

	"github.com/antoniostano/miniond/internal/history"
)

// GenerationOptions fix the model settings for one delivery. They are resolved
// once (at task creation or handoff) and never re-derived mid-flight.
type GenerationOptions struct {
	ModelString   string `json:"model_string,omitempty"`
	ThinkingLevel string `json:"thinking_level,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
}

// DeliveryFlags qualify a message delivery.
type DeliveryFlags struct {
	// Synthetic marks the message as scheduler-authored, not user-authored.
	Synthetic bool `json:"synthetic,omitempty"`
	// SkipAutoResumeReset keeps the message from clearing the target's
	// auto-resume flood counter; only real user input clears it.
	SkipAutoResumeReset bool `json:"skip_auto_resume_reset,omitempty"`
	// AllowQueued permits delivery to a task that is still queued.
	AllowQueued bool `json:"allow_queued,omitempty"`
}

// EndEvent is emitted when a minion's model stream finishes a turn. Parts may
// include the tool calls the model made, among them the finalize call the
// scheduler watches for.
type EndEvent struct {
	MinionID  string
	MessageID string
	Model     string
	AgentID   string
	Parts     []history.Part
}

// LastText returns the event's trailing assistant text, used to synthesize a
// fallback report when a task stays silent twice.
func (e EndEvent) LastText() string {
	for i := len(e.Parts) - 1; i >= 0; i-- {
		if e.Parts[i].Type == "text" && e.Parts[i].Text != "" {
			return e.Parts[i].Text
		}
	}
	return ""
}

// FindToolCall returns the first part invoking the named tool.
func (e EndEvent) FindToolCall(name string) (history.Part, bool) {
	for _, p := range e.Parts {
		if p.Type == "tool_call" && p.ToolName == name {
			return p, true
		}
	}
	return history.Part{}, false
}

// Engine is the chat/streaming engine that actually talks to a model. The
// scheduler only sends messages, stops streams, and consumes end events; the
// conversation loop itself lives behind this interface.
type Engine interface {
	SendMessage(ctx context.Context, minionID, text string, opts GenerationOptions, flags DeliveryFlags) error
	StopStream(ctx context.Context, minionID string, abandonPartial bool) error
	IsStreaming(minionID string) bool

	// Events is the single ordered inbound stream-end channel.
	Events() <-chan EndEvent
}
