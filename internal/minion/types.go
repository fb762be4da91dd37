package minion

import "time"

// Status is the lifecycle state of an agent task. A record with an empty
// Status is a root minion, not a task, and never participates in scheduling.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusAwaitingReport Status = "awaiting_report"
	StatusInterrupted    Status = "interrupted"
	StatusReported       Status = "reported"
)

type Kind string

const (
	// KindAgent marks task minions that participate in scheduling.
	KindAgent Kind = "agent"
)

// RuntimeConfig records where a minion's workspace lives. The workspace layer
// may relocate both the parent and the child when forking, in which case both
// records are persisted back with their new locations.
type RuntimeConfig struct {
	WorkspacePath string `json:"workspace_path"`
	Branch        string `json:"branch,omitempty"`
}

// Record is one minion. Root minions carry no Status and no task fields; task
// minions (sidekicks) carry the full task envelope.
type Record struct {
	ID             string `json:"id"`
	ParentMinionID string `json:"parent_minion_id,omitempty"`
	AgentID        string `json:"agent_id"`
	Kind           Kind   `json:"kind"`
	Title          string `json:"title,omitempty"`

	Status Status `json:"status,omitempty"`

	// TaskPrompt is delivered when the task (re)starts and is preserved
	// verbatim across interrupt/resume cycles.
	TaskPrompt        string `json:"task_prompt,omitempty"`
	TaskModelString   string `json:"task_model_string,omitempty"`
	TaskThinkingLevel string `json:"task_thinking_level,omitempty"`
	TaskBaseCommitSha string `json:"task_base_commit_sha,omitempty"`

	// PendingHandoffAgentID is set while a plan handoff kickoff has not yet
	// been delivered, so recovery can retry it.
	PendingHandoffAgentID string `json:"pending_handoff_agent_id,omitempty"`

	// ModelString is the minion's own current model; children may inherit it.
	ModelString   string `json:"model_string,omitempty"`
	ThinkingLevel string `json:"thinking_level,omitempty"`

	// ModelOverrides maps an agent id to the model this minion wants its
	// same-agent children to use.
	ModelOverrides    map[string]string `json:"model_overrides,omitempty"`
	ThinkingOverrides map[string]string `json:"thinking_overrides,omitempty"`

	Runtime *RuntimeConfig `json:"runtime,omitempty"`

	ReportedAt *time.Time `json:"reported_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsTask reports whether the record is a schedulable agent task.
func (r Record) IsTask() bool {
	return r.Status != "" && r.Kind == KindAgent
}

// Active reports whether the task still has work in flight. Reported tasks are
// done; everything else (queued, running, awaiting_report, interrupted) is
// considered live for descendant accounting.
func (r Record) Active() bool {
	return r.IsTask() && r.Status != StatusReported
}

func (r Record) Clone() Record {
	out := r
	if r.Runtime != nil {
		rt := *r.Runtime
		out.Runtime = &rt
	}
	if r.ReportedAt != nil {
		t := *r.ReportedAt
		out.ReportedAt = &t
	}
	if r.ModelOverrides != nil {
		out.ModelOverrides = make(map[string]string, len(r.ModelOverrides))
		for k, v := range r.ModelOverrides {
			out.ModelOverrides[k] = v
		}
	}
	if r.ThinkingOverrides != nil {
		out.ThinkingOverrides = make(map[string]string, len(r.ThinkingOverrides))
		for k, v := range r.ThinkingOverrides {
			out.ThinkingOverrides[k] = v
		}
	}
	return out
}
