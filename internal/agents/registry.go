package agents

import (
	"errors"
	"strings"
	"sync"
)

var ErrUnknownAgent = errors.New("unknown agent")

// Class tags how an agent definition is rooted. Plan-like agents finalize with
// propose_plan and hand off; exec-like agents finalize with agent_report and
// produce diff artifacts.
type Class int

const (
	ClassPlain Class = iota
	ClassPlanLike
	ClassExecLike
)

const (
	// Builtin base agent ids.
	BaseExec         = "exec"
	BasePlan         = "plan"
	BaseOrchestrator = "orchestrator"

	// Finalize tool names.
	ToolAgentReport = "agent_report"
	ToolProposePlan = "propose_plan"
)

// Definition describes one agent. Custom agents chain to a base via BaseID,
// possibly transitively; the chain root decides the agent's class.
type Definition struct {
	ID              string
	BaseID          string
	DefaultModel    string
	DefaultThinking string
	Disabled        bool
}

// Registry resolves agent ids to definitions and caches base-chain
// classification so hot paths never re-walk the chain.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]Definition
	classes map[string]Class
}

func NewRegistry() *Registry {
	r := &Registry{
		defs:    make(map[string]Definition),
		classes: make(map[string]Class),
	}
	// Builtins always exist; custom definitions layer on top.
	r.defs[BaseExec] = Definition{ID: BaseExec}
	r.defs[BasePlan] = Definition{ID: BasePlan}
	r.defs[BaseOrchestrator] = Definition{ID: BaseOrchestrator}
	return r
}

func (r *Registry) Register(def Definition) {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	// Invalidate every cached class: a re-registered base can re-root
	// arbitrary chains.
	r.classes = make(map[string]Class)
}

func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.TrimSpace(id)]
	if !ok {
		return Definition{}, ErrUnknownAgent
	}
	return def, nil
}

// Classify walks the agent's base chain to its root and returns the cached
// class. Unknown ids and broken chains classify as plain.
func (r *Registry) Classify(id string) Class {
	id = strings.TrimSpace(id)

	r.mu.RLock()
	if c, ok := r.classes[id]; ok {
		r.mu.RUnlock()
		return c
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.classifyLocked(id)
	r.classes[id] = c
	return c
}

func (r *Registry) classifyLocked(id string) Class {
	seen := make(map[string]bool)
	cur := id
	for cur != "" && !seen[cur] {
		seen[cur] = true
		switch cur {
		case BasePlan:
			return ClassPlanLike
		case BaseExec, BaseOrchestrator:
			return ClassExecLike
		}
		def, ok := r.defs[cur]
		if !ok {
			return ClassPlain
		}
		cur = strings.TrimSpace(def.BaseID)
	}
	return ClassPlain
}

// FinalizeTool returns the tool call a task driven by this agent must make to
// report its result.
func (r *Registry) FinalizeTool(id string) string {
	if r.Classify(id) == ClassPlanLike {
		return ToolProposePlan
	}
	return ToolAgentReport
}

// Enabled reports whether the agent exists and is not disabled.
func (r *Registry) Enabled(id string) bool {
	def, err := r.Get(id)
	return err == nil && !def.Disabled
}
