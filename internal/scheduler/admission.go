package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/antoniostano/miniond/internal/agents"
	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/stream"
)

// CreateRequest spawns a new agent task under a parent minion.
type CreateRequest struct {
	ParentMinionID string `json:"parent_minion_id"`
	AgentID        string `json:"agent_id"`
	Prompt         string `json:"prompt"`
	Title          string `json:"title,omitempty"`
	ModelString    string `json:"model_string,omitempty"`
	ThinkingLevel  string `json:"thinking_level,omitempty"`
}

// RegisterRootMinion inserts a root minion record. Roots carry no status and
// never participate in scheduling; they exist so tasks have an ancestry and a
// workspace to fork from.
func (s *Scheduler) RegisterRootMinion(ctx context.Context, rec minion.Record) (minion.Record, error) {
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = ""
	rec.Kind = minion.KindAgent
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	err := s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		cp := rec.Clone()
		recs[rec.ID] = &cp
		return nil
	})
	if err != nil {
		return minion.Record{}, err
	}
	return rec, nil
}

// Create admits a new agent task: nesting depth is checked against persisted
// ancestry, model settings are resolved once, and the task either starts
// immediately (workspace forked, prompt delivered) or is queued with no
// resources. Creation is all-or-nothing: a delivery failure rolls back the
// record and any provisioned workspace.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (minion.Record, error) {
	req.ParentMinionID = strings.TrimSpace(req.ParentMinionID)
	req.AgentID = strings.TrimSpace(req.AgentID)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.ParentMinionID == "" {
		return minion.Record{}, errors.New("parent_minion_id is required")
	}
	if req.Prompt == "" {
		return minion.Record{}, errors.New("prompt is required")
	}
	def, err := s.registry.Get(req.AgentID)
	if err != nil {
		return minion.Record{}, fmt.Errorf("agent %q: %w", req.AgentID, err)
	}

	now := s.now()
	rec := minion.Record{
		ID:             uuid.NewString(),
		ParentMinionID: req.ParentMinionID,
		AgentID:        def.ID,
		Kind:           minion.KindAgent,
		Title:          strings.TrimSpace(req.Title),
		TaskPrompt:     req.Prompt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var parent minion.Record
	err = s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		p, ok := recs[req.ParentMinionID]
		if !ok {
			return fmt.Errorf("parent minion %q: %w", req.ParentMinionID, ErrTaskNotFound)
		}
		parent = p.Clone()

		depth := taskDepth(recs, req.ParentMinionID) + 1
		if depth > s.cfg.MaxNestingDepth {
			return fmt.Errorf("%w: depth %d > %d", ErrAdmissionDenied, depth, s.cfg.MaxNestingDepth)
		}

		rec.TaskModelString = s.resolveModel(req.ModelString, def, parent)
		rec.TaskThinkingLevel = s.resolveThinking(req.ThinkingLevel, def, parent)

		if s.countRunning(recs) < s.cfg.MaxParallelAgentTasks {
			rec.Status = minion.StatusRunning
		} else {
			rec.Status = minion.StatusQueued
		}
		cp := rec.Clone()
		recs[rec.ID] = &cp
		s.refreshGauges(recs)
		return nil
	})
	if err != nil {
		return minion.Record{}, err
	}

	rootID := s.rootMinionID(ctx, rec.ID)
	s.publish(Event{Type: EventTaskCreated, TaskID: rec.ID, RootMinionID: rootID, AgentID: rec.AgentID, Status: rec.Status})
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("created")
	}

	if rec.Status == minion.StatusQueued {
		s.publish(Event{Type: EventTaskQueued, TaskID: rec.ID, RootMinionID: rootID})
		return rec, nil
	}

	started, err := s.provisionAndDeliver(ctx, rec.ID, parent)
	if err != nil {
		// All-or-nothing: drop the record and whatever got provisioned.
		s.rollbackCreate(ctx, rec.ID)
		return minion.Record{}, err
	}
	s.publish(Event{Type: EventTaskStarted, TaskID: rec.ID, RootMinionID: rootID, AgentID: rec.AgentID, Status: minion.StatusRunning})
	return started, nil
}

// countRunning counts running agent tasks system-wide, minus any task that is
// itself blocked in a foreground wait on a child: a parent waiting
// synchronously must not hold a concurrency slot or the child it waits for
// could never start.
func (s *Scheduler) countRunning(recs map[string]*minion.Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range recs {
		if !rec.IsTask() || rec.Status != minion.StatusRunning {
			continue
		}
		if s.requesterWaits[rec.ID] > 0 {
			continue
		}
		n++
	}
	return n
}

// resolveModel applies the precedence: explicit argument → target agent's own
// global default → (same-agent case) parent's per-agent override → parent's
// current model. Only the target agent's own definition is consulted, never a
// base-chain default. A blank inherited model falls back to the hardcoded
// global default.
func (s *Scheduler) resolveModel(explicit string, def agents.Definition, parent minion.Record) string {
	if m := strings.TrimSpace(explicit); m != "" {
		return m
	}
	if m := strings.TrimSpace(def.DefaultModel); m != "" {
		return m
	}
	if parent.AgentID == def.ID {
		if m := strings.TrimSpace(parent.ModelOverrides[def.ID]); m != "" {
			return m
		}
	}
	if m := strings.TrimSpace(parent.ModelString); m != "" {
		return m
	}
	return fallbackModelString
}

func (s *Scheduler) resolveThinking(explicit string, def agents.Definition, parent minion.Record) string {
	if t := strings.TrimSpace(explicit); t != "" {
		return t
	}
	if t := strings.TrimSpace(def.DefaultThinking); t != "" {
		return t
	}
	if parent.AgentID == def.ID {
		if t := strings.TrimSpace(parent.ThinkingOverrides[def.ID]); t != "" {
			return t
		}
	}
	return strings.TrimSpace(parent.ThinkingLevel)
}

// provisionAndDeliver forks the parent's workspace, persists both runtime
// configs, and delivers the task prompt. Used on immediate admission, on
// dequeue, and on explicit resume of a never-provisioned task.
func (s *Scheduler) provisionAndDeliver(ctx context.Context, taskID string, parent minion.Record) (minion.Record, error) {
	provisionStart := s.now()
	var parentRuntime minion.RuntimeConfig
	if parent.Runtime != nil {
		parentRuntime = *parent.Runtime
	}
	fork, err := s.workspaces.Fork(ctx, parentRuntime)
	if err != nil {
		return minion.Record{}, fmt.Errorf("fork workspace: %w", err)
	}
	baseSha, err := s.workspaces.HeadCommit(ctx, fork.Forked)
	if err != nil {
		_ = s.workspaces.Remove(ctx, fork.Forked)
		return minion.Record{}, fmt.Errorf("resolve base commit: %w", err)
	}

	var rec minion.Record
	err = s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		r, ok := recs[taskID]
		if !ok {
			return ErrTaskNotFound
		}
		forked := fork.Forked
		r.Runtime = &forked
		r.TaskBaseCommitSha = baseSha
		r.Status = minion.StatusRunning
		r.UpdatedAt = s.now()
		// The fork may have relocated the parent too.
		if p, ok := recs[parent.ID]; ok && fork.Source != parentRuntime {
			src := fork.Source
			p.Runtime = &src
			p.UpdatedAt = s.now()
		}
		rec = r.Clone()
		s.refreshGauges(recs)
		return nil
	})
	if err != nil {
		_ = s.workspaces.Remove(ctx, fork.Forked)
		return minion.Record{}, err
	}

	err = s.engine.SendMessage(ctx, taskID, rec.TaskPrompt, stream.GenerationOptions{
		ModelString:   rec.TaskModelString,
		ThinkingLevel: rec.TaskThinkingLevel,
		AgentID:       rec.AgentID,
	}, stream.DeliveryFlags{Synthetic: true, SkipAutoResumeReset: true})
	if err != nil {
		_ = s.workspaces.Remove(ctx, fork.Forked)
		return minion.Record{}, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	s.startWaitTimers(taskID)
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("started")
		s.metrics.ObserveStage("create_to_start", float64(s.now().Sub(provisionStart).Milliseconds()))
	}
	return rec, nil
}

func (s *Scheduler) rollbackCreate(ctx context.Context, taskID string) {
	rec, err := s.store.Get(ctx, taskID)
	if err == nil && rec.Runtime != nil {
		_ = s.workspaces.Remove(ctx, *rec.Runtime)
	}
	if err := s.store.Remove(ctx, taskID); err != nil && !errors.Is(err, minion.ErrNotFound) {
		s.log.WithError(err).WithField("task", taskID).Warn("rollback: record removal failed")
	}
	if recs, err := s.snapshot(ctx); err == nil {
		s.refreshGauges(recs)
	}
}

func (s *Scheduler) rootMinionID(ctx context.Context, id string) string {
	recs, err := s.snapshot(ctx)
	if err != nil {
		return ""
	}
	return rootOf(recs, id)
}
