package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/antoniostano/miniond/internal/agents"
	"github.com/antoniostano/miniond/internal/history"
	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/stream"
)

// handleHandoff converts a plan-like task that just proposed a plan into its
// execution phase: the transcript is compacted down to a single boundary
// message carrying the plan, the record is re-pointed at the next agent, and
// a synthetic kickoff is delivered. The task never passes through reported;
// the same record keeps executing under the new agent.
func (s *Scheduler) handleHandoff(ctx context.Context, rec minion.Record, plan string) {
	next := s.routeHandoff(plan)

	boundary := history.Message{
		ID:        uuid.NewString(),
		MinionID:  rec.ID,
		Role:      "user",
		Synthetic: true,
		Parts: []history.Part{{
			Type: "text",
			Text: fmt.Sprintf("An implementation plan was approved for this task. Execute it.\n\n%s", plan),
		}},
		CreatedAt: s.now(),
	}
	if err := s.hist.ReplaceAll(ctx, rec.ID, []history.Message{boundary}); err != nil {
		s.log.WithError(err).WithField("task", rec.ID).Error("handoff compaction failed")
		return
	}

	var (
		parent  minion.Record
		hasPar  bool
		updated minion.Record
	)
	err := s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		r, ok := recs[rec.ID]
		if !ok {
			return ErrTaskNotFound
		}
		if p, ok := recs[r.ParentMinionID]; ok {
			parent = p.Clone()
			hasPar = true
		}
		def, err := s.registry.Get(next)
		if err != nil {
			def = agents.Definition{ID: next}
		}
		r.AgentID = next
		r.Status = minion.StatusRunning
		r.PendingHandoffAgentID = next
		if hasPar {
			r.TaskModelString = s.resolveModel("", def, parent)
			r.TaskThinkingLevel = s.resolveThinking("", def, parent)
		} else if strings.TrimSpace(def.DefaultModel) != "" {
			r.TaskModelString = def.DefaultModel
		}
		r.UpdatedAt = s.now()
		updated = r.Clone()
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithField("task", rec.ID).Error("handoff transition failed")
		return
	}

	s.publish(Event{Type: EventTaskHandoff, TaskID: rec.ID, RootMinionID: s.rootMinionID(ctx, rec.ID), AgentID: next})
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("handoff")
	}

	if err := s.deliverHandoffKickoff(ctx, updated); err != nil {
		// Record stays running with PendingHandoffAgentID set; the recovery
		// sweep retries the kickoff.
		s.log.WithError(err).WithField("task", rec.ID).Warn("handoff kickoff delivery failed, left for recovery")
	}
}

// routeHandoff picks the agent that executes an approved plan.
func (s *Scheduler) routeHandoff(plan string) string {
	mode := s.cfg.HandoffMode
	if mode == "auto" {
		if strings.Contains(strings.ToLower(plan), "orchestrat") {
			mode = "orchestrator"
		} else {
			mode = "exec"
		}
	}
	if mode == "orchestrator" && s.cfg.OrchestratorEnabled && s.registry.Enabled(agents.BaseOrchestrator) {
		return agents.BaseOrchestrator
	}
	return agents.BaseExec
}

func (s *Scheduler) deliverHandoffKickoff(ctx context.Context, rec minion.Record) error {
	err := s.engine.SendMessage(ctx, rec.ID, "Begin executing the approved plan.", stream.GenerationOptions{
		ModelString:   rec.TaskModelString,
		ThinkingLevel: rec.TaskThinkingLevel,
		AgentID:       rec.AgentID,
	}, stream.DeliveryFlags{Synthetic: true, SkipAutoResumeReset: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		if r, ok := recs[rec.ID]; ok {
			r.PendingHandoffAgentID = ""
			r.UpdatedAt = s.now()
		}
		return nil
	})
}
