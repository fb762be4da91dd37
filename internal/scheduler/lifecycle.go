package scheduler

import (
	"context"
	"fmt"

	"github.com/antoniostano/miniond/internal/agents"
	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/stream"
)

type endAction int

const (
	endActionNone endAction = iota
	endActionDefer
	endActionReminder
	endActionReport
	endActionFallback
	endActionHandoff
)

// HandleStreamEnd drives a task's lifecycle when its model stream finishes a
// turn. The decision and the resulting status write happen in one store edit;
// side effects (reminder delivery, report completion, handoff) run after.
// Handling is serialized per task id, so two end events for the same task can
// never interleave their read-decide-write sequences.
func (s *Scheduler) HandleStreamEnd(ctx context.Context, ev stream.EndEvent) {
	lock := s.taskLock(ev.MinionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	reminded := s.reminded[ev.MinionID]
	s.mu.Unlock()

	var (
		action endAction
		rec    minion.Record
		report string
	)
	err := s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		defer s.refreshGauges(recs)
		r, ok := recs[ev.MinionID]
		if !ok || !r.IsTask() {
			action = endActionNone
			return nil
		}
		switch r.Status {
		case minion.StatusInterrupted, minion.StatusQueued, minion.StatusReported:
			// Late event from a stream that was stopped, never admitted, or
			// already resolved. Nothing to drive.
			action = endActionNone
			return nil
		}

		// A parent never reports (or gets nagged) while children still run:
		// their completions will nudge it back awake.
		if hasActiveDescendants(recs, r.ID) {
			r.Status = minion.StatusRunning
			r.UpdatedAt = s.now()
			rec = r.Clone()
			action = endActionDefer
			return nil
		}

		finalize := s.registry.FinalizeTool(r.AgentID)
		if part, ok := ev.FindToolCall(finalize); ok {
			if s.registry.Classify(r.AgentID) == agents.ClassPlanLike {
				rec = r.Clone()
				report = part.Input
				action = endActionHandoff
				return nil
			}
			now := s.now()
			r.Status = minion.StatusReported
			r.ReportedAt = &now
			r.UpdatedAt = now
			rec = r.Clone()
			report = part.Input
			action = endActionReport
			return nil
		}

		if !reminded {
			r.Status = minion.StatusAwaitingReport
			r.UpdatedAt = s.now()
			rec = r.Clone()
			action = endActionReminder
			return nil
		}

		// Second silent turn: synthesize a report from the trailing text.
		now := s.now()
		r.Status = minion.StatusReported
		r.ReportedAt = &now
		r.UpdatedAt = now
		rec = r.Clone()
		report = ev.LastText()
		action = endActionFallback
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithField("task", ev.MinionID).Error("stream end handling failed")
		return
	}

	switch action {
	case endActionNone:
		return
	case endActionDefer:
		return
	case endActionReminder:
		s.mu.Lock()
		s.reminded[rec.ID] = true
		s.mu.Unlock()
		s.sendReminder(ctx, rec)
	case endActionReport:
		s.publishReported(ctx, rec, false)
		s.completeTask(ctx, rec, report, false, ev.AgentID)
	case endActionFallback:
		if s.metrics != nil {
			s.metrics.ObserveIndicator("fallback_report")
		}
		s.publishReported(ctx, rec, true)
		s.completeTask(ctx, rec, report, true, ev.AgentID)
	case endActionHandoff:
		s.handleHandoff(ctx, rec, report)
	}
}

// sendReminder nags a silent task once per awaiting episode, naming the
// finalize tool it must call.
func (s *Scheduler) sendReminder(ctx context.Context, rec minion.Record) {
	tool := s.registry.FinalizeTool(rec.AgentID)
	text := fmt.Sprintf("Your turn ended without a final report. Call the %s tool now to deliver your result.", tool)
	err := s.engine.SendMessage(ctx, rec.ID, text, stream.GenerationOptions{
		ModelString:   rec.TaskModelString,
		ThinkingLevel: rec.TaskThinkingLevel,
		AgentID:       rec.AgentID,
	}, stream.DeliveryFlags{Synthetic: true, SkipAutoResumeReset: true})
	if err != nil {
		s.log.WithError(err).WithField("task", rec.ID).Warn("reminder delivery failed")
	}
	s.publish(Event{Type: EventTaskReminder, TaskID: rec.ID, RootMinionID: s.rootMinionID(ctx, rec.ID), Status: minion.StatusAwaitingReport})
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("reminder")
	}
}

func (s *Scheduler) publishReported(ctx context.Context, rec minion.Record, fallback bool) {
	evt := Event{Type: EventTaskReported, TaskID: rec.ID, RootMinionID: s.rootMinionID(ctx, rec.ID), AgentID: rec.AgentID, Status: minion.StatusReported}
	if fallback {
		evt.Detail = "fallback"
	}
	s.publish(evt)
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("reported")
	}
}
