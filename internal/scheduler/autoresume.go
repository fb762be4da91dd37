package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/stream"
)

// notifyAutoResume nudges the nearest ancestor that is idle after a child
// reported, so orchestration chains keep moving without a human in the loop.
// The nudge is suppressed when the ancestor is mid-stream, still has other
// live descendants, sits in an interrupted subtree, or the per-root flood
// budget is spent.
func (s *Scheduler) notifyAutoResume(ctx context.Context, completed minion.Record, eventAgentID string) {
	recs, err := s.snapshot(ctx)
	if err != nil {
		s.log.WithError(err).WithField("task", completed.ID).Warn("auto-resume snapshot failed")
		return
	}

	var candidate *minion.Record
	for _, id := range ancestorChain(recs, completed.ID) {
		rec, ok := recs[id]
		if !ok {
			break
		}
		// A reported ancestor is just waiting for its own cleanup; skip
		// past it to the minion that can actually act.
		if rec.IsTask() && rec.Status == minion.StatusReported {
			continue
		}
		candidate = rec
		break
	}
	if candidate == nil {
		return
	}
	rootID := rootOf(recs, candidate.ID)

	if s.engine.IsStreaming(candidate.ID) {
		return
	}
	if hasActiveDescendants(recs, candidate.ID) {
		return
	}
	if candidate.IsTask() && candidate.Status == minion.StatusInterrupted {
		return
	}

	s.mu.Lock()
	st := s.resume[rootID]
	if st == nil {
		st = &resumeState{}
		s.resume[rootID] = st
	}
	if st.interrupted {
		s.mu.Unlock()
		return
	}
	st.count++
	over := st.count > s.cfg.AutoResumeBudget
	s.mu.Unlock()
	if over {
		s.log.WithField("root", rootID).Debug("auto-resume budget spent, nudge suppressed")
		return
	}

	agentID := strings.TrimSpace(eventAgentID)
	if agentID == "" {
		if last, ok, err := s.hist.Last(ctx, candidate.ID); err == nil && ok {
			agentID = last.AgentID
		}
	}
	if agentID == "" {
		agentID = fallbackAgentID
	}

	text := fmt.Sprintf("Sub-task(s) completed while you were idle (latest: %s). Review the report(s) and continue.", completed.ID)
	err = s.engine.SendMessage(ctx, candidate.ID, text, stream.GenerationOptions{
		ModelString:   candidate.ModelString,
		ThinkingLevel: candidate.ThinkingLevel,
		AgentID:       agentID,
	}, stream.DeliveryFlags{Synthetic: true, SkipAutoResumeReset: true})
	if err != nil {
		s.log.WithError(err).WithField("minion", candidate.ID).Warn("auto-resume nudge delivery failed")
		return
	}
	s.publish(Event{Type: EventAutoResume, TaskID: completed.ID, RootMinionID: rootID, Detail: candidate.ID})
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("auto_resume")
	}
}

// NoteUserMessage resets the root's auto-resume flood counter. Only genuine
// user input clears it; synthetic deliveries carry SkipAutoResumeReset.
func (s *Scheduler) NoteUserMessage(rootMinionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.resume[rootMinionID]; st != nil {
		st.count = 0
	}
}

// ResetAutoResume clears the root's auto-resume state explicitly (admin
// surface): both the flood counter and the subtree-interrupted flag, so a
// root whose interrupted subtree was later terminated can be nudged again.
func (s *Scheduler) ResetAutoResume(rootMinionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.resume[rootMinionID]; st != nil {
		st.count = 0
		st.interrupted = false
	}
}
