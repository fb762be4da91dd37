package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/miniond/internal/agents"
	"github.com/antoniostano/miniond/internal/history"
	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/reports"
)

// completeTask runs the report pipeline for a task whose record is already
// persisted as reported: write the result into the parent's transcript, store
// the durable report, wake waiters, kick off artifact generation, cascade
// cleanup, nudge the nearest idle ancestor, and hand the freed concurrency
// slot to the queue.
func (s *Scheduler) completeTask(ctx context.Context, rec minion.Record, report string, fallback bool, eventAgentID string) {
	s.mu.Lock()
	delete(s.reminded, rec.ID)
	s.mu.Unlock()

	recs, err := s.snapshot(ctx)
	if err != nil {
		s.log.WithError(err).WithField("task", rec.ID).Error("completion snapshot failed")
		return
	}
	ancestors := ancestorChain(recs, rec.ID)
	rootID := rec.ID
	if len(ancestors) > 0 {
		rootID = ancestors[len(ancestors)-1]
	}

	reportedAt := s.now()
	if rec.ReportedAt != nil {
		reportedAt = *rec.ReportedAt
	}

	s.writeBackToParent(ctx, rec, report)
	if s.metrics != nil {
		s.metrics.ObserveStage("report_to_writeback", float64(s.now().Sub(reportedAt).Milliseconds()))
	}

	execLike := s.registry.Classify(rec.AgentID) == agents.ClassExecLike
	rep := reports.Report{
		TaskID:            rec.ID,
		ParentMinionID:    rec.ParentMinionID,
		RootMinionID:      rootID,
		AncestorMinionIDs: ancestors,
		AgentID:           rec.AgentID,
		Title:             rec.Title,
		ReportMarkdown:    report,
		Fallback:          fallback,
		ReportedAt:        reportedAt,
	}
	if execLike {
		rep.Artifact = &reports.Artifact{Status: reports.ArtifactPending}
	}
	if err := s.reports.Upsert(rep); err != nil {
		s.log.WithError(err).WithField("task", rec.ID).Error("report persistence failed")
	}

	s.resolveWaiters(rec.ID, report)

	if execLike && rec.Runtime != nil && rec.TaskBaseCommitSha != "" {
		// Diff generation can be slow on large trees; the record stays
		// pinned (artifact pending) until it finishes, then cleanup runs.
		go s.generateArtifact(context.WithoutCancel(ctx), rec)
	} else {
		if execLike {
			// Exec-like but nothing to diff against; mark it so cleanup
			// is not held hostage by a pending artifact.
			_ = s.reports.SetArtifact(rec.ID, reports.Artifact{Status: reports.ArtifactSkipped})
		}
		s.finalizeRemoval(ctx, rec.ID)
		if s.metrics != nil {
			s.metrics.ObserveStage("report_to_cleanup", float64(s.now().Sub(reportedAt).Milliseconds()))
		}
	}

	s.notifyAutoResume(ctx, rec, eventAgentID)
	s.drainQueue(ctx)
}

// writeBackToParent surfaces the child's report in the parent's transcript.
// If the parent's partial tail still holds the spawning tool call, its output
// is rewritten in place; otherwise a synthetic message is appended. Committed
// entries are never mutated.
func (s *Scheduler) writeBackToParent(ctx context.Context, rec minion.Record, report string) {
	if rec.ParentMinionID == "" {
		return
	}
	var patched bool
	err := s.hist.MutatePartial(ctx, rec.ParentMinionID, func(msg *history.Message) {
		for i := range msg.Parts {
			p := &msg.Parts[i]
			if p.Type == "tool_call" && p.TaskID == rec.ID {
				p.Output = report
				p.State = "completed"
				patched = true
			}
		}
	})
	if err == nil && patched {
		return
	}
	if err != nil && !errors.Is(err, history.ErrNoPartial) {
		s.log.WithError(err).WithField("task", rec.ID).Warn("partial write-back failed")
	}

	msg := history.Message{
		ID:        uuid.NewString(),
		MinionID:  rec.ParentMinionID,
		Role:      "user",
		Synthetic: true,
		Parts: []history.Part{{
			Type: "text",
			Text: fmt.Sprintf("Agent task %s completed.\n\n%s", rec.ID, report),
		}},
		CreatedAt: s.now(),
	}
	if err := s.hist.Append(ctx, rec.ParentMinionID, msg); err != nil {
		s.log.WithError(err).WithField("task", rec.ID).Warn("completion append failed")
	}
}

// generateArtifact produces the task's diff patch after report time, records
// the outcome on the durable report, and only then lets cleanup run.
func (s *Scheduler) generateArtifact(ctx context.Context, rec minion.Record) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	genStart := s.now()

	art := reports.Artifact{Status: reports.ArtifactReady}
	patch, err := s.workspaces.Diff(ctx, *rec.Runtime, rec.TaskBaseCommitSha)
	if err != nil {
		art = reports.Artifact{Status: reports.ArtifactFailed, Error: err.Error()}
	} else if patch == "" {
		art = reports.Artifact{Status: reports.ArtifactSkipped}
	} else {
		path, werr := s.reports.WritePatch(rec.ID, patch)
		if werr != nil {
			art = reports.Artifact{Status: reports.ArtifactFailed, Error: werr.Error()}
		} else {
			art.Path = path
		}
	}
	if err := s.reports.SetArtifact(rec.ID, art); err != nil {
		s.log.WithError(err).WithField("task", rec.ID).Warn("artifact state update failed")
	}
	s.publish(Event{Type: EventArtifact, TaskID: rec.ID, RootMinionID: s.rootMinionID(ctx, rec.ID), Detail: string(art.Status)})
	if s.metrics != nil {
		s.metrics.ObserveArtifact(string(art.Status))
		s.metrics.ObserveStage("artifact_generation", float64(s.now().Sub(genStart).Milliseconds()))
	}
	s.finalizeRemoval(ctx, rec.ID)
	if s.metrics != nil && rec.ReportedAt != nil {
		s.metrics.ObserveStage("report_to_cleanup", float64(s.now().Sub(*rec.ReportedAt).Milliseconds()))
	}
}

// finalizeRemoval deletes the task's record once it is fully resolved, then
// walks upward: each reported ancestor whose last child just vanished is
// removed in the same pass, child strictly before parent. Root minions are
// never removed.
func (s *Scheduler) finalizeRemoval(ctx context.Context, taskID string) {
	var (
		removedIDs []string
		runtimes   []minion.RuntimeConfig
	)
	err := s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		cur := taskID
		for cur != "" {
			rec, ok := recs[cur]
			if !ok || !rec.IsTask() || rec.Status != minion.StatusReported {
				return nil
			}
			if len(childrenOf(recs, cur)) > 0 {
				return nil
			}
			if !s.artifactResolved(cur) {
				return nil
			}
			if rec.Runtime != nil {
				runtimes = append(runtimes, *rec.Runtime)
			}
			removedIDs = append(removedIDs, cur)
			parent := rec.ParentMinionID
			delete(recs, cur)
			cur = parent
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithField("task", taskID).Error("cascade removal failed")
		return
	}
	for _, rt := range runtimes {
		if err := s.workspaces.Remove(ctx, rt); err != nil {
			s.log.WithError(err).WithField("path", rt.WorkspacePath).Warn("workspace removal failed")
		}
	}
	for _, id := range removedIDs {
		s.publish(Event{Type: EventTaskRemoved, TaskID: id})
		s.mu.Lock()
		delete(s.taskLocks, id)
		delete(s.reminded, id)
		s.mu.Unlock()
	}
}

// artifactResolved reports whether the task's report either carries no
// artifact or the artifact has reached a terminal state. A task with no
// durable report at all is resolvable (nothing pins it).
func (s *Scheduler) artifactResolved(taskID string) bool {
	rep, err := s.reports.Read(taskID)
	if err != nil {
		return true
	}
	return rep.Artifact == nil || rep.Artifact.Status.Terminal()
}

// drainQueue promotes queued tasks while concurrency slots are free, oldest
// first.
func (s *Scheduler) drainQueue(ctx context.Context) {
	for {
		recs, err := s.snapshot(ctx)
		if err != nil {
			s.log.WithError(err).Warn("queue drain snapshot failed")
			return
		}
		if s.countRunning(recs) >= s.cfg.MaxParallelAgentTasks {
			return
		}
		next := s.nextQueued(recs)
		if next == "" {
			return
		}
		if err := s.startQueued(ctx, next); err != nil {
			s.log.WithError(err).WithField("task", next).Warn("queued task start failed")
			return
		}
	}
}

func (s *Scheduler) nextQueued(recs map[string]*minion.Record) string {
	var best *minion.Record
	for _, rec := range recs {
		if !rec.IsTask() || rec.Status != minion.StatusQueued {
			continue
		}
		if s.siblingMidStream(recs, rec.ID, rec.ParentMinionID) {
			continue
		}
		if best == nil || rec.CreatedAt.Before(best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

// siblingMidStream reports whether another active task under the same parent
// is still streaming. A queued task is never admitted past a mid-stream
// sibling: the sibling's turn may spawn or report work the queued task
// depends on.
func (s *Scheduler) siblingMidStream(recs map[string]*minion.Record, taskID, parentID string) bool {
	for _, sib := range recs {
		if sib.ID == taskID || sib.ParentMinionID != parentID || !sib.IsTask() {
			continue
		}
		switch sib.Status {
		case minion.StatusRunning, minion.StatusAwaitingReport:
		default:
			continue
		}
		if s.engine.IsStreaming(sib.ID) {
			return true
		}
	}
	return false
}

// startQueued moves one queued task to running and provisions it. Failure
// reverts the task to queued (the record survives; only the attempt is
// undone).
func (s *Scheduler) startQueued(ctx context.Context, taskID string) error {
	var (
		parent   minion.Record
		queuedAt time.Time
	)
	err := s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		rec, ok := recs[taskID]
		if !ok || rec.Status != minion.StatusQueued {
			return fmt.Errorf("task %q is not queued: %w", taskID, ErrTaskNotFound)
		}
		if s.countRunning(recs) >= s.cfg.MaxParallelAgentTasks {
			return fmt.Errorf("no free slot for %q", taskID)
		}
		if s.siblingMidStream(recs, taskID, rec.ParentMinionID) {
			return fmt.Errorf("sibling of %q is mid-stream", taskID)
		}
		p, ok := recs[rec.ParentMinionID]
		if !ok {
			return fmt.Errorf("parent of %q: %w", taskID, ErrTaskNotFound)
		}
		parent = p.Clone()
		queuedAt = rec.CreatedAt
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := s.provisionAndDeliver(ctx, taskID, parent); err != nil {
		// Back to queued; the workspace (if any) was already released by
		// provisionAndDeliver.
		revertErr := s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
			if rec, ok := recs[taskID]; ok {
				rec.Status = minion.StatusQueued
				rec.Runtime = nil
				rec.TaskBaseCommitSha = ""
				rec.UpdatedAt = s.now()
			}
			s.refreshGauges(recs)
			return nil
		})
		if revertErr != nil {
			s.log.WithError(revertErr).WithField("task", taskID).Error("queued revert failed")
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveStage("queue_wait", float64(s.now().Sub(queuedAt).Milliseconds()))
	}
	s.publish(Event{Type: EventTaskStarted, TaskID: taskID, RootMinionID: s.rootMinionID(ctx, taskID)})
	return nil
}
