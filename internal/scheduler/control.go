package scheduler

import (
	"context"
	"fmt"

	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/stream"
)

// TerminateAllDescendantAgentTasks interrupts every agent task below rootID,
// children strictly before parents. Despite the name this is a pause, not a
// delete: prompts, transcripts and workspaces survive so each task can be
// resumed individually. Calling it again over an already-interrupted subtree
// is a no-op per task.
func (s *Scheduler) TerminateAllDescendantAgentTasks(ctx context.Context, rootID string) error {
	recs, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	order := descendantTasksPostOrder(recs, rootID)
	rootMinion := rootOf(recs, rootID)

	for _, id := range order {
		if err := s.interruptOne(ctx, id, rootMinion); err != nil {
			return err
		}
	}

	s.mu.Lock()
	st := s.resume[rootMinion]
	if st == nil {
		st = &resumeState{}
		s.resume[rootMinion] = st
	}
	st.interrupted = true
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) interruptOne(ctx context.Context, taskID, rootMinionID string) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.engine.StopStream(ctx, taskID, true); err != nil {
		s.log.WithError(err).WithField("task", taskID).Warn("stream stop failed")
	}

	var changed bool
	err := s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		rec, ok := recs[taskID]
		if !ok || !rec.IsTask() {
			return nil
		}
		switch rec.Status {
		case minion.StatusReported, minion.StatusInterrupted:
			return nil
		}
		rec.Status = minion.StatusInterrupted
		rec.UpdatedAt = s.now()
		changed = true
		s.refreshGauges(recs)
		return nil
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.rejectWaiters(taskID, ErrTaskInterrupted)
	s.publish(Event{Type: EventTaskInterrupted, TaskID: taskID, RootMinionID: rootMinionID, Status: minion.StatusInterrupted})
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("interrupted")
	}
	return nil
}

// InterruptAgentTask pauses a single task without touching its subtree.
func (s *Scheduler) InterruptAgentTask(ctx context.Context, taskID string) error {
	recs, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	rec, ok := recs[taskID]
	if !ok || !rec.IsTask() {
		return ErrTaskNotFound
	}
	return s.interruptOne(ctx, taskID, rootOf(recs, taskID))
}

// ResumeAgentTask restarts an interrupted task by redelivering its original
// prompt. A task interrupted straight out of the queue gets provisioned here,
// lazily. Delivery failure puts the task back to interrupted.
func (s *Scheduler) ResumeAgentTask(ctx context.Context, taskID string) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	var (
		rec    minion.Record
		parent minion.Record
	)
	err := s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		r, ok := recs[taskID]
		if !ok || !r.IsTask() {
			return ErrTaskNotFound
		}
		if r.Status != minion.StatusInterrupted {
			return fmt.Errorf("task %q is %s, not interrupted", taskID, r.Status)
		}
		if p, ok := recs[r.ParentMinionID]; ok {
			parent = p.Clone()
		}
		rec = r.Clone()
		return nil
	})
	if err != nil {
		return err
	}

	if rec.Runtime == nil {
		// Interrupted before it ever ran.
		if _, err := s.provisionAndDeliver(ctx, taskID, parent); err != nil {
			return err
		}
	} else {
		err = s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
			if r, ok := recs[taskID]; ok {
				r.Status = minion.StatusRunning
				r.UpdatedAt = s.now()
			}
			s.refreshGauges(recs)
			return nil
		})
		if err != nil {
			return err
		}
		err = s.engine.SendMessage(ctx, taskID, rec.TaskPrompt, stream.GenerationOptions{
			ModelString:   rec.TaskModelString,
			ThinkingLevel: rec.TaskThinkingLevel,
			AgentID:       rec.AgentID,
		}, stream.DeliveryFlags{Synthetic: true, SkipAutoResumeReset: true})
		if err != nil {
			revertErr := s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
				if r, ok := recs[taskID]; ok {
					r.Status = minion.StatusInterrupted
					r.UpdatedAt = s.now()
				}
				s.refreshGauges(recs)
				return nil
			})
			if revertErr != nil {
				s.log.WithError(revertErr).WithField("task", taskID).Error("resume revert failed")
			}
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		s.startWaitTimers(taskID)
	}

	rootID := s.rootMinionID(ctx, taskID)
	s.mu.Lock()
	if st := s.resume[rootID]; st != nil {
		st.interrupted = false
	}
	s.mu.Unlock()

	s.publish(Event{Type: EventTaskResumed, TaskID: taskID, RootMinionID: rootID, Status: minion.StatusRunning})
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("resumed")
	}
	return nil
}

// TerminateAgentTask deletes a task and its whole subtree: streams stopped,
// waiters failed, records removed, workspaces released. Reports already
// written stay on disk.
func (s *Scheduler) TerminateAgentTask(ctx context.Context, taskID string) error {
	recs, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	rec, ok := recs[taskID]
	if !ok || !rec.IsTask() {
		return ErrTaskNotFound
	}
	rootID := rootOf(recs, taskID)

	order := append(descendantTasksPostOrder(recs, taskID), taskID)
	for _, id := range order {
		if err := s.engine.StopStream(ctx, id, true); err != nil {
			s.log.WithError(err).WithField("task", id).Warn("stream stop failed")
		}
		s.rejectWaiters(id, ErrTaskTerminated)
	}

	var runtimes []minion.RuntimeConfig
	err = s.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		for _, id := range order {
			if r, ok := recs[id]; ok {
				if r.Runtime != nil {
					runtimes = append(runtimes, *r.Runtime)
				}
				delete(recs, id)
			}
		}
		s.refreshGauges(recs)
		return nil
	})
	if err != nil {
		return err
	}

	for _, rt := range runtimes {
		if err := s.workspaces.Remove(ctx, rt); err != nil {
			s.log.WithError(err).WithField("path", rt.WorkspacePath).Warn("workspace removal failed")
		}
	}
	for _, id := range order {
		s.publish(Event{Type: EventTaskTerminated, TaskID: id, RootMinionID: rootID})
		s.mu.Lock()
		delete(s.taskLocks, id)
		delete(s.reminded, id)
		s.mu.Unlock()
	}
	if s.metrics != nil {
		s.metrics.ObserveTaskEvent("terminated")
	}
	s.drainQueue(ctx)
	return nil
}
