package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/reports"
)

type waitResult struct {
	report string
	err    error
}

// waiter is one in-flight foreground wait. The timeout timer is nil while the
// awaited task is still queued: queue time never counts against the wait.
type waiter struct {
	taskID             string
	requestingMinionID string
	ch                 chan waitResult
	timer              *time.Timer
	timeout            time.Duration
}

// WaitForAgentReport blocks until the task reports, fails, or the timeout
// elapses. A wait on an already-gone task is answered from the durable report
// store, so a restart (or cascaded cleanup) between report and wait still
// resolves. While the wait is open, the requesting minion (if it is itself a
// running task) does not count against the concurrency limit.
func (s *Scheduler) WaitForAgentReport(ctx context.Context, taskID string, timeout time.Duration, requestingMinionID string) (string, error) {
	taskID = strings.TrimSpace(taskID)
	requestingMinionID = strings.TrimSpace(requestingMinionID)
	if timeout <= 0 {
		timeout = s.cfg.DefaultWaitTimeout
	}

	start := s.now()
	rec, err := s.store.Get(ctx, taskID)
	if err != nil {
		if !errors.Is(err, minion.ErrNotFound) {
			return "", err
		}
		rep, rerr := s.reports.Read(taskID)
		if rerr != nil {
			if errors.Is(rerr, reports.ErrNotFound) {
				return "", ErrTaskNotFound
			}
			return "", rerr
		}
		return rep.ReportMarkdown, nil
	}

	switch rec.Status {
	case minion.StatusInterrupted:
		return "", ErrTaskInterrupted
	case minion.StatusReported:
		if rep, rerr := s.reports.Read(taskID); rerr == nil {
			return rep.ReportMarkdown, nil
		}
		// Reported but the durable report has not landed yet; fall through
		// and let resolveWaiters deliver it.
	}

	w := &waiter{
		taskID:             taskID,
		requestingMinionID: requestingMinionID,
		ch:                 make(chan waitResult, 1),
		timeout:            timeout,
	}
	s.mu.Lock()
	s.waiters[taskID] = append(s.waiters[taskID], w)
	if requestingMinionID != "" {
		s.requesterWaits[requestingMinionID]++
	}
	if rec.Status != minion.StatusQueued {
		w.timer = time.AfterFunc(timeout, func() { s.expireWaiter(w) })
	}
	s.mu.Unlock()

	// The report may have landed between the status check and registration:
	// completion resolves only waiters it can see, so one that registered
	// after resolveWaiters would otherwise sit out its full timeout. The
	// durable store closes the window.
	if rep, rerr := s.reports.Read(taskID); rerr == nil {
		s.mu.Lock()
		removed := s.dropWaiterLocked(w)
		s.mu.Unlock()
		if removed {
			return rep.ReportMarkdown, nil
		}
	}

	// The requester no longer counts against the concurrency limit, which
	// may have just freed a slot for the very task it waits on.
	if requestingMinionID != "" {
		s.drainQueue(ctx)
	}

	defer func() {
		s.mu.Lock()
		s.dropWaiterLocked(w)
		s.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-w.ch:
		if res.err != nil {
			return "", res.err
		}
		if s.metrics != nil {
			s.metrics.ObserveWaitLatency(s.now().Sub(start).Seconds())
		}
		return res.report, nil
	}
}

// startWaitTimers arms the timeout timers of waiters whose task just left the
// queue.
func (s *Scheduler) startWaitTimers(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.waiters[taskID] {
		if w.timer == nil {
			ww := w
			w.timer = time.AfterFunc(w.timeout, func() { s.expireWaiter(ww) })
		}
	}
}

func (s *Scheduler) expireWaiter(w *waiter) {
	s.mu.Lock()
	removed := s.dropWaiterLocked(w)
	s.mu.Unlock()
	if removed {
		if s.metrics != nil {
			s.metrics.ObserveIndicator("wait_timeout")
		}
		w.ch <- waitResult{err: ErrWaitTimeout}
	}
}

// resolveWaiters delivers a report to every open wait on taskID.
func (s *Scheduler) resolveWaiters(taskID, report string) {
	s.deliverToWaiters(taskID, waitResult{report: report})
}

// rejectWaiters fails every open wait on taskID.
func (s *Scheduler) rejectWaiters(taskID string, err error) {
	s.deliverToWaiters(taskID, waitResult{err: err})
}

func (s *Scheduler) deliverToWaiters(taskID string, res waitResult) {
	s.mu.Lock()
	ws := s.waiters[taskID]
	delete(s.waiters, taskID)
	for _, w := range ws {
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.requestingMinionID != "" {
			s.decRequesterWaitsLocked(w.requestingMinionID)
		}
	}
	s.mu.Unlock()
	for _, w := range ws {
		select {
		case w.ch <- res:
		default:
		}
	}
}

// dropWaiterLocked detaches one waiter; true when it was still registered.
func (s *Scheduler) dropWaiterLocked(w *waiter) bool {
	ws := s.waiters[w.taskID]
	for i, cur := range ws {
		if cur != w {
			continue
		}
		s.waiters[w.taskID] = append(ws[:i], ws[i+1:]...)
		if len(s.waiters[w.taskID]) == 0 {
			delete(s.waiters, w.taskID)
		}
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.requestingMinionID != "" {
			s.decRequesterWaitsLocked(w.requestingMinionID)
		}
		return true
	}
	return false
}

func (s *Scheduler) decRequesterWaitsLocked(id string) {
	if n := s.requesterWaits[id]; n > 1 {
		s.requesterWaits[id] = n - 1
	} else {
		delete(s.requesterWaits, id)
	}
}
