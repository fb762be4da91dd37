package scheduler

import (
	"context"
	"sort"

	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/reports"
)

// RecoverPending makes the persisted task set consistent after a restart:
// silent tasks get their reminder (re)sent, half-finished plan handoffs get
// their kickoff retried, reported records pinned behind an unfinished
// artifact are released, and queued tasks are started oldest-first while
// slots allow and no same-parent sibling is mid-stream. Per-item failures
// are logged; the sweep always finishes.
func (s *Scheduler) RecoverPending(ctx context.Context) error {
	recs, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	var (
		awaiting []minion.Record
		handoffs []minion.Record
		queued   []minion.Record
		reported []minion.Record
	)
	for _, rec := range recs {
		if !rec.IsTask() {
			continue
		}
		switch {
		case rec.Status == minion.StatusAwaitingReport:
			awaiting = append(awaiting, rec.Clone())
		case rec.Status == minion.StatusRunning && rec.PendingHandoffAgentID != "":
			handoffs = append(handoffs, rec.Clone())
		case rec.Status == minion.StatusQueued:
			queued = append(queued, rec.Clone())
		case rec.Status == minion.StatusReported:
			reported = append(reported, rec.Clone())
		}
	}

	// The reminder dedup set is in-memory, so a restart grants each silent
	// task exactly one more reminder before the fallback report kicks in.
	for _, rec := range awaiting {
		s.mu.Lock()
		already := s.reminded[rec.ID]
		if !already {
			s.reminded[rec.ID] = true
		}
		s.mu.Unlock()
		if already {
			continue
		}
		s.sendReminder(ctx, rec)
	}

	for _, rec := range handoffs {
		if s.engine.IsStreaming(rec.ID) {
			continue
		}
		if err := s.deliverHandoffKickoff(ctx, rec); err != nil {
			s.log.WithError(err).WithField("task", rec.ID).Warn("handoff kickoff retry failed")
		}
	}

	// A crash between report persistence and artifact completion leaves a
	// reported record pinned behind a non-terminal artifact. Re-run (or
	// skip) the artifact, then let the cascade reclaim the record.
	for _, rec := range reported {
		if !s.artifactResolved(rec.ID) {
			if rec.Runtime != nil && rec.TaskBaseCommitSha != "" {
				go s.generateArtifact(context.WithoutCancel(ctx), rec)
				continue
			}
			_ = s.reports.SetArtifact(rec.ID, reports.Artifact{Status: reports.ArtifactSkipped})
		}
		s.finalizeRemoval(ctx, rec.ID)
	}

	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	for _, rec := range queued {
		post, err := s.snapshot(ctx)
		if err != nil {
			return err
		}
		if s.countRunning(post) >= s.cfg.MaxParallelAgentTasks {
			break
		}
		if s.siblingMidStream(post, rec.ID, rec.ParentMinionID) {
			continue
		}
		if err := s.startQueued(ctx, rec.ID); err != nil {
			s.log.WithError(err).WithField("task", rec.ID).Warn("queued recovery start failed")
		}
	}
	return nil
}
