package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/miniond/internal/agents"
	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/reports"
)

func TestWaitForAgentReportResolves(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "work")

	type result struct {
		report string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := f.s.WaitForAgentReport(ctx, t1.ID, 5*time.Second, "")
		done <- result{report, err}
	}()

	waitFor(t, "waiter registration", func() bool {
		f.s.mu.Lock()
		defer f.s.mu.Unlock()
		return len(f.s.waiters[t1.ID]) == 1
	})

	f.s.HandleStreamEnd(ctx, reportEnd(t1.ID, "the answer"))
	res := <-done
	if res.err != nil {
		t.Fatalf("WaitForAgentReport() error = %v", res.err)
	}
	if res.report != "the answer" {
		t.Fatalf("report = %q", res.report)
	}
}

func TestWaitOnInterruptedRejectsImmediately(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "work")
	if err := f.s.InterruptAgentTask(ctx, t1.ID); err != nil {
		t.Fatalf("InterruptAgentTask() error = %v", err)
	}

	start := time.Now()
	_, err := f.s.WaitForAgentReport(ctx, t1.ID, time.Minute, "")
	if !errors.Is(err, ErrTaskInterrupted) {
		t.Fatalf("WaitForAgentReport() error = %v, want ErrTaskInterrupted", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("rejection took %v, want immediate", elapsed)
	}
}

func TestWaitAnsweredFromDurableReport(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// Record long gone, report survives: the wait still resolves.
	err := f.rep.Upsert(reports.Report{TaskID: "finished-earlier", ReportMarkdown: "old result", ReportedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	report, err := f.s.WaitForAgentReport(ctx, "finished-earlier", time.Minute, "")
	if err != nil {
		t.Fatalf("WaitForAgentReport() error = %v", err)
	}
	if report != "old result" {
		t.Fatalf("report = %q", report)
	}

	if _, err := f.s.WaitForAgentReport(ctx, "never-existed", time.Minute, ""); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("WaitForAgentReport() error = %v, want ErrTaskNotFound", err)
	}
}

func TestWaitTimerSuspendedWhileQueued(t *testing.T) {
	f := newFixture(t, Config{MaxParallelAgentTasks: 1})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "hog the slot")
	t2 := f.create(t, "root", agents.BaseExec, "wait in line")
	if t2.Status != minion.StatusQueued {
		t.Fatalf("second task Status = %q, want queued", t2.Status)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.s.WaitForAgentReport(ctx, t2.ID, 50*time.Millisecond, "")
		done <- err
	}()

	// Far beyond the timeout, but queue time does not count.
	time.Sleep(150 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("wait resolved during queue time: %v", err)
	default:
	}

	// Dequeue arms the timer; with the task never reporting, the wait now
	// times out.
	f.s.HandleStreamEnd(ctx, reportEnd(t1.ID, "done"))
	waitFor(t, "queued task to start", func() bool {
		rec, err := f.store.Get(ctx, t2.ID)
		return err == nil && rec.Status == minion.StatusRunning
	})

	select {
	case err := <-done:
		if !errors.Is(err, ErrWaitTimeout) {
			t.Fatalf("wait error = %v, want ErrWaitTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("armed timer never fired")
	}
}

func TestForegroundWaitFreesConcurrencySlot(t *testing.T) {
	f := newFixture(t, Config{MaxParallelAgentTasks: 1})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "parent work")
	t2 := f.create(t, t1.ID, agents.BaseExec, "child work")
	if t2.Status != minion.StatusQueued {
		t.Fatalf("child Status = %q, want queued (slot held by parent)", t2.Status)
	}

	done := make(chan string, 1)
	go func() {
		report, err := f.s.WaitForAgentReport(ctx, t2.ID, 5*time.Second, t1.ID)
		if err != nil {
			done <- "err: " + err.Error()
			return
		}
		done <- report
	}()

	// The parent's open wait releases its slot; the child starts.
	waitFor(t, "child to start", func() bool {
		rec, err := f.store.Get(ctx, t2.ID)
		return err == nil && rec.Status == minion.StatusRunning
	})

	f.s.HandleStreamEnd(ctx, reportEnd(t2.ID, "child done"))
	if got := <-done; got != "child done" {
		t.Fatalf("wait result = %q", got)
	}

	f.s.mu.Lock()
	open := len(f.s.requesterWaits)
	f.s.mu.Unlock()
	if open != 0 {
		t.Fatalf("requesterWaits = %d entries after resolution, want 0", open)
	}
}

func TestSubtreeInterruptChildrenFirst(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "outer")
	t2 := f.create(t, t1.ID, agents.BaseExec, "inner")

	if err := f.s.TerminateAllDescendantAgentTasks(ctx, "root"); err != nil {
		t.Fatalf("TerminateAllDescendantAgentTasks() error = %v", err)
	}

	stops := f.engine.Stops()
	if len(stops) != 2 || stops[0].MinionID != t2.ID || stops[1].MinionID != t1.ID {
		t.Fatalf("stop order = %+v, want child %s then parent %s", stops, t2.ID, t1.ID)
	}
	for _, id := range []string{t1.ID, t2.ID} {
		rec, err := f.store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", id, err)
		}
		if rec.Status != minion.StatusInterrupted {
			t.Fatalf("Status(%q) = %q, want interrupted", id, rec.Status)
		}
		if rec.TaskPrompt == "" {
			t.Fatalf("TaskPrompt(%q) lost on interrupt", id)
		}
	}

	// Repeating the bulk interrupt is harmless.
	if err := f.s.TerminateAllDescendantAgentTasks(ctx, "root"); err != nil {
		t.Fatalf("repeat TerminateAllDescendantAgentTasks() error = %v", err)
	}
	rec, err := f.store.Get(ctx, t1.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != minion.StatusInterrupted || rec.TaskPrompt != "outer" {
		t.Fatalf("record after repeat = %+v, want unchanged", rec)
	}
}

func TestInterruptedQueuedTaskResumesWithLazyProvisioning(t *testing.T) {
	f := newFixture(t, Config{MaxParallelAgentTasks: 1})
	ctx := context.Background()

	f.create(t, "root", agents.BaseExec, "hog")
	t2 := f.create(t, "root", agents.BaseExec, "queued then paused")
	if err := f.s.TerminateAllDescendantAgentTasks(ctx, "root"); err != nil {
		t.Fatalf("TerminateAllDescendantAgentTasks() error = %v", err)
	}

	rec, err := f.store.Get(ctx, t2.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != minion.StatusInterrupted || rec.Runtime != nil {
		t.Fatalf("record = %+v, want interrupted with no workspace", rec)
	}

	if err := f.s.ResumeAgentTask(ctx, t2.ID); err != nil {
		t.Fatalf("ResumeAgentTask() error = %v", err)
	}
	rec, err = f.store.Get(ctx, t2.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != minion.StatusRunning || rec.Runtime == nil {
		t.Fatalf("record = %+v, want running and provisioned", rec)
	}
	sent := f.engine.SentTo(t2.ID)
	if len(sent) != 1 || sent[0].Text != "queued then paused" {
		t.Fatalf("resume deliveries = %+v, want the original prompt", sent)
	}
}

func TestResumeRedeliversOriginalPrompt(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "important work")
	if err := f.s.TerminateAllDescendantAgentTasks(ctx, "root"); err != nil {
		t.Fatalf("TerminateAllDescendantAgentTasks() error = %v", err)
	}
	if err := f.s.ResumeAgentTask(ctx, t1.ID); err != nil {
		t.Fatalf("ResumeAgentTask() error = %v", err)
	}

	sent := f.engine.SentTo(t1.ID)
	if len(sent) != 2 || sent[1].Text != "important work" {
		t.Fatalf("deliveries = %+v, want prompt redelivered", sent)
	}
	if got := f.status(t, t1.ID); got != minion.StatusRunning {
		t.Fatalf("Status = %q, want running", got)
	}

	// Resuming a running task is an error.
	if err := f.s.ResumeAgentTask(ctx, t1.ID); err == nil {
		t.Fatal("ResumeAgentTask() on a running task should fail")
	}
}

func TestResumeDeliveryFailureRevertsToInterrupted(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "work")
	if err := f.s.TerminateAllDescendantAgentTasks(ctx, "root"); err != nil {
		t.Fatalf("TerminateAllDescendantAgentTasks() error = %v", err)
	}

	f.engine.FailAllSends(errors.New("engine down"))
	if err := f.s.ResumeAgentTask(ctx, t1.ID); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("ResumeAgentTask() error = %v, want ErrDeliveryFailed", err)
	}
	if got := f.status(t, t1.ID); got != minion.StatusInterrupted {
		t.Fatalf("Status = %q, want interrupted after failed resume", got)
	}
}

func TestTerminateRemovesSubtreeAndRejectsWaiters(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "outer")
	t2 := f.create(t, t1.ID, agents.BaseExec, "inner")

	done := make(chan error, 1)
	go func() {
		_, err := f.s.WaitForAgentReport(ctx, t2.ID, time.Minute, "")
		done <- err
	}()
	waitFor(t, "waiter registration", func() bool {
		f.s.mu.Lock()
		defer f.s.mu.Unlock()
		return len(f.s.waiters[t2.ID]) == 1
	})

	if err := f.s.TerminateAgentTask(ctx, t1.ID); err != nil {
		t.Fatalf("TerminateAgentTask() error = %v", err)
	}

	if err := <-done; !errors.Is(err, ErrTaskTerminated) {
		t.Fatalf("wait error = %v, want ErrTaskTerminated", err)
	}
	for _, id := range []string{t1.ID, t2.ID} {
		if _, err := f.store.Get(ctx, id); !errors.Is(err, minion.ErrNotFound) {
			t.Fatalf("Get(%q) error = %v, want ErrNotFound", id, err)
		}
	}
	if n := f.ws.LiveCount(); n != 0 {
		t.Fatalf("LiveCount() = %d, want 0", n)
	}
}

func TestAutoResumeBudgetAndReset(t *testing.T) {
	f := newFixture(t, Config{AutoResumeBudget: 2})
	ctx := context.Background()

	nudges := func() int {
		n := 0
		for _, m := range f.engine.SentTo("root") {
			if strings.Contains(m.Text, "Sub-task") {
				n++
			}
		}
		return n
	}
	completeOne := func(prompt string) {
		rec := f.create(t, "root", agents.BaseExec, prompt)
		f.engine.SetStreaming("root", false)
		f.s.HandleStreamEnd(ctx, reportEnd(rec.ID, "ok"))
	}

	completeOne("one")
	completeOne("two")
	if got := nudges(); got != 2 {
		t.Fatalf("nudges = %d, want 2", got)
	}

	// Third completion exceeds the budget: suppressed silently.
	completeOne("three")
	if got := nudges(); got != 2 {
		t.Fatalf("nudges = %d after budget, want still 2", got)
	}

	// Real user input resets the counter.
	f.s.NoteUserMessage("root")
	completeOne("four")
	if got := nudges(); got != 3 {
		t.Fatalf("nudges = %d after reset, want 3", got)
	}
}

func TestAutoResumeSkipsStreamingAncestor(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec := f.create(t, "root", agents.BaseExec, "work")
	f.engine.SetStreaming("root", true)
	f.s.HandleStreamEnd(ctx, reportEnd(rec.ID, "ok"))

	for _, m := range f.engine.SentTo("root") {
		if strings.Contains(m.Text, "Sub-task") {
			t.Fatalf("streaming ancestor was nudged: %q", m.Text)
		}
	}
}

func TestAutoResumeSuppressedForInterruptedCandidate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "outer")
	t2 := f.create(t, t1.ID, agents.BaseExec, "inner")

	if err := f.s.InterruptAgentTask(ctx, t1.ID); err != nil {
		t.Fatalf("InterruptAgentTask() error = %v", err)
	}
	f.s.HandleStreamEnd(ctx, reportEnd(t2.ID, "done"))

	for _, m := range f.engine.SentTo(t1.ID) {
		if strings.Contains(m.Text, "Sub-task") {
			t.Fatalf("interrupted candidate was nudged: %q", m.Text)
		}
	}
}

func TestAutoResumeSuppressedWhileSubtreeFlagSet(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec := f.create(t, "root", agents.BaseExec, "work")
	f.s.mu.Lock()
	f.s.resume["root"] = &resumeState{interrupted: true}
	f.s.mu.Unlock()

	f.engine.SetStreaming("root", false)
	f.s.HandleStreamEnd(ctx, reportEnd(rec.ID, "ok"))

	for _, m := range f.engine.SentTo("root") {
		if strings.Contains(m.Text, "Sub-task") {
			t.Fatalf("nudge delivered despite interrupted subtree: %q", m.Text)
		}
	}
}

func TestResetAutoResumeClearsInterruptedSubtree(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec := f.create(t, "root", agents.BaseExec, "work")
	f.s.mu.Lock()
	f.s.resume["root"] = &resumeState{count: 5, interrupted: true}
	f.s.mu.Unlock()

	f.s.ResetAutoResume("root")

	f.engine.SetStreaming("root", false)
	f.s.HandleStreamEnd(ctx, reportEnd(rec.ID, "ok"))

	var nudged bool
	for _, m := range f.engine.SentTo("root") {
		if strings.Contains(m.Text, "Sub-task") {
			nudged = true
		}
	}
	if !nudged {
		t.Fatalf("no nudge delivered after reset, want interrupted flag cleared")
	}
}

func TestWaitCatchesReportLandedDuringRegistration(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	t1 := f.create(t, "root", agents.BaseExec, "quick")

	// The report lands after the status check inside WaitForAgentReport
	// would pass but with no waiter registered yet. The durable re-read
	// after registration must pick it up instead of idling to timeout.
	err := f.rep.Upsert(reports.Report{TaskID: t1.ID, ReportMarkdown: "early", ReportedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	start := time.Now()
	report, err := f.s.WaitForAgentReport(ctx, t1.ID, 150*time.Millisecond, "")
	if err != nil {
		t.Fatalf("WaitForAgentReport() error = %v", err)
	}
	if report != "early" {
		t.Fatalf("report = %q, want %q", report, "early")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("wait took %v, want immediate resolution", elapsed)
	}
}

func TestRecoverPendingReleasesPinnedReported(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	reportedAt := time.Now().UTC().Add(-time.Hour)
	err := f.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		rec := minion.Record{
			ID: "pinned", ParentMinionID: "root", AgentID: agents.BaseExec,
			Kind: minion.KindAgent, Status: minion.StatusReported,
			TaskPrompt: "p", TaskModelString: "m",
			CreatedAt: reportedAt, ReportedAt: &reportedAt,
		}
		cp := rec.Clone()
		recs[rec.ID] = &cp
		return nil
	})
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	err = f.rep.Upsert(reports.Report{
		TaskID: "pinned", ParentMinionID: "root", RootMinionID: "root",
		ReportMarkdown: "done before the crash", ReportedAt: reportedAt,
		Artifact: &reports.Artifact{Status: reports.ArtifactPending},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := f.s.RecoverPending(ctx); err != nil {
		t.Fatalf("RecoverPending() error = %v", err)
	}

	if _, err := f.store.Get(ctx, "pinned"); !errors.Is(err, minion.ErrNotFound) {
		t.Fatalf("Get(pinned) error = %v, want ErrNotFound", err)
	}
	rep, err := f.rep.Read("pinned")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if rep.Artifact == nil || rep.Artifact.Status != reports.ArtifactSkipped {
		t.Fatalf("artifact = %+v, want skipped", rep.Artifact)
	}
}

func TestRecoverPendingSweep(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// The queued record lives under its own root: the silent sibling's
	// reminder marks it mid-stream, which would legitimately keep a
	// same-parent queued task parked.
	_, err := f.s.RegisterRootMinion(ctx, minion.Record{
		ID:          "root2",
		ModelString: "root-model",
		Runtime:     &minion.RuntimeConfig{WorkspacePath: "/src2"},
	})
	if err != nil {
		t.Fatalf("RegisterRootMinion() error = %v", err)
	}

	err = f.store.Edit(ctx, func(recs map[string]*minion.Record) error {
		for _, rec := range []minion.Record{
			{ID: "silent", ParentMinionID: "root", AgentID: agents.BaseExec, Kind: minion.KindAgent,
				Status: minion.StatusAwaitingReport, TaskPrompt: "p1", TaskModelString: "m", CreatedAt: base},
			{ID: "parked", ParentMinionID: "root2", AgentID: agents.BaseExec, Kind: minion.KindAgent,
				Status: minion.StatusQueued, TaskPrompt: "p2", TaskModelString: "m", CreatedAt: base.Add(time.Minute)},
			{ID: "half-handed", ParentMinionID: "root", AgentID: agents.BaseExec, Kind: minion.KindAgent,
				Status: minion.StatusRunning, PendingHandoffAgentID: agents.BaseExec,
				TaskPrompt: "p3", TaskModelString: "m", CreatedAt: base.Add(2 * time.Minute),
				Runtime: &minion.RuntimeConfig{WorkspacePath: "/ws/h"}},
		} {
			cp := rec.Clone()
			recs[rec.ID] = &cp
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}

	if err := f.s.RecoverPending(ctx); err != nil {
		t.Fatalf("RecoverPending() error = %v", err)
	}

	// Silent task gets exactly one reminder, even across repeated sweeps.
	sent := f.engine.SentTo("silent")
	if len(sent) != 1 || !strings.Contains(sent[0].Text, agents.ToolAgentReport) {
		t.Fatalf("reminders to silent task = %+v, want exactly one naming the tool", sent)
	}
	if err := f.s.RecoverPending(ctx); err != nil {
		t.Fatalf("second RecoverPending() error = %v", err)
	}
	if got := f.engine.SentTo("silent"); len(got) != 1 {
		t.Fatalf("len(reminders) = %d after second sweep, want 1", len(got))
	}

	// Queued task started with lazy provisioning.
	rec, err := f.store.Get(ctx, "parked")
	if err != nil {
		t.Fatalf("Get(parked) error = %v", err)
	}
	if rec.Status != minion.StatusRunning || rec.Runtime == nil {
		t.Fatalf("parked record = %+v, want running and provisioned", rec)
	}

	// Interrupted handoff kickoff retried and cleared.
	rec, err = f.store.Get(ctx, "half-handed")
	if err != nil {
		t.Fatalf("Get(half-handed) error = %v", err)
	}
	if rec.PendingHandoffAgentID != "" {
		t.Fatalf("PendingHandoffAgentID = %q, want cleared", rec.PendingHandoffAgentID)
	}
	if got := f.engine.SentTo("half-handed"); len(got) != 1 {
		t.Fatalf("kickoff deliveries = %d, want 1", len(got))
	}
}
