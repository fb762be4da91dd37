package observability

import "testing"

func TestTaskStageWindowSnapshot(t *testing.T) {
	w := newTaskStageWindow(8)
	w.Observe("artifact_generation", 500)
	w.Observe("artifact_generation", 700)
	w.Observe("artifact_generation", 900)
	w.ObserveIndicator("reminder_sent")
	w.ObserveIndicator("reminder_sent")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "artifact_generation" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "artifact_generation")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 10000 {
		t.Fatalf("TargetP95MS = %.2f, want 10000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "reminder_sent" {
		t.Fatalf("Indicators[0].Name = %q, want %q", snap.Indicators[0].Name, "reminder_sent")
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want 2", snap.Indicators[0].Count)
	}
}

func TestTaskStageWindowReset(t *testing.T) {
	w := newTaskStageWindow(4)
	w.Observe("queue_wait", 100)
	w.ObserveIndicator("fallback_report")
	w.Reset()

	snap := w.Snapshot()
	if len(snap.Stages) != 0 {
		t.Fatalf("len(Stages) after reset = %d, want 0", len(snap.Stages))
	}
	if len(snap.Indicators) != 0 {
		t.Fatalf("len(Indicators) after reset = %d, want 0", len(snap.Indicators))
	}
}
