package minion

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testRecord(id, parent string, status Status) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:             id,
		ParentMinionID: parent,
		AgentID:        "exec",
		Kind:           KindAgent,
		Status:         status,
		TaskPrompt:     "do the thing",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "minions.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestStoreEditCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Edit(ctx, func(recs map[string]*Record) error {
				recs["t1"] = testRecord("t1", "root", StatusRunning)
				recs["t2"] = testRecord("t2", "t1", StatusQueued)
				return nil
			})
			if err != nil {
				t.Fatalf("Edit() error = %v", err)
			}

			got, err := store.Get(ctx, "t2")
			if err != nil {
				t.Fatalf("Get(t2) error = %v", err)
			}
			if got.Status != StatusQueued {
				t.Fatalf("t2 status = %q, want %q", got.Status, StatusQueued)
			}

			err = store.Edit(ctx, func(recs map[string]*Record) error {
				recs["t2"].Status = StatusRunning
				delete(recs, "t1")
				return nil
			})
			if err != nil {
				t.Fatalf("Edit() second error = %v", err)
			}

			if _, err := store.Get(ctx, "t1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(t1) error = %v, want ErrNotFound", err)
			}
			got, err = store.Get(ctx, "t2")
			if err != nil {
				t.Fatalf("Get(t2) after edit error = %v", err)
			}
			if got.Status != StatusRunning {
				t.Fatalf("t2 status = %q, want %q", got.Status, StatusRunning)
			}
		})
	}
}

func TestStoreEditAbortLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Edit(ctx, func(recs map[string]*Record) error {
				recs["keep"] = testRecord("keep", "root", StatusRunning)
				return nil
			}); err != nil {
				t.Fatalf("Edit() seed error = %v", err)
			}

			err := store.Edit(ctx, func(recs map[string]*Record) error {
				recs["ghost"] = testRecord("ghost", "root", StatusQueued)
				recs["keep"].Status = StatusReported
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Edit() error = %v, want boom", err)
			}

			if _, err := store.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(ghost) error = %v, want ErrNotFound", err)
			}
			kept, err := store.Get(ctx, "keep")
			if err != nil {
				t.Fatalf("Get(keep) error = %v", err)
			}
			if kept.Status != StatusRunning {
				t.Fatalf("keep status = %q, want %q (aborted edit must not commit)", kept.Status, StatusRunning)
			}
		})
	}
}

func TestStoreRemove(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Edit(ctx, func(recs map[string]*Record) error {
				recs["gone"] = testRecord("gone", "root", StatusReported)
				return nil
			}); err != nil {
				t.Fatalf("Edit() error = %v", err)
			}
			if err := store.Remove(ctx, "gone"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if err := store.Remove(ctx, "gone"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Remove() second error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := testRecord("t1", "root", StatusRunning)
	rec.Runtime = &RuntimeConfig{WorkspacePath: "/tmp/w"}
	rec.ModelOverrides = map[string]string{"exec": "model-a"}

	cp := rec.Clone()
	cp.Runtime.WorkspacePath = "/tmp/other"
	cp.ModelOverrides["exec"] = "model-b"

	if rec.Runtime.WorkspacePath != "/tmp/w" {
		t.Fatalf("clone shares Runtime pointer")
	}
	if rec.ModelOverrides["exec"] != "model-a" {
		t.Fatalf("clone shares ModelOverrides map")
	}
}
