package reports

import (
	"errors"
	"testing"
	"time"
)

func TestUpsertReadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	rep := Report{
		TaskID:            "child-1",
		ParentMinionID:    "parent-1",
		RootMinionID:      "root-1",
		AncestorMinionIDs: []string{"parent-1", "root-1"},
		Title:             "Fix the bug",
		ReportMarkdown:    "done, see patch",
		ReportedAt:        time.Now().UTC(),
	}
	if err := s.Upsert(rep); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Read("child-1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.ReportMarkdown != rep.ReportMarkdown {
		t.Fatalf("ReportMarkdown = %q, want %q", got.ReportMarkdown, rep.ReportMarkdown)
	}
	if len(got.AncestorMinionIDs) != 2 || got.AncestorMinionIDs[1] != "root-1" {
		t.Fatalf("AncestorMinionIDs = %v", got.AncestorMinionIDs)
	}
}

func TestReadMissing(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, err := s.Read("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSetArtifactTransitions(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := s.Upsert(Report{TaskID: "c1", ReportMarkdown: "x", ReportedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := s.SetArtifact("c1", Artifact{Status: ArtifactPending}); err != nil {
		t.Fatalf("SetArtifact(pending) error = %v", err)
	}
	path, err := s.WritePatch("c1", "diff --git a/x b/x")
	if err != nil {
		t.Fatalf("WritePatch() error = %v", err)
	}
	if err := s.SetArtifact("c1", Artifact{Status: ArtifactReady, Path: path}); err != nil {
		t.Fatalf("SetArtifact(ready) error = %v", err)
	}

	got, err := s.Read("c1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Artifact == nil || got.Artifact.Status != ArtifactReady || got.Artifact.Path != path {
		t.Fatalf("artifact = %+v, want ready with path", got.Artifact)
	}
	if !got.Artifact.Status.Terminal() {
		t.Fatalf("ready should be terminal")
	}
	if ArtifactPending.Terminal() {
		t.Fatalf("pending should not be terminal")
	}
}
