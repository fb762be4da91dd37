package reports

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("report not found")

type ArtifactStatus string

const (
	ArtifactPending ArtifactStatus = "pending"
	ArtifactReady   ArtifactStatus = "ready"
	ArtifactFailed  ArtifactStatus = "failed"
	ArtifactSkipped ArtifactStatus = "skipped"
)

func (s ArtifactStatus) Terminal() bool {
	return s == ArtifactReady || s == ArtifactFailed || s == ArtifactSkipped
}

// Artifact tracks the async diff generation for an exec-rooted task's report.
type Artifact struct {
	Status ArtifactStatus `json:"status"`
	Path   string         `json:"path,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Report is the durable record of a completed task. It outlives the task's
// live record and carries the ancestor chain, so descendant queries and
// foreground waits still resolve after cascading cleanup (or a restart) has
// deleted the record itself.
type Report struct {
	TaskID            string    `json:"task_id"`
	ParentMinionID    string    `json:"parent_minion_id"`
	RootMinionID      string    `json:"root_minion_id"`
	AncestorMinionIDs []string  `json:"ancestor_minion_ids"`
	AgentID           string    `json:"agent_id,omitempty"`
	Title             string    `json:"title,omitempty"`
	ReportMarkdown    string    `json:"report_markdown"`
	Fallback          bool      `json:"fallback,omitempty"`
	ReportedAt        time.Time `json:"reported_at"`
	Artifact          *Artifact `json:"artifact,omitempty"`
}

// Store persists reports as one JSON file per child task under a session
// directory. Writes go through a temp file + rename so a crash mid-write
// never leaves a torn report.
type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("report dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "reports"), 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, "reports", taskID+".json")
}

func (s *Store) Upsert(rep Report) error {
	rep.TaskID = strings.TrimSpace(rep.TaskID)
	if rep.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(rep)
}

func (s *Store) Read(taskID string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(strings.TrimSpace(taskID))
}

// SetArtifact updates just the artifact state of an existing report.
func (s *Store) SetArtifact(taskID string, art Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, err := s.readLocked(strings.TrimSpace(taskID))
	if err != nil {
		return err
	}
	rep.Artifact = &art
	return s.writeLocked(rep)
}

// WritePatch stores the generated diff next to the report and returns its
// path.
func (s *Store) WritePatch(taskID, patch string) (string, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return "", fmt.Errorf("task id is required")
	}
	path := filepath.Join(s.dir, "reports", taskID+".patch")
	if err := os.WriteFile(path, []byte(patch), 0o644); err != nil {
		return "", fmt.Errorf("write patch: %w", err)
	}
	return path, nil
}

func (s *Store) readLocked(taskID string) (Report, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return Report{}, ErrNotFound
		}
		return Report{}, fmt.Errorf("read report %q: %w", taskID, err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return Report{}, fmt.Errorf("decode report %q: %w", taskID, err)
	}
	return rep, nil
}

func (s *Store) writeLocked(rep Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report %q: %w", rep.TaskID, err)
	}
	path := s.path(rep.TaskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report %q: %w", rep.TaskID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit report %q: %w", rep.TaskID, err)
	}
	return nil
}
