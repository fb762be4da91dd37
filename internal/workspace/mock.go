package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/antoniostano/miniond/internal/minion"
)

// MockRuntime provisions pretend workspaces in memory and records every call,
// so scheduler tests can assert that resources exist exactly when the
// lifecycle says they should.
type MockRuntime struct {
	mu       sync.Mutex
	seq      int
	live     map[string]bool // workspace path → provisioned
	failFork error
	diffs    map[string]string // workspace path → scripted patch
	failDiff map[string]error
	removed  []string
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		live:     make(map[string]bool),
		diffs:    make(map[string]string),
		failDiff: make(map[string]error),
	}
}

func (m *MockRuntime) Fork(_ context.Context, parent minion.RuntimeConfig) (ForkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFork != nil {
		return ForkResult{}, m.failFork
	}
	m.seq++
	path := fmt.Sprintf("/ws/%d", m.seq)
	m.live[path] = true
	return ForkResult{
		Forked: minion.RuntimeConfig{WorkspacePath: path, Branch: fmt.Sprintf("task/%d", m.seq)},
		Source: parent,
	}, nil
}

func (m *MockRuntime) HeadCommit(_ context.Context, cfg minion.RuntimeConfig) (string, error) {
	return "head-" + cfg.WorkspacePath, nil
}

func (m *MockRuntime) Diff(_ context.Context, cfg minion.RuntimeConfig, baseCommit string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failDiff[cfg.WorkspacePath]; err != nil {
		return "", err
	}
	if !m.live[cfg.WorkspacePath] {
		return "", errors.New("workspace gone")
	}
	if patch, ok := m.diffs[cfg.WorkspacePath]; ok {
		return patch, nil
	}
	return fmt.Sprintf("diff %s..%s", baseCommit, cfg.WorkspacePath), nil
}

func (m *MockRuntime) Remove(_ context.Context, cfg minion.RuntimeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, cfg.WorkspacePath)
	m.removed = append(m.removed, cfg.WorkspacePath)
	return nil
}

// FailFork scripts the next forks to fail.
func (m *MockRuntime) FailFork(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFork = err
}

// FailDiff scripts Diff for one workspace to fail.
func (m *MockRuntime) FailDiff(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDiff[path] = err
}

// Live reports whether a workspace is currently provisioned.
func (m *MockRuntime) Live(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[path]
}

// LiveCount returns how many workspaces are provisioned.
func (m *MockRuntime) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Removed returns the removal order.
func (m *MockRuntime) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.removed))
	copy(out, m.removed)
	return out
}
