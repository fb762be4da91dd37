package workspace

import (
	"context"

	"github.com/antoniostano/miniond/internal/minion"
)

// ForkResult is what the runtime layer hands back after forking a workspace.
// The fork may relocate both sides, so the parent's config comes back too and
// both must be persisted.
type ForkResult struct {
	Forked minion.RuntimeConfig
	Source minion.RuntimeConfig
}

// Runtime provisions and inspects minion workspaces. Implementations: git
// worktrees on disk, or the in-memory fake used by tests.
type Runtime interface {
	// Fork branches a child workspace off the parent's current state.
	Fork(ctx context.Context, parent minion.RuntimeConfig) (ForkResult, error)

	// HeadCommit resolves the workspace's current commit sha.
	HeadCommit(ctx context.Context, cfg minion.RuntimeConfig) (string, error)

	// Diff renders the patch between baseCommit and the workspace's current
	// state.
	Diff(ctx context.Context, cfg minion.RuntimeConfig, baseCommit string) (string, error)

	// Remove releases the workspace's resources.
	Remove(ctx context.Context, cfg minion.RuntimeConfig) error
}
