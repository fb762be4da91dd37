package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/antoniostano/miniond/internal/minion"
)

// GitRuntime forks task workspaces as git worktrees under a common root.
type GitRuntime struct {
	root string
}

func NewGitRuntime(root string) (*GitRuntime, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &GitRuntime{root: root}, nil
}

func (g *GitRuntime) Fork(ctx context.Context, parent minion.RuntimeConfig) (ForkResult, error) {
	if strings.TrimSpace(parent.WorkspacePath) == "" {
		return ForkResult{}, fmt.Errorf("parent workspace path is empty")
	}

	id := uuid.NewString()[:8]
	branch := "task/" + id
	path := filepath.Join(g.root, id)

	_, err := g.git(ctx, parent.WorkspacePath, "worktree", "add", "-b", branch, path)
	if err != nil {
		return ForkResult{}, fmt.Errorf("fork worktree: %w", err)
	}

	return ForkResult{
		Forked: minion.RuntimeConfig{WorkspacePath: path, Branch: branch},
		Source: parent,
	}, nil
}

func (g *GitRuntime) HeadCommit(ctx context.Context, cfg minion.RuntimeConfig) (string, error) {
	out, err := g.git(ctx, cfg.WorkspacePath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (g *GitRuntime) Diff(ctx context.Context, cfg minion.RuntimeConfig, baseCommit string) (string, error) {
	baseCommit = strings.TrimSpace(baseCommit)
	if baseCommit == "" {
		return "", fmt.Errorf("base commit is required")
	}
	out, err := g.git(ctx, cfg.WorkspacePath, "diff", baseCommit)
	if err != nil {
		return "", fmt.Errorf("diff against %s: %w", baseCommit, err)
	}
	return out, nil
}

func (g *GitRuntime) Remove(ctx context.Context, cfg minion.RuntimeConfig) error {
	path := strings.TrimSpace(cfg.WorkspacePath)
	if path == "" {
		return nil
	}
	// Worktree metadata lives in the parent repo; removal from any checkout
	// that knows the worktree works, including the worktree itself.
	if _, err := g.git(ctx, path, "worktree", "remove", "--force", path); err != nil {
		// Fall through to a plain directory removal; an already-pruned
		// worktree still leaves the directory behind.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove workspace %s: %w", path, rmErr)
		}
	}
	return nil
}

func (g *GitRuntime) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, errText)
	}
	return stdout.String(), nil
}
