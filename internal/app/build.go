package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/miniond/internal/agents"
	"github.com/antoniostano/miniond/internal/config"
	"github.com/antoniostano/miniond/internal/history"
	"github.com/antoniostano/miniond/internal/httpapi"
	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/observability"
	"github.com/antoniostano/miniond/internal/reports"
	"github.com/antoniostano/miniond/internal/scheduler"
	"github.com/antoniostano/miniond/internal/stream"
	"github.com/antoniostano/miniond/internal/workspace"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Scheduler *scheduler.Scheduler
	Store     minion.Store
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, local workers, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log *logrus.Logger) (*BuildResult, error) {
	if log == nil {
		log = logrus.New()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := minion.NewStore(ctx, cfg.DatabaseURL, cfg.BoltPath)
	if err != nil {
		return nil, fmt.Errorf("minion store init failed: %w", err)
	}

	reportStore, err := reports.NewStore(cfg.SessionDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("report store init failed: %w", err)
	}

	workspaces, err := workspace.NewGitRuntime(cfg.WorkspaceRoot)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("workspace runtime init failed: %w", err)
	}

	hist := history.NewMemoryStore()
	engine := stream.NewCLIEngine(stream.CLIEngineConfig{
		BinaryPath: cfg.AgentCLIPath,
		RunTimeout: cfg.AgentRunTimeout,
	}, hist, log)

	sched := scheduler.New(scheduler.Config{
		MaxParallelAgentTasks: cfg.MaxParallelAgentTasks,
		MaxNestingDepth:       cfg.MaxNestingDepth,
		AutoResumeBudget:      cfg.AutoResumeBudget,
		HandoffMode:           cfg.HandoffMode,
		OrchestratorEnabled:   cfg.OrchestratorEnabled,
		DefaultWaitTimeout:    cfg.WaitTimeout,
	}, scheduler.Deps{
		Store:      store,
		History:    hist,
		Engine:     engine,
		Workspaces: workspaces,
		Registry:   agents.NewRegistry(),
		Reports:    reportStore,
		Metrics:    metrics,
		Log:        log,
	})

	api := httpapi.New(cfg, sched, store, reportStore, engine, metrics, log)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Scheduler: sched,
		Store:     store,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}
