package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the minion daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// MaxParallelAgentTasks caps how many agent tasks run at once across the
	// whole process; overflow queues.
	MaxParallelAgentTasks int
	// MaxNestingDepth caps how deep tasks may spawn tasks.
	MaxNestingDepth int
	// AutoResumeBudget caps consecutive scheduler nudges per root minion
	// between real user messages.
	AutoResumeBudget int

	// HandoffMode routes plan handoffs: "exec", "orchestrator", or "auto".
	HandoffMode         string
	OrchestratorEnabled bool

	WaitTimeout time.Duration

	// DatabaseURL selects the postgres minion store when set; otherwise
	// BoltPath selects bbolt, and with both empty the store is in-memory.
	DatabaseURL string
	BoltPath    string

	// SessionDir holds durable per-session state: reports and patches.
	SessionDir string
	// WorkspaceRoot is where task worktrees are created.
	WorkspaceRoot string

	// AgentCLIPath is the agent CLI binary the engine shells out to.
	AgentCLIPath string
	// AgentRunTimeout bounds one CLI invocation.
	AgentRunTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("MINIOND_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("MINIOND_METRICS_NAMESPACE", "miniond"),
		AllowAnyOrigin:        false,
		MaxParallelAgentTasks: 4,
		MaxNestingDepth:       3,
		AutoResumeBudget:      3,
		HandoffMode:           envOrDefault("MINIOND_HANDOFF_MODE", "exec"),
		OrchestratorEnabled:   false,
		WaitTimeout:           10 * time.Minute,
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		BoltPath:              stringsTrimSpace("MINIOND_BOLT_PATH"),
		SessionDir:            envOrDefault("MINIOND_SESSION_DIR", ".miniond"),
		WorkspaceRoot:         envOrDefault("MINIOND_WORKSPACE_ROOT", ".miniond/workspaces"),
		AgentCLIPath:          envOrDefault("MINIOND_AGENT_CLI", "agent"),
		AgentRunTimeout:       30 * time.Minute,
		ShutdownTimeout:       15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("MINIOND_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WaitTimeout, err = durationFromEnv("MINIOND_WAIT_TIMEOUT", cfg.WaitTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentRunTimeout, err = durationFromEnv("MINIOND_AGENT_RUN_TIMEOUT", cfg.AgentRunTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxParallelAgentTasks, err = intFromEnv("MINIOND_MAX_PARALLEL_AGENT_TASKS", cfg.MaxParallelAgentTasks)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxNestingDepth, err = intFromEnv("MINIOND_MAX_NESTING_DEPTH", cfg.MaxNestingDepth)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoResumeBudget, err = intFromEnv("MINIOND_AUTO_RESUME_BUDGET", cfg.AutoResumeBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("MINIOND_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.OrchestratorEnabled, err = boolFromEnv("MINIOND_ORCHESTRATOR_ENABLED", cfg.OrchestratorEnabled)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxParallelAgentTasks <= 0 {
		return Config{}, fmt.Errorf("MINIOND_MAX_PARALLEL_AGENT_TASKS must be positive")
	}
	if cfg.MaxNestingDepth <= 0 {
		return Config{}, fmt.Errorf("MINIOND_MAX_NESTING_DEPTH must be positive")
	}
	if cfg.AutoResumeBudget <= 0 {
		return Config{}, fmt.Errorf("MINIOND_AUTO_RESUME_BUDGET must be positive")
	}
	if cfg.WaitTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("MINIOND_WAIT_TIMEOUT must be at least 5s")
	}
	if cfg.AgentRunTimeout <= 0 {
		return Config{}, fmt.Errorf("MINIOND_AGENT_RUN_TIMEOUT must be positive")
	}
	switch cfg.HandoffMode {
	case "exec", "orchestrator", "auto":
	default:
		return Config{}, fmt.Errorf("MINIOND_HANDOFF_MODE must be exec, orchestrator, or auto")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
