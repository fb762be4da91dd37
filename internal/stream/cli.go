package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/miniond/internal/history"
	"github.com/antoniostano/miniond/internal/reliability"
)

// CLIEngineConfig configures the agent-CLI backed engine.
type CLIEngineConfig struct {
	// BinaryPath is the agent CLI executable.
	BinaryPath string
	// BaseArgs are prepended to every invocation.
	BaseArgs []string
	// RunTimeout bounds one CLI invocation. Zero means no bound beyond the
	// caller's context.
	RunTimeout time.Duration
	// MaxAttempts caps delivery retries for transient CLI failures.
	MaxAttempts int
}

func (c CLIEngineConfig) withDefaults() CLIEngineConfig {
	if strings.TrimSpace(c.BinaryPath) == "" {
		c.BinaryPath = "agent"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// CLIEngine drives minions through one agent CLI invocation per delivered
// message. Each completed invocation appends the assistant turn to the
// minion's history and surfaces as one EndEvent. One stream per minion at a
// time; StopStream cancels the in-flight invocation.
type CLIEngine struct {
	cfg  CLIEngineConfig
	hist history.Store
	log  *logrus.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	events  chan EndEvent
}

func NewCLIEngine(cfg CLIEngineConfig, hist history.Store, log *logrus.Logger) *CLIEngine {
	if log == nil {
		log = logrus.New()
	}
	return &CLIEngine{
		cfg:     cfg.withDefaults(),
		hist:    hist,
		log:     log,
		running: make(map[string]context.CancelFunc),
		events:  make(chan EndEvent, 64),
	}
}

func (e *CLIEngine) SendMessage(ctx context.Context, minionID, text string, opts GenerationOptions, flags DeliveryFlags) error {
	minionID = strings.TrimSpace(minionID)
	if minionID == "" {
		return fmt.Errorf("minion id is required")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := e.hist.Append(ctx, minionID, history.Message{
		ID:        uuid.NewString(),
		MinionID:  minionID,
		Role:      "user",
		AgentID:   opts.AgentID,
		Synthetic: flags.Synthetic,
		Parts:     []history.Part{{Type: "text", Text: text}},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append user message: %w", err)
	}

	e.mu.Lock()
	if _, busy := e.running[minionID]; busy {
		e.mu.Unlock()
		return fmt.Errorf("minion %q is already mid-stream", minionID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.running[minionID] = cancel
	e.mu.Unlock()

	go e.run(runCtx, minionID, text, opts)
	return nil
}

func (e *CLIEngine) run(ctx context.Context, minionID, text string, opts GenerationOptions) {
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.running[minionID]; ok {
			delete(e.running, minionID)
			cancel()
		}
		e.mu.Unlock()
	}()

	parts, err := e.invokeWithRetry(ctx, minionID, text, opts)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled stream: no end event, the stopper owns the state.
			return
		}
		e.log.WithError(err).WithField("minion", minionID).Error("agent cli invocation failed")
		// An errored turn still ends: the scheduler sees a silent turn and
		// drives its reminder/fallback machinery.
		parts = nil
	}

	msgID := uuid.NewString()
	if len(parts) > 0 {
		err := e.hist.Append(context.Background(), minionID, history.Message{
			ID:        msgID,
			MinionID:  minionID,
			Role:      "assistant",
			AgentID:   opts.AgentID,
			Parts:     parts,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			e.log.WithError(err).WithField("minion", minionID).Warn("append assistant message failed")
		}
	}

	e.events <- EndEvent{
		MinionID:  minionID,
		MessageID: msgID,
		Model:     opts.ModelString,
		AgentID:   opts.AgentID,
		Parts:     parts,
	}
}

func (e *CLIEngine) invokeWithRetry(ctx context.Context, minionID, text string, opts GenerationOptions) ([]history.Part, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 10*time.Second)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		parts, err := e.invokeOnce(ctx, minionID, text, opts)
		if err == nil {
			return parts, nil
		}
		lastErr = err
		if ctx.Err() != nil || !reliability.IsRetryableAgentFailure(err.Error()) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *CLIEngine) invokeOnce(ctx context.Context, minionID, text string, opts GenerationOptions) ([]history.Part, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	args := append([]string{}, e.cfg.BaseArgs...)
	args = append(args, "--json", "--no-color", "--session-id", minionID, "--message", text)
	if agentID := strings.TrimSpace(opts.AgentID); agentID != "" {
		args = append(args, "--agent", agentID)
	}
	if model := strings.TrimSpace(opts.ModelString); model != "" {
		args = append(args, "--model", model)
	}
	if thinking := strings.TrimSpace(opts.ThinkingLevel); thinking != "" {
		args = append(args, "--thinking", thinking)
	}

	cmd := exec.CommandContext(runCtx, e.cfg.BinaryPath, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			// exec.CommandContext may surface "signal: killed" instead of
			// context cancellation.
			return nil, runCtx.Err()
		}
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = strings.TrimSpace(stdout.String())
		}
		if errText != "" {
			return nil, fmt.Errorf("agent cli failed: %w: %s", err, errText)
		}
		return nil, fmt.Errorf("agent cli failed: %w", err)
	}

	return parseCLIParts(stdout.String()), nil
}

// parseCLIParts decodes the CLI's JSON-lines output into message parts.
// Unparseable lines are folded into a trailing text part so a misbehaving
// CLI still yields something the fallback-report path can use.
func parseCLIParts(out string) []history.Part {
	var parts []history.Part
	var plain []string

	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var raw struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ToolName string `json:"tool_name"`
			State    string `json:"state"`
			Input    string `json:"input"`
			Output   string `json:"output"`
			TaskID   string `json:"task_id"`
		}
		if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &raw) != nil {
			plain = append(plain, line)
			continue
		}
		switch raw.Type {
		case "text":
			if raw.Text != "" {
				parts = append(parts, history.Part{Type: "text", Text: raw.Text})
			}
		case "tool_call":
			parts = append(parts, history.Part{
				Type:     "tool_call",
				ToolName: raw.ToolName,
				State:    raw.State,
				Input:    raw.Input,
				Output:   raw.Output,
				TaskID:   raw.TaskID,
			})
		default:
			if raw.Text != "" {
				plain = append(plain, raw.Text)
			}
		}
	}
	if len(plain) > 0 {
		parts = append(parts, history.Part{Type: "text", Text: strings.Join(plain, "\n")})
	}
	return parts
}

func (e *CLIEngine) StopStream(_ context.Context, minionID string, _ bool) error {
	e.mu.Lock()
	cancel, ok := e.running[minionID]
	if ok {
		delete(e.running, minionID)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (e *CLIEngine) IsStreaming(minionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[minionID]
	return ok
}

func (e *CLIEngine) Events() <-chan EndEvent { return e.events }
