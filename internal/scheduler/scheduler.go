package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/miniond/internal/agents"
	"github.com/antoniostano/miniond/internal/history"
	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/observability"
	"github.com/antoniostano/miniond/internal/reports"
	"github.com/antoniostano/miniond/internal/stream"
	"github.com/antoniostano/miniond/internal/workspace"
)

const (
	defaultMaxParallelAgentTasks = 4
	defaultMaxNestingDepth       = 3
	defaultAutoResumeBudget      = 3
	defaultWaitTimeout           = 10 * time.Minute
	defaultEventHistoryLimit     = 512

	// fallbackModelString is the hardcoded last-resort model when nothing in
	// the resolution chain yields a usable value.
	fallbackModelString = "claude-sonnet-4-5"

	// fallbackAgentID is used for auto-resume nudges when neither the
	// completion event nor the ancestor's history reveals an agent id.
	fallbackAgentID = agents.BaseExec
)

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	MaxParallelAgentTasks int
	MaxNestingDepth       int
	AutoResumeBudget      int

	// HandoffMode routes plan-derived tasks after a successful plan:
	// "exec" (default), "orchestrator", or "auto".
	HandoffMode         string
	OrchestratorEnabled bool

	DefaultWaitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallelAgentTasks <= 0 {
		c.MaxParallelAgentTasks = defaultMaxParallelAgentTasks
	}
	if c.MaxNestingDepth <= 0 {
		c.MaxNestingDepth = defaultMaxNestingDepth
	}
	if c.AutoResumeBudget <= 0 {
		c.AutoResumeBudget = defaultAutoResumeBudget
	}
	if strings.TrimSpace(c.HandoffMode) == "" {
		c.HandoffMode = "exec"
	}
	if c.DefaultWaitTimeout <= 0 {
		c.DefaultWaitTimeout = defaultWaitTimeout
	}
	return c
}

// resumeState is the per-root flood-protection counter. Never persisted: a
// restart clears flood history.
type resumeState struct {
	count       int
	interrupted bool
}

// Scheduler owns the agent-task lifecycle: admission, stream-end handling,
// report completion, plan handoff, auto-resume, and recovery. All scheduling
// state that must survive a restart lives in the minion store and the report
// store; everything here is per-instance so parallel schedulers (tests) do
// not interfere.
type Scheduler struct {
	cfg        Config
	store      minion.Store
	hist       history.Store
	engine     stream.Engine
	workspaces workspace.Runtime
	registry   *agents.Registry
	reports    *reports.Store
	metrics    *observability.Metrics
	log        *logrus.Logger

	mu             sync.Mutex
	waiters        map[string][]*waiter
	requesterWaits map[string]int  // requesting minion id → open foreground waits
	reminded       map[string]bool // reminder dedup, one per awaiting episode
	resume         map[string]*resumeState
	taskLocks      map[string]*sync.Mutex

	subscribers  map[string]map[int]chan Event
	nextSubID    int
	eventsByTask map[string][]Event
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Store      minion.Store
	History    history.Store
	Engine     stream.Engine
	Workspaces workspace.Runtime
	Registry   *agents.Registry
	Reports    *reports.Store
	Metrics    *observability.Metrics
	Log        *logrus.Logger
}

func New(cfg Config, deps Deps) *Scheduler {
	log := deps.Log
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		cfg:            cfg.withDefaults(),
		store:          deps.Store,
		hist:           deps.History,
		engine:         deps.Engine,
		workspaces:     deps.Workspaces,
		registry:       deps.Registry,
		reports:        deps.Reports,
		metrics:        deps.Metrics,
		log:            log,
		waiters:        make(map[string][]*waiter),
		requesterWaits: make(map[string]int),
		reminded:       make(map[string]bool),
		resume:         make(map[string]*resumeState),
		taskLocks:      make(map[string]*sync.Mutex),
		subscribers:    make(map[string]map[int]chan Event),
		eventsByTask:   make(map[string][]Event),
	}
}

// Run recovers pending work, then consumes the engine's stream-end channel
// until ctx is cancelled. Events for different tasks are handled
// concurrently; per-task ordering is enforced by HandleStreamEnd.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.RecoverPending(ctx); err != nil {
		s.log.WithError(err).Warn("startup recovery pass failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.engine.Events():
			if !ok {
				return
			}
			go s.HandleStreamEnd(ctx, ev)
		}
	}
}

// taskLock returns the per-task mutex that serializes stream-end handling
// (and other transitions) for one task id.
func (s *Scheduler) taskLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.taskLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.taskLocks[id] = l
	}
	return l
}

func (s *Scheduler) now() time.Time { return time.Now().UTC() }

// refreshGauges republishes the running/queued task gauges from a record map.
// Called at the tail of every store edit that can change a task status, so
// the gauges track transitions rather than being sampled.
func (s *Scheduler) refreshGauges(recs map[string]*minion.Record) {
	if s.metrics == nil {
		return
	}
	var running, queued float64
	for _, rec := range recs {
		if !rec.IsTask() {
			continue
		}
		switch rec.Status {
		case minion.StatusRunning:
			running++
		case minion.StatusQueued:
			queued++
		}
	}
	s.metrics.RunningTasks.Set(running)
	s.metrics.QueuedTasks.Set(queued)
}
