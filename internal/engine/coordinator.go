package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/machina/internal/store"
	"github.com/rendis/machina/pkg/schema"
)

// recordTimeout bounds the store write for a finished run.
const recordTimeout = 10 * time.Second

// RunStatusInfo is what a status query reports for a run, whether it is
// still in flight or already persisted.
type RunStatusInfo struct {
	RunID          string           `json:"run_id"`
	Workflow       string           `json:"workflow"`
	Status         schema.RunStatus `json:"status"`
	FinalState     string           `json:"final_state,omitempty"`
	FailedState    string           `json:"failed_state,omitempty"`
	Error          string           `json:"error,omitempty"`
	StatesExecuted int              `json:"states_executed"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

type activeRun struct {
	workflow  string
	startedAt time.Time
	abort     atomic.Bool
}

// Coordinator launches workflow runs, tracks the in-flight ones so they can
// be queried and aborted, and records terminal outcomes to the store. It is
// the shared run surface behind the CLI, the MCP server, and the scheduler.
type Coordinator struct {
	cfg    Config
	deps   Deps
	store  store.Store // optional; nil skips run persistence
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]*activeRun
}

// NewCoordinator creates a Coordinator. The store may be nil, in which case
// finished runs are only reported, never persisted.
func NewCoordinator(cfg Config, deps Deps, st store.Store) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		store:  st,
		logger: logger,
		active: make(map[string]*activeRun),
	}
}

// RunSync executes a workflow to a terminal status and returns its outcome.
// The run is abortable via Abort while it is in flight. A non-nil error
// means the run failed or could not start; an aborted run returns its
// outcome with a nil error.
func (c *Coordinator) RunSync(ctx context.Context, workflow string, params map[string]any) (*RunOutcome, error) {
	run, exec, err := c.begin(ctx, workflow, params)
	if err != nil {
		return nil, err
	}
	return c.drive(ctx, exec, run)
}

// StartRun begins a workflow run in the background and returns its run ID.
// Parameter validation happens synchronously so callers get immediate
// feedback; execution continues detached from the caller's context.
func (c *Coordinator) StartRun(ctx context.Context, workflow string, params map[string]any) (string, error) {
	run, exec, err := c.begin(ctx, workflow, params)
	if err != nil {
		return "", err
	}
	go func() {
		if _, driveErr := c.drive(context.WithoutCancel(ctx), exec, run); driveErr != nil {
			c.logger.Error("background run failed",
				slog.String("run_id", run.ID()),
				slog.String("workflow", workflow),
				slog.String("error", driveErr.Error()))
		}
	}()
	return run.ID(), nil
}

// Launch runs a workflow synchronously, discarding the outcome. It satisfies
// the scheduler's launcher contract; cron already runs each job in its own
// goroutine.
func (c *Coordinator) Launch(ctx context.Context, workflow string, params map[string]any) error {
	_, err := c.RunSync(ctx, workflow, params)
	return err
}

// Abort requests cooperative cancellation of an in-flight run. The current
// state's action finishes before the run stops.
func (c *Coordinator) Abort(runID string) error {
	c.mu.RLock()
	ar, ok := c.active[runID]
	c.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run %q", runID)
	}
	ar.abort.Store(true)
	c.logger.Info("abort requested", slog.String("run_id", runID), slog.String("workflow", ar.workflow))
	return nil
}

// Status reports a run. In-flight runs report from the active table; finished
// runs come from the store.
func (c *Coordinator) Status(ctx context.Context, runID string) (*RunStatusInfo, error) {
	c.mu.RLock()
	ar, ok := c.active[runID]
	c.mu.RUnlock()
	if ok {
		return &RunStatusInfo{
			RunID:     runID,
			Workflow:  ar.workflow,
			Status:    schema.RunStatusRunning,
			StartedAt: ar.startedAt,
		}, nil
	}
	if c.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	rec, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	completed := rec.CompletedAt
	return &RunStatusInfo{
		RunID:          rec.RunID,
		Workflow:       rec.Workflow,
		Status:         rec.Status,
		FinalState:     rec.FinalState,
		FailedState:    rec.FailedState,
		Error:          rec.Error,
		StatesExecuted: rec.StatesExecuted,
		StartedAt:      rec.StartedAt,
		CompletedAt:    &completed,
	}, nil
}

// ActiveRuns returns the IDs of runs currently in flight.
func (c *Coordinator) ActiveRuns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// begin resolves the definition, validates parameters via Start, and
// registers the run as active.
func (c *Coordinator) begin(ctx context.Context, workflow string, params map[string]any) (*WorkflowRun, *Executor, error) {
	if c.deps.Definitions == nil {
		return nil, nil, schema.NewError(schema.ErrCodeExecution, "no definition source configured")
	}
	def, err := c.deps.Definitions.Definition(ctx, workflow)
	if err != nil {
		return nil, nil, err
	}
	exec := NewExecutor(c.cfg, c.deps)
	run, err := exec.Start(ctx, def, params)
	if err != nil {
		return nil, nil, err
	}
	ar := &activeRun{workflow: def.Name, startedAt: run.StartedAt}
	c.mu.Lock()
	c.active[run.ID()] = ar
	c.mu.Unlock()
	return run, exec, nil
}

// drive runs the state loop, deregisters the run, and persists the outcome.
func (c *Coordinator) drive(ctx context.Context, exec *Executor, run *WorkflowRun) (*RunOutcome, error) {
	c.mu.RLock()
	ar := c.active[run.ID()]
	c.mu.RUnlock()

	outcome, runErr := exec.RunToCompletion(ctx, run, func() bool { return ar.abort.Load() })

	c.mu.Lock()
	delete(c.active, run.ID())
	c.mu.Unlock()

	if outcome != nil {
		c.record(outcome, run)
	}
	return outcome, runErr
}

func (c *Coordinator) record(outcome *RunOutcome, run *WorkflowRun) {
	if c.store == nil || !outcome.Status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	rec := &store.RunRecord{
		RunID:          outcome.RunID,
		Workflow:       outcome.Workflow,
		Status:         outcome.Status,
		FinalState:     outcome.FinalState,
		FailedState:    outcome.FailedState,
		Error:          outcome.Error,
		StatesExecuted: outcome.StatesExecuted,
		Vars:           outcome.Vars,
		StartedAt:      run.StartedAt,
		CompletedAt:    completedAt,
	}
	if err := c.store.RecordRun(ctx, rec); err != nil {
		c.logger.Error("record run failed",
			slog.String("run_id", outcome.RunID),
			slog.String("error", err.Error()))
	}
}
