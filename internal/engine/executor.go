package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/machina/internal/actions"
	"github.com/rendis/machina/internal/agent"
	"github.com/rendis/machina/internal/expressions"
	"github.com/rendis/machina/internal/notify"
	"github.com/rendis/machina/pkg/schema"
)

// DefaultMaxCycles bounds how many states a single run may execute before
// the loop guard fails it.
const DefaultMaxCycles = 1000

// DefaultMaxNestingDepth bounds sub-workflow recursion.
const DefaultMaxNestingDepth = 8

// DefinitionSource resolves workflow definitions by name. Satisfied by the
// definition registry and test fakes.
type DefinitionSource interface {
	Definition(ctx context.Context, name string) (*schema.WorkflowDefinition, error)
}

// Config holds executor tuning knobs.
type Config struct {
	MaxCycles       int
	MaxNestingDepth int
	// Workdir is the default working directory for shell actions.
	Workdir string
	// ShellTimeout bounds shell commands that declare no timeout.
	ShellTimeout time.Duration
}

// Deps wires the executor's collaborators. Emitter and Definitions are
// optional: a nil Emitter drops notifications, a nil Definitions disables
// sub-workflows.
type Deps struct {
	Evaluator   *expressions.Evaluator
	Agent       agent.Executor
	Emitter     *notify.Emitter
	Definitions DefinitionSource
	Logger      *slog.Logger
}

// WorkflowRun is one execution of a definition: current position, status,
// history of executed states, and the run-scoped context.
type WorkflowRun struct {
	Definition   *schema.WorkflowDefinition
	Context      *RunContext
	Status       schema.RunStatus
	CurrentState string
	History      []string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Err          *schema.MachinaError
}

// ID returns the run id minted by the context.
func (r *WorkflowRun) ID() string { return r.Context.RunID() }

// RunOutcome is the caller-facing summary of a finished run.
type RunOutcome struct {
	RunID          string            `json:"run_id"`
	Workflow       string            `json:"workflow"`
	Status         schema.RunStatus  `json:"status"`
	FinalState     string            `json:"final_state,omitempty"`
	FailedState    string            `json:"failed_state,omitempty"`
	StatesExecuted int               `json:"states_executed"`
	Error          string            `json:"error,omitempty"`
	Vars           map[string]any    `json:"vars,omitempty"`
	DurationMs     int64             `json:"duration_ms"`
}

// AbortCheck is polled between cycles for cooperative cancellation. In-flight
// actions always finish before the run can stop.
type AbortCheck func() bool

// Executor drives one WorkflowRun at a time from its initial state to a
// terminal status. Independent runs use independent Executor method calls;
// nested runs get a fresh child executor with incremented depth.
type Executor struct {
	cfg        Config
	deps       Deps
	fsm        *RunFSM
	dispatcher *actions.Dispatcher
	depth      int
}

// NewExecutor creates an Executor with defaults applied.
func NewExecutor(cfg Config, deps Deps) *Executor {
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = DefaultMaxCycles
	}
	if cfg.MaxNestingDepth <= 0 {
		cfg.MaxNestingDepth = DefaultMaxNestingDepth
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := &Executor{cfg: cfg, deps: deps, fsm: NewRunFSM()}
	e.dispatcher = actions.NewDispatcher(actions.Config{
		Evaluator:      deps.Evaluator,
		Agent:          deps.Agent,
		Logger:         deps.Logger,
		Workdir:        cfg.Workdir,
		ShellTimeout:   cfg.ShellTimeout,
		RunSubWorkflow: e.runSubWorkflow,
	})
	return e
}

// Start validates the initial variables against the definition's required
// parameters and returns a run positioned at the initial state. Validation
// failures surface before any state executes and never enter run history.
func (e *Executor) Start(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any) (*WorkflowRun, error) {
	if def.State(def.Initial) == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q: initial state %q does not exist", def.Name, def.Initial)
	}
	if missing := missingRequired(def, initial); len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q: missing required parameter(s): %s", def.Name, strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}

	rc := NewRunContext(def.Name)
	seedContext(rc, def, initial)

	run := &WorkflowRun{
		Definition:   def,
		Context:      rc,
		Status:       schema.RunStatusPending,
		CurrentState: def.Initial,
		StartedAt:    time.Now(),
	}
	if err := e.fsm.Transition(run.ID(), schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatusRunning

	e.deps.Logger.InfoContext(ctx, "run started",
		slog.String("run_id", run.ID()),
		slog.String("workflow", def.Name),
		slog.String("initial_state", def.Initial))
	e.deps.Emitter.FlowStart(ctx, run.ID(), def.Name)
	return run, nil
}

// ExecuteSingleCycle executes the action of the current state, selects the
// winning transition against the mutated context and advances. It returns
// whether a transition was taken; false means the run reached Completed.
// Action failure marks the run Failed and returns the error.
func (e *Executor) ExecuteSingleCycle(ctx context.Context, run *WorkflowRun) (bool, error) {
	if run.Status != schema.RunStatusRunning {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s, not running", run.ID(), run.Status)
	}

	state := run.Definition.State(run.CurrentState)
	if state == nil {
		return false, e.fail(ctx, run, schema.NewErrorf(schema.ErrCodeExecution,
			"state %q does not exist", run.CurrentState).WithState(run.CurrentState))
	}

	hint := run.Definition.StateCount()
	e.deps.Emitter.StateStart(ctx, run.ID(), state.ID, len(run.History), hint)

	if err := e.dispatcher.Execute(ctx, run.Context, &state.Action); err != nil {
		mErr := asMachinaError(err)
		if mErr.StateID == "" {
			mErr = mErr.WithState(state.ID)
		}
		return false, e.fail(ctx, run, mErr)
	}
	run.History = append(run.History, state.ID)

	if state.Terminal {
		e.deps.Emitter.StateComplete(ctx, run.ID(), state.ID, "", len(run.History), hint)
		return false, e.complete(ctx, run, state.ID)
	}

	next, matched, err := e.selectTransition(ctx, run, state)
	if err != nil {
		return false, e.fail(ctx, run, asMachinaError(err).WithState(state.ID))
	}
	if !matched {
		// No condition matched and no default exists: the run ends here.
		e.deps.Emitter.StateComplete(ctx, run.ID(), state.ID, "", len(run.History), hint)
		return false, e.complete(ctx, run, state.ID)
	}

	e.deps.Emitter.StateComplete(ctx, run.ID(), state.ID, next, len(run.History), hint)
	run.CurrentState = next
	return true, nil
}

// RunToCompletion loops ExecuteSingleCycle, polling abortCheck between
// cycles and enforcing the cycle limit. It always returns an outcome; the
// error is non-nil for failed runs (aborts are an outcome, not an error).
func (e *Executor) RunToCompletion(ctx context.Context, run *WorkflowRun, abortCheck AbortCheck) (*RunOutcome, error) {
	for {
		if ctx.Err() != nil || (abortCheck != nil && abortCheck()) {
			e.abort(ctx, run)
			return e.outcome(run), nil
		}
		if len(run.History) > e.cfg.MaxCycles {
			err := schema.NewErrorf(schema.ErrCodeCycleLimit,
				"run %s exceeded cycle limit %d without reaching a terminal state", run.ID(), e.cfg.MaxCycles).
				WithState(run.CurrentState)
			e.fail(ctx, run, err)
			return e.outcome(run), err
		}

		advanced, err := e.ExecuteSingleCycle(ctx, run)
		if err != nil {
			return e.outcome(run), err
		}
		if !advanced {
			return e.outcome(run), nil
		}
	}
}

// selectTransition is the deterministic single-pass, first-match-wins
// selection over the state's transitions in declaration order.
func (e *Executor) selectTransition(ctx context.Context, run *WorkflowRun, state *schema.State) (string, bool, error) {
	data := run.Context.Snapshot()
	data["run"] = map[string]any{
		"run_id":   run.ID(),
		"workflow": run.Context.Workflow(),
		"state":    state.ID,
	}
	for _, t := range state.Transitions {
		if t.Unconditional() {
			return t.Target, true, nil
		}
		ok, err := e.deps.Evaluator.EvaluateBool(ctx, t.Condition, data)
		if err != nil {
			return "", false, err
		}
		if ok {
			return t.Target, true, nil
		}
	}
	return "", false, nil
}

// runSubWorkflow launches a nested run with a fresh context and executor,
// capping recursion depth.
func (e *Executor) runSubWorkflow(ctx context.Context, workflow string, params map[string]any) (map[string]any, error) {
	if e.deps.Definitions == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "sub_workflow: no definition source configured")
	}
	if e.depth+1 >= e.cfg.MaxNestingDepth {
		return nil, schema.NewErrorf(schema.ErrCodeNestingDepth,
			"sub-workflow nesting exceeds depth limit %d", e.cfg.MaxNestingDepth).
			WithDetails(map[string]any{"workflow": workflow, "depth": e.depth + 1})
	}

	def, err := e.deps.Definitions.Definition(ctx, workflow)
	if err != nil {
		return nil, err
	}

	child := NewExecutor(e.cfg, e.deps)
	child.depth = e.depth + 1

	run, err := child.Start(ctx, def, params)
	if err != nil {
		return nil, err
	}
	outcome, err := child.RunToCompletion(ctx, run, nil)
	if err != nil {
		return nil, err
	}
	if outcome.Status != schema.RunStatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"sub-workflow %q ended %s", workflow, outcome.Status)
	}
	return run.Context.Snapshot(), nil
}

func (e *Executor) complete(ctx context.Context, run *WorkflowRun, finalState string) error {
	if err := e.fsm.Transition(run.ID(), run.Status, schema.RunStatusCompleted); err != nil {
		return err
	}
	run.Status = schema.RunStatusCompleted
	now := time.Now()
	run.CompletedAt = &now

	e.deps.Logger.InfoContext(ctx, "run completed",
		slog.String("run_id", run.ID()),
		slog.String("workflow", run.Context.Workflow()),
		slog.String("final_state", finalState),
		slog.Int("states_executed", len(run.History)))
	e.deps.Emitter.FlowComplete(ctx, run.ID(), finalState)
	return nil
}

// fail marks the run Failed, records the terminal error and emits FlowError.
// Returns the original error for propagation.
func (e *Executor) fail(ctx context.Context, run *WorkflowRun, mErr *schema.MachinaError) error {
	if ferr := e.fsm.Transition(run.ID(), run.Status, schema.RunStatusFailed); ferr != nil {
		return ferr
	}
	run.Status = schema.RunStatusFailed
	run.Err = mErr
	now := time.Now()
	run.CompletedAt = &now

	e.deps.Logger.ErrorContext(ctx, "run failed",
		slog.String("run_id", run.ID()),
		slog.String("workflow", run.Context.Workflow()),
		slog.String("failed_state", mErr.StateID),
		slog.String("error", mErr.Error()))
	e.deps.Emitter.FlowError(ctx, run.ID(), mErr.StateID, mErr.Message)
	return mErr
}

func (e *Executor) abort(ctx context.Context, run *WorkflowRun) {
	if err := e.fsm.Transition(run.ID(), run.Status, schema.RunStatusAborted); err != nil {
		return
	}
	run.Status = schema.RunStatusAborted
	run.Err = schema.NewError(schema.ErrCodeAborted, "run aborted").WithState(run.CurrentState)
	now := time.Now()
	run.CompletedAt = &now

	e.deps.Logger.WarnContext(ctx, "run aborted",
		slog.String("run_id", run.ID()),
		slog.String("workflow", run.Context.Workflow()),
		slog.String("state", run.CurrentState))
	e.deps.Emitter.FlowError(ctx, run.ID(), run.CurrentState, "run aborted")
}

func (e *Executor) outcome(run *WorkflowRun) *RunOutcome {
	out := &RunOutcome{
		RunID:          run.ID(),
		Workflow:       run.Context.Workflow(),
		Status:         run.Status,
		StatesExecuted: len(run.History),
		Vars:           run.Context.Snapshot(),
	}
	if run.CompletedAt != nil {
		out.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	}
	if run.Status == schema.RunStatusCompleted && len(run.History) > 0 {
		out.FinalState = run.History[len(run.History)-1]
	}
	if run.Err != nil {
		out.Error = run.Err.Error()
		out.FailedState = run.Err.StateID
		if out.FailedState == "" {
			out.FailedState = run.CurrentState
		}
	}
	return out
}

func asMachinaError(err error) *schema.MachinaError {
	var mErr *schema.MachinaError
	if errors.As(err, &mErr) {
		return mErr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
