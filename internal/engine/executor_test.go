package engine

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/machina/internal/expressions"
	"github.com/rendis/machina/internal/notify"
	"github.com/rendis/machina/pkg/schema"
)

// mapSource is an in-memory DefinitionSource for tests.
type mapSource map[string]*schema.WorkflowDefinition

func (s mapSource) Definition(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	def, ok := s[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
	}
	return def, nil
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	return Deps{
		Evaluator: ev,
		Logger:    slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	}
}

func logState(id, next string) schema.State {
	s := schema.State{
		ID:     id,
		Action: schema.Action{Kind: schema.ActionLog, Log: &schema.LogAction{Message: "at " + id}},
	}
	if next == "" {
		s.Terminal = true
	} else {
		s.Transitions = []schema.Transition{{Target: next}}
	}
	return s
}

// scenarioDef is the canonical three-state flow: start -> log -> done.
func scenarioDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    "scenario",
		Initial: "start",
		States: []schema.State{
			logState("start", "log"),
			logState("log", "done"),
			logState("done", ""),
		},
	}
}

func TestExecutor_ScenarioHistory(t *testing.T) {
	e := NewExecutor(Config{}, testDeps(t))
	run, err := e.Start(context.Background(), scenarioDef(), nil)
	require.NoError(t, err)

	outcome, err := e.RunToCompletion(context.Background(), run, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, outcome.Status)
	assert.Equal(t, []string{"start", "log", "done"}, run.History,
		"the terminal state's action executes and is recorded")
	assert.Equal(t, "done", outcome.FinalState)
	assert.Equal(t, 3, outcome.StatesExecuted)
}

func TestExecutor_Start_MissingRequiredNamesKeys(t *testing.T) {
	def := scenarioDef()
	def.Parameters = []schema.Parameter{
		{Name: "alpha", Required: true},
		{Name: "beta", Required: true},
	}
	e := NewExecutor(Config{}, testDeps(t))

	_, err := e.Start(context.Background(), def, map[string]any{"alpha": 1})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "beta")
	assert.NotContains(t, err.Error(), "alpha:")
}

func TestExecutor_Start_UnknownInitialState(t *testing.T) {
	def := scenarioDef()
	def.Initial = "nowhere"
	e := NewExecutor(Config{}, testDeps(t))

	_, err := e.Start(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func branchDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    "branch",
		Initial: "decide",
		Parameters: []schema.Parameter{
			{Name: "x", Required: true},
		},
		States: []schema.State{
			{
				ID:     "decide",
				Action: schema.Action{Kind: schema.ActionLog, Log: &schema.LogAction{Message: "deciding"}},
				Transitions: []schema.Transition{
					{Target: "high", Condition: "x > 10"},
					{Target: "mid", Condition: "x > 5"},
					{Target: "low"},
				},
			},
			logState("high", ""),
			logState("mid", ""),
			logState("low", ""),
		},
	}
}

func TestExecutor_FirstMatchWinsIsDeterministic(t *testing.T) {
	e := NewExecutor(Config{}, testDeps(t))

	// Same context, same winner, every time.
	for i := 0; i < 5; i++ {
		run, err := e.Start(context.Background(), branchDef(), map[string]any{"x": 7})
		require.NoError(t, err)
		outcome, err := e.RunToCompletion(context.Background(), run, nil)
		require.NoError(t, err)
		assert.Equal(t, "mid", outcome.FinalState)
	}

	run, err := e.Start(context.Background(), branchDef(), map[string]any{"x": 42})
	require.NoError(t, err)
	outcome, err := e.RunToCompletion(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, "high", outcome.FinalState, "earlier conditions win over the default")

	run, err = e.Start(context.Background(), branchDef(), map[string]any{"x": 1})
	require.NoError(t, err)
	outcome, err = e.RunToCompletion(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, "low", outcome.FinalState)
}

func TestExecutor_NoMatchingTransitionCompletes(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:    "dead-end",
		Initial: "only",
		States: []schema.State{
			{
				ID:     "only",
				Action: schema.Action{Kind: schema.ActionLog, Log: &schema.LogAction{Message: "hi"}},
				Transitions: []schema.Transition{
					{Target: "never", Condition: "false"},
				},
			},
			logState("never", ""),
		},
	}
	e := NewExecutor(Config{}, testDeps(t))
	run, err := e.Start(context.Background(), def, nil)
	require.NoError(t, err)

	outcome, err := e.RunToCompletion(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, outcome.Status)
	assert.Equal(t, "only", outcome.FinalState)
}

func TestExecutor_CycleLimitGuard(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:    "infinite",
		Initial: "ping",
		States: []schema.State{
			logState("ping", "pong"),
			logState("pong", "ping"),
		},
	}
	e := NewExecutor(Config{MaxCycles: 5}, testDeps(t))
	run, err := e.Start(context.Background(), def, nil)
	require.NoError(t, err)

	outcome, err := e.RunToCompletion(context.Background(), run, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleLimit, schema.ErrorCode(err))
	assert.Equal(t, schema.RunStatusFailed, outcome.Status)
	assert.Greater(t, outcome.StatesExecuted, 5)
}

func TestExecutor_ActionFailureFailsRun(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:    "failing",
		Initial: "boom",
		States: []schema.State{
			{
				ID: "boom",
				Action: schema.Action{
					Kind:  schema.ActionShellCommand,
					Shell: &schema.ShellCommandAction{Command: "exit 7"},
				},
				Transitions: []schema.Transition{{Target: "after"}},
			},
			logState("after", ""),
		},
	}
	e := NewExecutor(Config{}, testDeps(t))
	run, err := e.Start(context.Background(), def, nil)
	require.NoError(t, err)

	outcome, err := e.RunToCompletion(context.Background(), run, nil)
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, outcome.Status)
	assert.Equal(t, "boom", outcome.FailedState)
	assert.Empty(t, run.History, "a failed action is not recorded as executed")

	// No implicit retry: the run is terminal.
	_, err = e.ExecuteSingleCycle(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestExecutor_AbortBetweenCycles(t *testing.T) {
	e := NewExecutor(Config{}, testDeps(t))
	run, err := e.Start(context.Background(), scenarioDef(), nil)
	require.NoError(t, err)

	abortAfterFirst := func() bool { return len(run.History) >= 1 }
	outcome, err := e.RunToCompletion(context.Background(), run, abortAfterFirst)
	require.NoError(t, err, "an abort is an outcome, not an engine failure")

	assert.Equal(t, schema.RunStatusAborted, outcome.Status)
	assert.Equal(t, []string{"start"}, run.History,
		"the in-flight action finished; later states never ran")
}

func TestExecutor_ContextCancellationAborts(t *testing.T) {
	e := NewExecutor(Config{}, testDeps(t))
	run, err := e.Start(context.Background(), scenarioDef(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := e.RunToCompletion(ctx, run, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, outcome.Status)
}

func TestExecutor_TerminalStateActionMutatesContext(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:    "terminal-action",
		Initial: "end",
		States: []schema.State{
			{
				ID:       "end",
				Terminal: true,
				Action: schema.Action{
					Kind:        schema.ActionSetVariable,
					SetVariable: &schema.SetVariableAction{Key: "done", Value: "true"},
				},
			},
		},
	}
	e := NewExecutor(Config{}, testDeps(t))
	run, err := e.Start(context.Background(), def, nil)
	require.NoError(t, err)

	outcome, err := e.RunToCompletion(context.Background(), run, nil)
	require.NoError(t, err)
	assert.Equal(t, true, outcome.Vars["done"])
}

func TestExecutor_NotificationOrdering(t *testing.T) {
	hub := notify.NewMemoryHub()
	deps := testDeps(t)
	deps.Emitter = notify.NewEmitter(hub, deps.Logger)

	ch, unsubscribe, err := hub.Subscribe(context.Background(), notify.Filter{})
	require.NoError(t, err)
	defer unsubscribe()

	e := NewExecutor(Config{}, deps)
	run, err := e.Start(context.Background(), scenarioDef(), nil)
	require.NoError(t, err)
	_, err = e.RunToCompletion(context.Background(), run, nil)
	require.NoError(t, err)

	var events []schema.NotificationEvent
drain:
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			break drain
		}
	}

	var kinds []schema.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
		assert.Equal(t, run.ID(), ev.RunID)
	}
	assert.Equal(t, []schema.EventKind{
		schema.EventFlowStart,
		schema.EventStateStart, schema.EventStateComplete,
		schema.EventStateStart, schema.EventStateComplete,
		schema.EventStateStart, schema.EventStateComplete,
		schema.EventFlowComplete,
	}, kinds)

	prev := -1
	for _, ev := range events {
		require.NotNil(t, ev.Progress, "only FlowError omits progress")
		assert.GreaterOrEqual(t, *ev.Progress, prev, "progress never decreases")
		assert.LessOrEqual(t, *ev.Progress, 100)
		prev = *ev.Progress
	}
	assert.Equal(t, 0, *events[0].Progress)
	assert.Equal(t, 100, *events[len(events)-1].Progress)
}

func TestExecutor_FlowErrorOnFailure(t *testing.T) {
	hub := notify.NewMemoryHub()
	deps := testDeps(t)
	deps.Emitter = notify.NewEmitter(hub, deps.Logger)

	def := &schema.WorkflowDefinition{
		Name:    "failing",
		Initial: "boom",
		States: []schema.State{
			{
				ID:       "boom",
				Terminal: true,
				Action: schema.Action{
					Kind:  schema.ActionShellCommand,
					Shell: &schema.ShellCommandAction{Command: "false"},
				},
			},
		},
	}
	e := NewExecutor(Config{}, deps)
	run, err := e.Start(context.Background(), def, nil)
	require.NoError(t, err)

	ch, unsubscribe, err := hub.SubscribeRun(context.Background(), run.ID())
	require.NoError(t, err)
	defer unsubscribe()
	_, err = e.RunToCompletion(context.Background(), run, nil)
	require.Error(t, err)

	var failure *schema.NotificationEvent
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Kind == schema.EventFlowError {
				failure = &ev
				break drain
			}
		default:
			break drain
		}
	}
	require.NotNil(t, failure, "expected a FlowError event")
	assert.Nil(t, failure.Progress)
	assert.Equal(t, "boom", failure.Metadata[schema.MetaFailedState])
}

func TestExecutor_SubWorkflowFreshContext(t *testing.T) {
	child := &schema.WorkflowDefinition{
		Name:    "child",
		Initial: "compute",
		Parameters: []schema.Parameter{
			{Name: "seed", Required: true},
		},
		States: []schema.State{
			{
				ID:       "compute",
				Terminal: true,
				Action: schema.Action{
					Kind:        schema.ActionSetVariable,
					SetVariable: &schema.SetVariableAction{Key: "result", Value: "seed * 2"},
				},
			},
		},
	}
	parent := &schema.WorkflowDefinition{
		Name:    "parent",
		Initial: "delegate",
		States: []schema.State{
			{
				ID:       "delegate",
				Terminal: true,
				Action: schema.Action{
					Kind: schema.ActionSubWorkflow,
					SubWorkflow: &schema.SubWorkflowAction{
						Workflow: "child",
						Inputs:   map[string]string{"seed": "21"},
						Outputs:  map[string]string{"result": "answer"},
					},
				},
			},
		},
	}

	deps := testDeps(t)
	deps.Definitions = mapSource{"child": child}
	e := NewExecutor(Config{}, deps)

	run, err := e.Start(context.Background(), parent, map[string]any{"secret": "parent-only"})
	require.NoError(t, err)
	outcome, err := e.RunToCompletion(context.Background(), run, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 42, outcome.Vars["answer"], "declared output mapped into the parent")
	assert.Equal(t, "parent-only", outcome.Vars["secret"], "parent context untouched otherwise")
	_, leaked := outcome.Vars["result"]
	assert.False(t, leaked, "undeclared child keys never reach the parent")
	_, seedLeaked := outcome.Vars["seed"]
	assert.False(t, seedLeaked)
}

func TestExecutor_NestingDepthExceeded(t *testing.T) {
	recursive := &schema.WorkflowDefinition{
		Name:    "recurse",
		Initial: "again",
		States: []schema.State{
			{
				ID:       "again",
				Terminal: true,
				Action: schema.Action{
					Kind:        schema.ActionSubWorkflow,
					SubWorkflow: &schema.SubWorkflowAction{Workflow: "recurse"},
				},
			},
		},
	}
	deps := testDeps(t)
	deps.Definitions = mapSource{"recurse": recursive}
	e := NewExecutor(Config{MaxNestingDepth: 3}, deps)

	run, err := e.Start(context.Background(), recursive, nil)
	require.NoError(t, err)
	outcome, err := e.RunToCompletion(context.Background(), run, nil)
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, outcome.Status)
	assert.Equal(t, schema.ErrCodeNestingDepth, schema.ErrorCode(err))
}
