package actions

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/machina/internal/agent"
	"github.com/rendis/machina/internal/expressions"
	"github.com/rendis/machina/pkg/schema"
)

// fakeContext is a plain map-backed run context for tests.
type fakeContext struct {
	runID    string
	workflow string
	vars     map[string]any
}

func newFakeContext(vars map[string]any) *fakeContext {
	if vars == nil {
		vars = map[string]any{}
	}
	return &fakeContext{runID: "run-1", workflow: "test-flow", vars: vars}
}

func (c *fakeContext) RunID() string    { return c.runID }
func (c *fakeContext) Workflow() string { return c.workflow }
func (c *fakeContext) Get(key string) (any, bool) {
	v, ok := c.vars[key]
	return v, ok
}
func (c *fakeContext) Set(key string, value any) { c.vars[key] = value }
func (c *fakeContext) Snapshot() map[string]any {
	out := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// fakeAgent records the last request and returns a canned result.
type fakeAgent struct {
	lastReq agent.PromptRequest
	result  *agent.PromptResult
	err     error
}

func (a *fakeAgent) Name() string { return "fake" }
func (a *fakeAgent) ExecutePrompt(ctx context.Context, req agent.PromptRequest) (*agent.PromptResult, error) {
	a.lastReq = req
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func newTestDispatcher(t *testing.T, mutate func(*Config)) *Dispatcher {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	cfg := Config{
		Evaluator: ev,
		Logger:    slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewDispatcher(cfg)
}

func TestDispatcher_UnknownKind(t *testing.T) {
	d := newTestDispatcher(t, nil)
	err := d.Execute(context.Background(), newFakeContext(nil), &schema.Action{Kind: "teleport"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestLogAction_NeverFails(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(t, func(cfg *Config) {
		cfg.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	})
	rc := newFakeContext(map[string]any{"name": "ada"})

	err := d.Execute(context.Background(), rc, &schema.Action{
		Kind: schema.ActionLog,
		Log:  &schema.LogAction{Message: "hello ${{name}}"},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "hello ada")

	// Broken template falls back to the raw message instead of failing.
	err = d.Execute(context.Background(), rc, &schema.Action{
		Kind: schema.ActionLog,
		Log:  &schema.LogAction{Message: "broken ${{missing.key}}", Level: "warn"},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "broken ${{missing.key}}")
}

func TestSetVariableAction_Expression(t *testing.T) {
	d := newTestDispatcher(t, nil)
	rc := newFakeContext(map[string]any{"count": 2})

	err := d.Execute(context.Background(), rc, &schema.Action{
		Kind:        schema.ActionSetVariable,
		SetVariable: &schema.SetVariableAction{Key: "doubled", Value: "count * 2"},
	})
	require.NoError(t, err)
	v, ok := rc.Get("doubled")
	require.True(t, ok)
	assert.EqualValues(t, 4, v)
}

func TestSetVariableAction_MalformedExpression(t *testing.T) {
	d := newTestDispatcher(t, nil)
	err := d.Execute(context.Background(), newFakeContext(nil), &schema.Action{
		Kind:        schema.ActionSetVariable,
		SetVariable: &schema.SetVariableAction{Key: "x", Value: "1 +* 2"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}

func TestSetVariableAction_OverwritesExisting(t *testing.T) {
	d := newTestDispatcher(t, nil)
	rc := newFakeContext(map[string]any{"x": 1})

	err := d.Execute(context.Background(), rc, &schema.Action{
		Kind:        schema.ActionSetVariable,
		SetVariable: &schema.SetVariableAction{Key: "x", Value: `"replaced"`},
	})
	require.NoError(t, err)
	v, _ := rc.Get("x")
	assert.Equal(t, "replaced", v)
}

func TestPromptAction_DelegatesToAgent(t *testing.T) {
	fa := &fakeAgent{result: &agent.PromptResult{Text: "generated text", Model: "m"}}
	d := newTestDispatcher(t, func(cfg *Config) { cfg.Agent = fa })
	rc := newFakeContext(map[string]any{"topic": "tides"})

	err := d.Execute(context.Background(), rc, &schema.Action{
		Kind: schema.ActionPromptExecution,
		Prompt: &schema.PromptExecutionAction{
			SystemPrompt: "be brief",
			UserPrompt:   "explain ${{topic}}",
			Timeout:      "30s",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "explain tides", fa.lastReq.UserPrompt)
	assert.Equal(t, "be brief", fa.lastReq.SystemPrompt)
	assert.Equal(t, 30*time.Second, fa.lastReq.Timeout)

	v, ok := rc.Get("prompt_result")
	require.True(t, ok)
	assert.Equal(t, "generated text", v)
}

func TestPromptAction_TimeoutPropagates(t *testing.T) {
	fa := &fakeAgent{err: schema.NewError(schema.ErrCodeTimeout, "prompt execution timed out after 1s")}
	d := newTestDispatcher(t, func(cfg *Config) { cfg.Agent = fa })

	err := d.Execute(context.Background(), newFakeContext(nil), &schema.Action{
		Kind:   schema.ActionPromptExecution,
		Prompt: &schema.PromptExecutionAction{UserPrompt: "slow"},
	})
	require.Error(t, err)
	assert.True(t, schema.IsTimeout(err))
}

func TestPromptAction_NoBackend(t *testing.T) {
	d := newTestDispatcher(t, nil)
	err := d.Execute(context.Background(), newFakeContext(nil), &schema.Action{
		Kind:   schema.ActionPromptExecution,
		Prompt: &schema.PromptExecutionAction{UserPrompt: "hi"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAgent, schema.ErrorCode(err))
}

func TestSubWorkflowAction_InputsAndOutputs(t *testing.T) {
	var gotWorkflow string
	var gotParams map[string]any
	d := newTestDispatcher(t, func(cfg *Config) {
		cfg.RunSubWorkflow = func(ctx context.Context, workflow string, params map[string]any) (map[string]any, error) {
			gotWorkflow = workflow
			gotParams = params
			return map[string]any{"result": "child-output", "internal": "hidden"}, nil
		}
	})
	rc := newFakeContext(map[string]any{"base": 10})

	err := d.Execute(context.Background(), rc, &schema.Action{
		Kind: schema.ActionSubWorkflow,
		SubWorkflow: &schema.SubWorkflowAction{
			Workflow: "child-flow",
			Inputs:   map[string]string{"seed": "base + 1"},
			Outputs:  map[string]string{"result": "child_result"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "child-flow", gotWorkflow)
	assert.EqualValues(t, 11, gotParams["seed"])

	// Only declared outputs flow back to the parent.
	v, ok := rc.Get("child_result")
	require.True(t, ok)
	assert.Equal(t, "child-output", v)
	_, leaked := rc.Get("internal")
	assert.False(t, leaked)
}

func TestSubWorkflowAction_ChildFailurePropagates(t *testing.T) {
	childErr := errors.New("child exploded")
	d := newTestDispatcher(t, func(cfg *Config) {
		cfg.RunSubWorkflow = func(ctx context.Context, workflow string, params map[string]any) (map[string]any, error) {
			return nil, childErr
		}
	})

	err := d.Execute(context.Background(), newFakeContext(nil), &schema.Action{
		Kind:        schema.ActionSubWorkflow,
		SubWorkflow: &schema.SubWorkflowAction{Workflow: "child-flow"},
	})
	require.ErrorIs(t, err, childErr)
}

func TestWaitAction(t *testing.T) {
	d := newTestDispatcher(t, nil)

	start := time.Now()
	err := d.Execute(context.Background(), newFakeContext(nil), &schema.Action{
		Kind: schema.ActionWait,
		Wait: &schema.WaitAction{Duration: "20ms"},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	err = d.Execute(context.Background(), newFakeContext(nil), &schema.Action{
		Kind: schema.ActionWait,
		Wait: &schema.WaitAction{Duration: "not-a-duration"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
