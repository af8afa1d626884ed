package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/machina/internal/store"
	"github.com/rendis/machina/pkg/schema"
)

// runStore is an in-memory Store fragment that captures terminal runs.
type runStore struct {
	store.Store
	mu   sync.Mutex
	runs map[string]*store.RunRecord
}

func newRunStore() *runStore {
	return &runStore{runs: map[string]*store.RunRecord{}}
}

func (s *runStore) RecordRun(ctx context.Context, rec *store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.RunID] = rec
	return nil
}

func (s *runStore) GetRun(ctx context.Context, runID string) (*store.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return rec, nil
}

func (s *runStore) get(runID string) *store.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

// waitLoopDef loops between two short wait states until aborted.
func waitLoopDef() *schema.WorkflowDefinition {
	waitState := func(id, next string) schema.State {
		return schema.State{
			ID:          id,
			Action:      schema.Action{Kind: schema.ActionWait, Wait: &schema.WaitAction{Duration: "10ms"}},
			Transitions: []schema.Transition{{Target: next}},
		}
	}
	return &schema.WorkflowDefinition{
		Name:    "loop",
		Initial: "ping",
		States:  []schema.State{waitState("ping", "pong"), waitState("pong", "ping")},
	}
}

func newTestCoordinator(t *testing.T, defs mapSource, st store.Store) *Coordinator {
	t.Helper()
	deps := testDeps(t)
	deps.Definitions = defs
	return NewCoordinator(Config{MaxCycles: 500}, deps, st)
}

func TestCoordinator_RunSyncRecordsOutcome(t *testing.T) {
	st := newRunStore()
	c := newTestCoordinator(t, mapSource{"scenario": scenarioDef()}, st)

	outcome, err := c.RunSync(context.Background(), "scenario", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, outcome.Status)

	rec := st.get(outcome.RunID)
	require.NotNil(t, rec, "terminal run is persisted")
	assert.Equal(t, "scenario", rec.Workflow)
	assert.Equal(t, schema.RunStatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.StatesExecuted)
	assert.False(t, rec.CompletedAt.Before(rec.StartedAt))

	assert.Empty(t, c.ActiveRuns(), "finished runs leave the active table")
}

func TestCoordinator_RunSyncUnknownWorkflow(t *testing.T) {
	c := newTestCoordinator(t, mapSource{}, nil)
	_, err := c.RunSync(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestCoordinator_StartRunAndAbort(t *testing.T) {
	st := newRunStore()
	c := newTestCoordinator(t, mapSource{"loop": waitLoopDef()}, st)

	runID, err := c.StartRun(context.Background(), "loop", nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	info, err := c.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, info.Status)
	assert.Equal(t, "loop", info.Workflow)

	require.NoError(t, c.Abort(runID))

	require.Eventually(t, func() bool {
		return st.get(runID) != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, schema.RunStatusAborted, st.get(runID).Status)

	// The run is terminal now; status comes from the store.
	info, err = c.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusAborted, info.Status)
	require.NotNil(t, info.CompletedAt)
}

func TestCoordinator_AbortUnknownRun(t *testing.T) {
	c := newTestCoordinator(t, mapSource{}, nil)
	err := c.Abort("nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestCoordinator_StartRunValidatesParamsSynchronously(t *testing.T) {
	def := scenarioDef()
	def.Parameters = []schema.Parameter{{Name: "target", Required: true}}
	c := newTestCoordinator(t, mapSource{"scenario": def}, nil)

	_, err := c.StartRun(context.Background(), "scenario", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCoordinator_FailedRunRecorded(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:    "broken",
		Initial: "boom",
		States: []schema.State{{
			ID:       "boom",
			Terminal: true,
			Action: schema.Action{
				Kind:  schema.ActionShellCommand,
				Shell: &schema.ShellCommandAction{Command: "sh", Args: []string{"-c", "exit 3"}},
			},
		}},
	}
	st := newRunStore()
	c := newTestCoordinator(t, mapSource{"broken": def}, st)

	outcome, err := c.RunSync(context.Background(), "broken", nil)
	require.Error(t, err)
	require.NotNil(t, outcome)

	rec := st.get(outcome.RunID)
	require.NotNil(t, rec)
	assert.Equal(t, schema.RunStatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.FailedState)
	assert.NotEmpty(t, rec.Error)
}
