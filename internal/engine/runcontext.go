package engine

import (
	"sync"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// RunContext is the per-run key/value bag. Keys keep insertion order so
// snapshots and run reports are deterministic. Each run owns exactly one
// context; nested runs get a fresh one, never a reference to the parent's.
type RunContext struct {
	mu       sync.RWMutex
	runID    string
	workflow string
	vars     *orderedmap.OrderedMap[string, any]
}

// NewRunContext creates an empty context for one run of the named workflow.
func NewRunContext(workflow string) *RunContext {
	return &RunContext{
		runID:    uuid.NewString(),
		workflow: workflow,
		vars:     orderedmap.New[string, any](),
	}
}

// RunID returns the unique id minted for this run.
func (rc *RunContext) RunID() string { return rc.runID }

// Workflow returns the workflow name this context belongs to.
func (rc *RunContext) Workflow() string { return rc.workflow }

// Get returns the value stored under key.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.vars.Get(key)
}

// Set inserts or overwrites key. Insertion order of first writes is kept.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.vars.Set(key, value)
}

// Snapshot returns a shallow copy of all variables.
func (rc *RunContext) Snapshot() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]any, rc.vars.Len())
	for pair := rc.vars.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

// Keys returns all keys in insertion order.
func (rc *RunContext) Keys() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	keys := make([]string, 0, rc.vars.Len())
	for pair := rc.vars.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Len returns the number of stored variables.
func (rc *RunContext) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.vars.Len()
}
