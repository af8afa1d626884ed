package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunContext_InsertionOrder(t *testing.T) {
	rc := NewRunContext("flow")
	rc.Set("b", 1)
	rc.Set("a", 2)
	rc.Set("c", 3)
	rc.Set("a", 4) // overwrite keeps original position

	assert.Equal(t, []string{"b", "a", "c"}, rc.Keys())
	v, ok := rc.Get("a")
	require.True(t, ok)
	assert.Equal(t, 4, v)
}

func TestRunContext_SnapshotIsCopy(t *testing.T) {
	rc := NewRunContext("flow")
	rc.Set("x", 1)

	snap := rc.Snapshot()
	snap["x"] = 99
	snap["y"] = 2

	v, _ := rc.Get("x")
	assert.Equal(t, 1, v)
	_, ok := rc.Get("y")
	assert.False(t, ok)
}

func TestRunContext_UniqueRunIDs(t *testing.T) {
	a := NewRunContext("flow")
	b := NewRunContext("flow")
	assert.NotEmpty(t, a.RunID())
	assert.NotEqual(t, a.RunID(), b.RunID())
	assert.Equal(t, "flow", a.Workflow())
}

func TestRunContext_ConcurrentAccess(t *testing.T) {
	rc := NewRunContext("flow")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc.Set("shared", i)
			rc.Snapshot()
			rc.Get("shared")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, rc.Len())
}
