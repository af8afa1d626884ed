package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/machina/pkg/schema"
)

func TestResolveString_Vars(t *testing.T) {
	scope := &Scope{Vars: map[string]any{"name": "auth", "count": 2}}

	out, err := ResolveString("feature ${{ vars.name }} has ${{ vars.count }} issues", scope)
	require.NoError(t, err)
	assert.Equal(t, "feature auth has 2 issues", out)
}

func TestResolveString_NestedPath(t *testing.T) {
	scope := &Scope{Vars: map[string]any{
		"issue": map[string]any{"id": "GH-42", "labels": []any{"bug"}},
	}}

	out, err := ResolveString("working on ${{ vars.issue.id }}", scope)
	require.NoError(t, err)
	assert.Equal(t, "working on GH-42", out)

	// Complex values embed as JSON.
	out, err = ResolveString("labels: ${{ vars.issue.labels }}", scope)
	require.NoError(t, err)
	assert.Equal(t, `labels: ["bug"]`, out)
}

func TestResolveString_RunNamespace(t *testing.T) {
	scope := &Scope{Run: map[string]any{"run_id": "r-1", "workflow": "plan"}}

	out, err := ResolveString("run ${{ run.run_id }} (${{ run.workflow }})", scope)
	require.NoError(t, err)
	assert.Equal(t, "run r-1 (plan)", out)
}

func TestResolveString_NoInterpolationPassthrough(t *testing.T) {
	out, err := ResolveString("plain message", &Scope{})
	require.NoError(t, err)
	assert.Equal(t, "plain message", out)
}

func TestResolveString_Errors(t *testing.T) {
	scope := &Scope{Vars: map[string]any{"a": 1}}

	cases := map[string]string{
		"unclosed":          "x ${{ vars.a",
		"empty reference":   "x ${{  }}",
		"unknown namespace": "x ${{ secrets.key }}",
		"missing field":     "x ${{ vars.b }}",
		"bare namespace":    "x ${{ vars }}",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ResolveString(input, scope)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeInterpolation, schema.ErrorCode(err))
		})
	}
}

func TestResolveString_DottedKeyDirectLookup(t *testing.T) {
	scope := &Scope{Vars: map[string]any{"a.b": "direct"}}

	out, err := ResolveString("${{ vars.a.b }}", scope)
	require.NoError(t, err)
	assert.Equal(t, "direct", out)
}
