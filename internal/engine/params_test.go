package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/machina/pkg/schema"
)

func paramDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "deploy",
		Parameters: []schema.Parameter{
			{Name: "service", Required: true},
			{Name: "version", Required: true},
			{Name: "region", Default: "us-east-1"},
			{Name: "dry_run"},
		},
	}
}

func TestResolveParameters_Positional(t *testing.T) {
	vars, err := ResolveParameters(paramDef(), []string{"api", "v2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "api", vars["service"])
	assert.Equal(t, "v2", vars["version"])
	assert.Equal(t, "us-east-1", vars["region"], "unset optional gets its default")
	_, ok := vars["dry_run"]
	assert.False(t, ok, "optional without default stays unset")
}

func TestResolveParameters_ArityMismatch(t *testing.T) {
	for _, positional := range [][]string{{"api"}, {"api", "v2", "extra"}, nil} {
		_, err := ResolveParameters(paramDef(), positional, nil)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeArityMismatch, schema.ErrorCode(err))
	}
}

func TestResolveParameters_OptionalByKey(t *testing.T) {
	vars, err := ResolveParameters(paramDef(), []string{"api", "v2"}, map[string]string{
		"region":  "eu-west-1",
		"dry_run": "true",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", vars["region"])
	assert.Equal(t, "true", vars["dry_run"])
}

func TestResolveParameters_UnknownKey(t *testing.T) {
	_, err := ResolveParameters(paramDef(), []string{"api", "v2"}, map[string]string{"colour": "red"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "colour")
}

func TestResolveParameters_RequiredByKeyRejected(t *testing.T) {
	_, err := ResolveParameters(paramDef(), []string{"api", "v2"}, map[string]string{"service": "other"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestSeedContext_Order(t *testing.T) {
	def := paramDef()
	rc := NewRunContext(def.Name)
	seedContext(rc, def, map[string]any{
		"zz_extra": 1,
		"version":  "v2",
		"service":  "api",
		"aa_extra": 2,
	})
	assert.Equal(t, []string{"service", "version", "aa_extra", "zz_extra"}, rc.Keys())
}
