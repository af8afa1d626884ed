package engine

import (
	"sort"
	"strings"

	"github.com/rendis/machina/pkg/schema"
)

// ResolveParameters builds the validated initial variable set for a run.
// Required parameters bind positionally in declaration order; optional
// parameters bind by explicit key. A positional count that does not exactly
// match the declared required set is an arity error, never a guess.
func ResolveParameters(def *schema.WorkflowDefinition, positional []string, optional map[string]string) (map[string]any, error) {
	required := def.RequiredParameters()
	if len(positional) != len(required) {
		names := make([]string, 0, len(required))
		for _, p := range required {
			names = append(names, p.Name)
		}
		return nil, schema.NewErrorf(schema.ErrCodeArityMismatch,
			"workflow %q takes %d required parameter(s) (%s), got %d",
			def.Name, len(required), strings.Join(names, ", "), len(positional)).
			WithDetails(map[string]any{
				"expected": len(required),
				"got":      len(positional),
			})
	}

	declared := make(map[string]schema.Parameter, len(def.Parameters))
	for _, p := range def.Parameters {
		declared[p.Name] = p
	}

	vars := make(map[string]any, len(def.Parameters))
	for i, p := range required {
		vars[p.Name] = positional[i]
	}

	for key, value := range optional {
		p, ok := declared[key]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q has no parameter %q", def.Name, key)
		}
		if p.Required {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"required parameter %q binds positionally, not by key", key)
		}
		vars[key] = value
	}

	for _, p := range def.Parameters {
		if p.Required {
			continue
		}
		if _, ok := vars[p.Name]; !ok && p.Default != nil {
			vars[p.Name] = p.Default
		}
	}

	return vars, nil
}

// missingRequired reports declared required parameters absent from vars,
// in declaration order.
func missingRequired(def *schema.WorkflowDefinition, vars map[string]any) []string {
	var missing []string
	for _, p := range def.RequiredParameters() {
		if _, ok := vars[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// seedContext copies vars into a fresh context: declared parameters first in
// declaration order, then any extra keys sorted for determinism.
func seedContext(rc *RunContext, def *schema.WorkflowDefinition, vars map[string]any) {
	seen := make(map[string]bool, len(vars))
	for _, p := range def.Parameters {
		if v, ok := vars[p.Name]; ok {
			rc.Set(p.Name, v)
			seen[p.Name] = true
		}
	}
	extra := make([]string, 0)
	for k := range vars {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		rc.Set(k, vars[k])
	}
}
