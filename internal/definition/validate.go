package definition

import (
	"fmt"

	"github.com/rendis/machina/pkg/schema"
)

// ValidateStructure runs the graph-level checks JSON Schema cannot express:
// reference integrity, reachability of a terminal state from every
// non-terminal, and transition ordering.
func ValidateStructure(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	states := make(map[string]*schema.State, len(def.States))
	for i := range def.States {
		s := &def.States[i]
		if _, dup := states[s.ID]; dup {
			result.AddError(fmt.Sprintf("states[%d]", i), "duplicate_state", fmt.Sprintf("duplicate state id %q", s.ID))
			continue
		}
		states[s.ID] = s
	}

	if _, ok := states[def.Initial]; !ok {
		result.AddError("initial", "unknown_state", fmt.Sprintf("initial state %q does not exist", def.Initial))
	}

	paramNames := make(map[string]bool, len(def.Parameters))
	for i, p := range def.Parameters {
		if paramNames[p.Name] {
			result.AddError(fmt.Sprintf("parameters[%d]", i), "duplicate_parameter", fmt.Sprintf("duplicate parameter %q", p.Name))
		}
		paramNames[p.Name] = true
		if p.Required && p.Default != nil {
			result.AddWarning(fmt.Sprintf("parameters[%d]", i), "unused_default",
				fmt.Sprintf("required parameter %q declares a default that can never apply", p.Name))
		}
	}

	for i := range def.States {
		s := &def.States[i]
		path := fmt.Sprintf("states[%d]", i)

		validateAction(result, path+".action", &s.Action)

		if s.Terminal {
			if len(s.Transitions) > 0 {
				result.AddError(path, "terminal_transitions",
					fmt.Sprintf("terminal state %q must not declare transitions", s.ID))
			}
			continue
		}
		if len(s.Transitions) == 0 {
			result.AddError(path, "no_transitions",
				fmt.Sprintf("non-terminal state %q has no outgoing transitions", s.ID))
		}
		for j, t := range s.Transitions {
			tPath := fmt.Sprintf("%s.transitions[%d]", path, j)
			if _, ok := states[t.Target]; !ok {
				result.AddError(tPath, "unknown_target",
					fmt.Sprintf("state %q transitions to unknown state %q", s.ID, t.Target))
			}
			if t.Unconditional() && j != len(s.Transitions)-1 {
				result.AddError(tPath, "unreachable_transition",
					fmt.Sprintf("state %q: unconditional transition must be last; later edges can never match", s.ID))
			}
		}
	}

	if !hasTerminal(def) {
		result.AddWarning("states", "no_terminal", "no terminal state declared; runs can only end by exhausting transitions")
	}

	return result
}

// validateAction checks that the declared kind has its variant populated
// and no other variant is set.
func validateAction(result *schema.ValidationResult, path string, a *schema.Action) {
	variants := map[schema.ActionKind]bool{
		schema.ActionLog:             a.Log != nil,
		schema.ActionSetVariable:     a.SetVariable != nil,
		schema.ActionShellCommand:    a.Shell != nil,
		schema.ActionPromptExecution: a.Prompt != nil,
		schema.ActionSubWorkflow:     a.SubWorkflow != nil,
		schema.ActionWait:            a.Wait != nil,
	}

	populated, known := variants[a.Kind]
	if !known {
		result.AddError(path, "unknown_kind", fmt.Sprintf("unknown action kind %q", a.Kind))
		return
	}
	if !populated {
		result.AddError(path, "missing_variant", fmt.Sprintf("action kind %q declared but its body is missing", a.Kind))
	}
	for kind, set := range variants {
		if set && kind != a.Kind {
			result.AddError(path, "variant_mismatch",
				fmt.Sprintf("action kind is %q but a %q body is present", a.Kind, kind))
		}
	}
}

func hasTerminal(def *schema.WorkflowDefinition) bool {
	for _, s := range def.States {
		if s.Terminal {
			return true
		}
	}
	return false
}
