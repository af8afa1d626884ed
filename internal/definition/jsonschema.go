package definition

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/machina/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://machina.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "initial", "states"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "parameters": {
      "type": "array",
      "items": { "$ref": "#/$defs/parameter" }
    },
    "initial": { "type": "string", "minLength": 1 },
    "states": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/state" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "parameter": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "state": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "terminal": { "type": "boolean" },
        "action": { "$ref": "#/$defs/action" },
        "transitions": {
          "type": "array",
          "items": { "$ref": "#/$defs/transition" }
        }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["target"],
      "properties": {
        "target": { "type": "string", "minLength": 1 },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["log", "set_variable", "shell_command", "prompt_execution", "sub_workflow", "wait"]
        },
        "log": {
          "type": "object",
          "required": ["message"],
          "properties": {
            "message": { "type": "string" },
            "level": { "type": "string", "enum": ["debug", "info", "warn", "error"] }
          },
          "additionalProperties": false
        },
        "set_variable": {
          "type": "object",
          "required": ["key", "value"],
          "properties": {
            "key": { "type": "string", "minLength": 1 },
            "value": { "type": "string" }
          },
          "additionalProperties": false
        },
        "shell_command": {
          "type": "object",
          "required": ["command"],
          "properties": {
            "command": { "type": "string", "minLength": 1 },
            "args": { "type": "array", "items": { "type": "string" } },
            "dir": { "type": "string" },
            "timeout": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
            "output_key": { "type": "string" }
          },
          "additionalProperties": false
        },
        "prompt_execution": {
          "type": "object",
          "required": ["user_prompt"],
          "properties": {
            "system_prompt": { "type": "string" },
            "user_prompt": { "type": "string", "minLength": 1 },
            "timeout": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
            "output_key": { "type": "string" }
          },
          "additionalProperties": false
        },
        "sub_workflow": {
          "type": "object",
          "required": ["workflow"],
          "properties": {
            "workflow": { "type": "string", "minLength": 1 },
            "inputs": { "type": "object", "additionalProperties": { "type": "string" } },
            "outputs": { "type": "object", "additionalProperties": { "type": "string" } }
          },
          "additionalProperties": false
        },
        "wait": {
          "type": "object",
          "required": ["duration"],
          "properties": {
            "duration": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates raw definition documents against the workflow
// JSON Schema. Safe for concurrent use.
type SchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewSchemaValidator pre-compiles the workflow schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://machina.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://machina.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &SchemaValidator{workflowSchema: compiled}, nil
}

// ValidateDocument validates an already-decoded definition document.
func (v *SchemaValidator) ValidateDocument(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toMachinaError(err)
	}
	return nil
}

// ValidateRaw validates a raw decoded document before it is bound to the
// definition struct, so unknown fields are still visible.
func (v *SchemaValidator) ValidateRaw(raw map[string]any) error {
	doc, err := toJSONValue(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toMachinaError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toMachinaError flattens a jsonschema.ValidationError tree into one
// structured error with per-location violations.
func toMachinaError(err error) *schema.MachinaError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
