package schema

import "time"

// ActionKind enumerates the closed set of executable step kinds. New kinds
// are new variants here, not plugins — the dispatcher matches exhaustively.
type ActionKind string

const (
	ActionLog             ActionKind = "log"
	ActionSetVariable     ActionKind = "set_variable"
	ActionShellCommand    ActionKind = "shell_command"
	ActionPromptExecution ActionKind = "prompt_execution"
	ActionSubWorkflow     ActionKind = "sub_workflow"
	ActionWait            ActionKind = "wait"
)

// Action is a tagged union: Kind selects exactly one of the variant fields.
// Actions never hold a reference back to the executor.
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	Log         *LogAction             `json:"log,omitempty" yaml:"log,omitempty"`
	SetVariable *SetVariableAction     `json:"set_variable,omitempty" yaml:"set_variable,omitempty"`
	Shell       *ShellCommandAction    `json:"shell_command,omitempty" yaml:"shell_command,omitempty"`
	Prompt      *PromptExecutionAction `json:"prompt_execution,omitempty" yaml:"prompt_execution,omitempty"`
	SubWorkflow *SubWorkflowAction     `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty"`
	Wait        *WaitAction            `json:"wait,omitempty" yaml:"wait,omitempty"`
}

// LogAction emits a message to the host logging sink. The message supports
// ${{...}} interpolation against the run context. Never fails.
type LogAction struct {
	Message string `json:"message" yaml:"message"`
	Level   string `json:"level,omitempty" yaml:"level,omitempty"` // debug | info | warn | error (default: info)
}

// SetVariableAction evaluates Value as an expression against the run
// context and stores the result under Key, overwriting any existing value.
// A "jq:" prefix selects the gojq engine, "cel:" selects CEL, otherwise
// expr-lang evaluates the expression.
type SetVariableAction struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// ShellCommandAction runs an external command, capturing output. Command
// and Args support ${{...}} interpolation.
type ShellCommandAction struct {
	Command   string   `json:"command" yaml:"command"`
	Args      []string `json:"args,omitempty" yaml:"args,omitempty"`
	Dir       string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	Timeout   string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OutputKey string   `json:"output_key,omitempty" yaml:"output_key,omitempty"` // context key for captured stdout
}

// PromptExecutionAction delegates a prompt to the configured agent backend.
// UserPrompt supports ${{...}} interpolation; the generated text is stored
// under OutputKey (default "prompt_result").
type PromptExecutionAction struct {
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt" yaml:"user_prompt"`
	Timeout      string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OutputKey    string `json:"output_key,omitempty" yaml:"output_key,omitempty"`
}

// SubWorkflowAction runs another workflow as a nested run. The child run
// gets a fresh context seeded only from Inputs (child parameter name →
// expression over the parent context). After the child completes, Outputs
// copies child context keys into the parent context (child key → parent
// key) — explicit, never automatic.
type SubWorkflowAction struct {
	Workflow string            `json:"workflow" yaml:"workflow"`
	Inputs   map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// WaitAction suspends the run for the given duration without blocking
// other concurrent runs.
type WaitAction struct {
	Duration string `json:"duration" yaml:"duration"`
}

// ParseTimeout parses an action timeout. Empty means the caller default;
// a malformed or non-positive duration is a validation error rather than a
// silent fallback, so definitions built in code fail the same way
// file-loaded ones do.
func ParseTimeout(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, NewErrorf(ErrCodeValidation, "invalid timeout %q: %s", s, err.Error()).WithCause(err)
	}
	if d <= 0 {
		return 0, NewErrorf(ErrCodeValidation, "invalid timeout %q: must be positive", s)
	}
	return d, nil
}
