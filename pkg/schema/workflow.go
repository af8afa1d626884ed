package schema

// WorkflowDefinition is an immutable, named state-machine graph. Definitions
// are loaded and validated by the definition package; the engine assumes the
// invariants below already hold.
//
// Invariants:
//   - Initial names an existing state.
//   - Every non-terminal state has at least one outgoing transition.
//   - Transitions are evaluated in declaration order; an unconditional
//     transition, if present, is last.
type WorkflowDefinition struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Initial     string      `json:"initial" yaml:"initial"`
	States      []State     `json:"states" yaml:"states"`
}

// State returns the state with the given id, or nil.
func (d *WorkflowDefinition) State(id string) *State {
	for i := range d.States {
		if d.States[i].ID == id {
			return &d.States[i]
		}
	}
	return nil
}

// RequiredParameters returns the declared required parameters in
// declaration order.
func (d *WorkflowDefinition) RequiredParameters() []Parameter {
	var req []Parameter
	for _, p := range d.Parameters {
		if p.Required {
			req = append(req, p)
		}
	}
	return req
}

// StateCount returns the static state-count hint used for progress
// percentages. Approximate for looping or branching graphs.
func (d *WorkflowDefinition) StateCount() int {
	return len(d.States)
}

// Parameter declares a workflow input. Required parameters bind
// positionally in declaration order; optional parameters bind by key.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// State is one node of the workflow graph: an action plus outgoing edges.
type State struct {
	ID          string       `json:"id" yaml:"id"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Terminal    bool         `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Action      Action       `json:"action" yaml:"action"`
	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// Transition is a conditional or default edge to another state. The source
// is implied by the owning state; declaration order is evaluation order.
type Transition struct {
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Unconditional reports whether this transition always matches.
func (t Transition) Unconditional() bool {
	return t.Condition == ""
}

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether the status is an end state of a run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusAborted
}
