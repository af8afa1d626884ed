package agent

import (
	"context"
	"time"
)

// PromptRequest carries one prompt execution to a backend.
type PromptRequest struct {
	SystemPrompt string
	UserPrompt   string
	Vars         map[string]any // run-context snapshot, advisory
	Timeout      time.Duration
}

// PromptResult is the generated output of a prompt execution.
type PromptResult struct {
	Text       string
	Model      string
	Tools      []string // tool names discovered during session setup
	DurationMs int64
}

// Executor runs a prompt and returns generated text. Two implementations:
// RemoteBackend (stateless, one protocol round-trip per call) and
// LocalBackend (process-wide model singleton, fresh session per call).
type Executor interface {
	Name() string
	ExecutePrompt(ctx context.Context, req PromptRequest) (*PromptResult, error)
}

// Backend kinds for configuration-driven selection.
const (
	BackendRemote = "remote"
	BackendLocal  = "local"
)

// DefaultPromptTimeout bounds prompt executions that carry no explicit
// timeout of their own.
const DefaultPromptTimeout = 5 * time.Minute
