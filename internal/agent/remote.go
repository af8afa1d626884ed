package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/machina/pkg/schema"
)

const defaultRemoteTool = "generate"

// RemoteConfig configures the remote-protocol backend: the external agent
// process to spawn and the tool to call on it.
type RemoteConfig struct {
	Command  string
	Args     []string
	Env      map[string]string
	ToolName string // defaults to "generate"
}

// RemoteBackend executes prompts against an external MCP agent process.
// Stateless per call: each ExecutePrompt spawns the process, performs the
// protocol handshake, calls the tool once and shuts the process down.
// Initialization is cheap, so no handle is retained between calls.
type RemoteBackend struct {
	cfg RemoteConfig
}

// NewRemoteBackend creates a RemoteBackend.
func NewRemoteBackend(cfg RemoteConfig) *RemoteBackend {
	if cfg.ToolName == "" {
		cfg.ToolName = defaultRemoteTool
	}
	return &RemoteBackend{cfg: cfg}
}

// Name returns the backend identifier.
func (b *RemoteBackend) Name() string { return BackendRemote }

// ExecutePrompt performs one independent request to the external agent.
func (b *RemoteBackend) ExecutePrompt(ctx context.Context, req PromptRequest) (*PromptResult, error) {
	if b.cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeAgent, "remote backend: no agent command configured")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var env []string
	for k, v := range b.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(b.cfg.Command, env, b.cfg.Args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"remote backend: spawn agent %q: %s", b.cfg.Command, err.Error()).WithCause(err)
	}
	defer mcpClient.Close()

	if _, err := mcpClient.Initialize(callCtx, initializeRequest()); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, timeoutError(timeout)
		}
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"remote backend: protocol handshake failed: %s", err.Error()).WithCause(err)
	}

	start := time.Now()
	result, err := mcpClient.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: b.cfg.ToolName,
			Arguments: map[string]any{
				"system_prompt": req.SystemPrompt,
				"prompt":        req.UserPrompt,
			},
		},
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, timeoutError(timeout)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"remote backend: tool %q failed: %s", b.cfg.ToolName, err.Error()).WithCause(err)
	}

	text, err := resultText(result)
	if err != nil {
		return nil, err
	}

	return &PromptResult{
		Text:       text,
		Model:      b.cfg.Command,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// resultText extracts the first text content block from a tool result.
func resultText(result *mcp.CallToolResult) (string, error) {
	if result == nil || len(result.Content) == 0 {
		return "", schema.NewError(schema.ErrCodeExecution, "remote backend: empty tool result")
	}
	text := mcp.GetTextFromContent(result.Content[0])
	if result.IsError {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"remote backend: agent returned error: %s", text).
			WithDetails(map[string]any{"raw": text})
	}
	return text, nil
}

func initializeRequest() mcp.InitializeRequest {
	var req mcp.InitializeRequest
	req.Params.ProtocolVersion = "2024-11-05"
	req.Params.Capabilities = mcp.ClientCapabilities{}
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "machina",
		Version: "1.0.0",
	}
	return req
}

// timeoutError builds the action-timeout error carrying the configured bound.
func timeoutError(timeout time.Duration) *schema.MachinaError {
	return schema.NewErrorf(schema.ErrCodeTimeout, "prompt execution timed out after %s", timeout).
		WithDetails(map[string]any{"timeout": timeout.String()})
}

var _ Executor = (*RemoteBackend)(nil)
