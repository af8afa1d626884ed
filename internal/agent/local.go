package agent

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/machina/pkg/schema"
)

// LocalConfig configures the local in-process model backend.
type LocalConfig struct {
	// ModelPath is the model weights file handed to the inference server.
	ModelPath string
	// ServerCommand is the inference server binary (llama-server style).
	// Ignored when BaseURL points at an already-running server.
	ServerCommand string
	ServerArgs    []string
	// BaseURL attaches to an externally managed inference server instead
	// of spawning one.
	BaseURL string
	// ContextSize is forwarded to the inference server at load time.
	ContextSize int
	// LoadTimeout bounds how long the backend waits for the model to
	// become ready. Zero means DefaultLoadTimeout.
	LoadTimeout time.Duration
	// ToolsCommand optionally names an MCP tool server whose tools are
	// surfaced to every session.
	ToolsCommand string
	ToolsArgs    []string
}

// DefaultLoadTimeout bounds model load for locally spawned servers.
const DefaultLoadTimeout = 2 * time.Minute

// ModelHandle is the loaded-model resource shared by all sessions.
type ModelHandle struct {
	BaseURL string
	Model   string
	// stop terminates a locally spawned server. Nil for attached servers.
	stop func() error
}

// ModelLoader loads the model exactly once per process. Injected so tests
// can observe load counts without a real inference server.
type ModelLoader func(ctx context.Context, cfg LocalConfig) (*ModelHandle, error)

// GenerateFunc produces a completion for a session. Injected for tests.
type GenerateFunc func(ctx context.Context, handle *ModelHandle, req PromptRequest, tools []string) (string, error)

// LocalBackend runs prompts against a single shared model instance.
//
// The model is expensive to load, so the handle is created lazily on first
// use and cached for the life of the process. A genuine load failure is
// cached too: a model that failed to load will not be retried, every later
// call observes the same error. Failures caused by the first caller's own
// cancellation are not cached. Sessions are per call and independent; only
// token generation on the shared handle is serialized.
type LocalBackend struct {
	cfg    LocalConfig
	load   ModelLoader
	gen    GenerateFunc
	tools  []string
	loadMu sync.Mutex
	genMu  sync.Mutex
	handle *ModelHandle
	err    error
	loaded bool
}

// NewLocalBackend creates a LocalBackend. The model is not loaded until the
// first prompt executes.
func NewLocalBackend(cfg LocalConfig) *LocalBackend {
	return &LocalBackend{cfg: cfg, load: defaultLoader, gen: defaultGenerate}
}

// Name returns the backend identifier.
func (b *LocalBackend) Name() string { return BackendLocal }

// ExecutePrompt creates a fresh session on the shared model and runs one
// prompt through it.
func (b *LocalBackend) ExecutePrompt(ctx context.Context, req PromptRequest) (*PromptResult, error) {
	handle, err := b.sharedHandle(ctx)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	genCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	// One generation at a time on the shared model.
	b.genMu.Lock()
	text, err := b.gen(genCtx, handle, req, b.tools)
	b.genMu.Unlock()

	if err != nil {
		if genCtx.Err() == context.DeadlineExceeded {
			return nil, timeoutError(timeout)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"local backend: generation failed: %s", err.Error()).WithCause(err)
	}

	return &PromptResult{
		Text:       text,
		Model:      handle.Model,
		Tools:      b.tools,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// sharedHandle returns the singleton model handle, loading it on first use.
// Success and load failure are cached for the rest of the process, except
// when the load error came from the caller's own cancelled context.
func (b *LocalBackend) sharedHandle(ctx context.Context) (*ModelHandle, error) {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()

	if b.loaded {
		return b.handle, b.err
	}

	loadTimeout := b.cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	handle, err := b.load(loadCtx, b.cfg)
	if err != nil {
		err = schema.NewErrorf(schema.ErrCodeAgent,
			"local backend: model load failed: %s", err.Error()).WithCause(err)
	} else if b.cfg.ToolsCommand != "" {
		// Tool discovery is part of load: a handle without its tools is
		// not usable.
		tools, terr := discoverTools(loadCtx, b.cfg.ToolsCommand, b.cfg.ToolsArgs)
		if terr != nil {
			handle, err = nil, schema.NewErrorf(schema.ErrCodeAgent,
				"local backend: tool discovery failed: %s", terr.Error()).WithCause(terr)
		} else {
			b.tools = tools
		}
	}

	// A failure inherited from the caller's context is this run's problem,
	// not the model's: leave the backend unloaded so the next prompt
	// retries the load. Only the load timeout we own is cached.
	if err != nil && ctx.Err() != nil {
		return nil, err
	}

	b.handle, b.err, b.loaded = handle, err, true
	return b.handle, b.err
}

// Close stops a locally spawned inference server, if any.
func (b *LocalBackend) Close() error {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()
	if b.handle != nil && b.handle.stop != nil {
		return b.handle.stop()
	}
	return nil
}

// defaultLoader attaches to cfg.BaseURL when set, otherwise spawns the
// inference server subprocess and waits for its health endpoint.
func defaultLoader(ctx context.Context, cfg LocalConfig) (*ModelHandle, error) {
	if cfg.BaseURL != "" {
		if err := waitHealthy(ctx, cfg.BaseURL); err != nil {
			return nil, err
		}
		return &ModelHandle{BaseURL: cfg.BaseURL, Model: cfg.ModelPath}, nil
	}

	if cfg.ServerCommand == "" || cfg.ModelPath == "" {
		return nil, fmt.Errorf("local model requires base_url, or server_command and model_path")
	}

	args := append([]string{}, cfg.ServerArgs...)
	args = append(args, "--model", cfg.ModelPath)
	if cfg.ContextSize > 0 {
		args = append(args, "--ctx-size", fmt.Sprintf("%d", cfg.ContextSize))
	}

	cmd := exec.Command(cfg.ServerCommand, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start inference server: %w", err)
	}

	baseURL := "http://127.0.0.1:8080"
	if err := waitHealthy(ctx, baseURL); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	return &ModelHandle{
		BaseURL: baseURL,
		Model:   cfg.ModelPath,
		stop: func() error {
			if err := cmd.Process.Kill(); err != nil {
				return err
			}
			_ = cmd.Wait()
			return nil
		},
	}, nil
}

// waitHealthy polls the server health endpoint until it answers or ctx ends.
func waitHealthy(ctx context.Context, baseURL string) error {
	httpClient := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		resp, err := httpClient.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("inference server not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// defaultGenerate runs one chat completion against the inference server.
func defaultGenerate(ctx context.Context, handle *ModelHandle, req PromptRequest, tools []string) (string, error) {
	return completeChat(ctx, handle.BaseURL, req.SystemPrompt, req.UserPrompt)
}

// discoverTools connects to the MCP tool server once and lists its tools.
func discoverTools(ctx context.Context, command string, args []string) ([]string, error) {
	mcpClient, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, err
	}
	defer mcpClient.Close()

	if _, err := mcpClient.Initialize(ctx, initializeRequest()); err != nil {
		return nil, err
	}

	listed, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

var _ Executor = (*LocalBackend)(nil)
