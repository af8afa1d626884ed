package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/machina/internal/definition"
	"github.com/rendis/machina/internal/engine"
	"github.com/rendis/machina/internal/notify"
	"github.com/rendis/machina/internal/store"
)

// MachinaServerDeps holds the dependencies for creating a MachinaServer.
type MachinaServerDeps struct {
	Coordinator *engine.Coordinator
	Registry    *definition.Registry
	Loader      *definition.Loader
	Store       store.Store // optional; enables run listing and definition persistence
	Hub         notify.Hub  // optional; enables push notifications
	Logger      *slog.Logger
}

// MachinaServer wraps an MCP server with machina-specific tool handlers.
type MachinaServer struct {
	coordinator *engine.Coordinator
	registry    *definition.Registry
	loader      *definition.Loader
	store       store.Store
	hub         notify.Hub
	sessions    *SessionRegistry
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewMachinaServer creates a MachinaServer with all 5 tools registered.
func NewMachinaServer(deps MachinaServerDeps) *MachinaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &MachinaServer{
		coordinator: deps.Coordinator,
		registry:    deps.Registry,
		loader:      deps.Loader,
		store:       deps.Store,
		hub:         deps.Hub,
		sessions:    NewSessionRegistry(),
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"machina",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Machina is a declarative workflow state-machine engine. Use machina.run to execute a registered workflow, machina.status to check a run, machina.abort to cancel a run, machina.list to browse workflows and runs, and machina.define to register a workflow definition."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. When a hub is configured, a notifier pump runs alongside.
func (s *MachinaServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.hub != nil {
		notifier := NewRunNotifier(s.mcpServer, s.hub, s.sessions, s.logger)
		go func() {
			if err := notifier.Pump(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("notifier pump stopped", slog.String("error", err.Error()))
			}
		}()
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *MachinaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *MachinaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: defineTool(), Handler: s.handleDefine},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("machina.run",
		mcp.WithDescription("Execute a registered workflow"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the workflow to execute")),
		mcp.WithObject("params", mcp.Description("Input parameters for the workflow")),
		mcp.WithString("mode", mcp.Enum("sync", "detach"),
			mcp.Description("sync waits for the terminal outcome (default); detach returns the run_id immediately"),
		),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("machina.status",
		mcp.WithDescription("Get the status of a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("machina.abort",
		mcp.WithDescription("Request cooperative cancellation of an in-flight run; the current state's action finishes first"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to abort")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("machina.list",
		mcp.WithDescription("List registered workflows or recorded runs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Run filter criteria (workflow, status, limit); ignored for workflows")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("machina.define",
		mcp.WithDescription("Register a workflow definition from YAML or JSON source"),
		mcp.WithString("source", mcp.Required(), mcp.Description("Workflow definition document text")),
		mcp.WithString("format", mcp.Enum("yaml", "json"), mcp.Description("Document format (default: yaml)")),
	)
}
