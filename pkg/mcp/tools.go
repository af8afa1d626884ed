package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/machina/internal/store"
	"github.com/rendis/machina/pkg/schema"
)

// handleRun executes a registered workflow.
func (s *MachinaServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)
	mode := req.GetString("mode", "sync")

	if mode == "detach" {
		runID, startErr := s.coordinator.StartRun(ctx, workflow, params)
		if startErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run start failed: %v", startErr)), nil
		}
		// Map the run to this session so lifecycle events reach the caller.
		s.captureSession(ctx, runID)
		return marshalResult(map[string]any{
			"run_id":   runID,
			"workflow": workflow,
			"status":   schema.RunStatusRunning,
		})
	}

	outcome, runErr := s.coordinator.RunSync(ctx, workflow, params)
	if outcome == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	// A failed run still reports its outcome: status, failed state, and
	// error message tell the caller more than a bare error string.
	return marshalResult(outcome)
}

// handleStatus reports an in-flight or recorded run.
func (s *MachinaServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	info, statusErr := s.coordinator.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(info)
}

// handleAbort requests cooperative cancellation of an in-flight run.
func (s *MachinaServer) handleAbort(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if abortErr := s.coordinator.Abort(runID); abortErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abort failed: %v", abortErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
	})
}

// handleList lists registered workflows or recorded runs.
func (s *MachinaServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	switch resource {
	case "workflows":
		return s.listWorkflows()
	case "runs":
		return s.listRuns(ctx, mcp.ParseStringMap(req, "filter", nil))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDefine registers a workflow definition from document text.
func (s *MachinaServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	format := req.GetString("format", "yaml")
	if format != "yaml" && format != "json" {
		return mcp.NewToolResultError("format must be yaml or json"), nil
	}

	def, loadErr := s.loader.Load([]byte(source), "definition."+format)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", loadErr)), nil
	}
	if regErr := s.registry.Register(def); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("register failed: %v", regErr)), nil
	}

	if s.store != nil {
		now := time.Now().UTC()
		rec := &store.DefinitionRecord{
			Name:        def.Name,
			Description: def.Description,
			Source:      source,
			Format:      format,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if saveErr := s.store.SaveDefinition(ctx, rec); saveErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("registered but persist failed: %v", saveErr)), nil
		}
	}

	return marshalResult(map[string]any{
		"name":   def.Name,
		"states": def.StateCount(),
	})
}

// --- List helpers ---

func (s *MachinaServer) listWorkflows() (*mcp.CallToolResult, error) {
	defs := s.registry.List()
	summaries := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		params := make([]string, 0, len(def.Parameters))
		for _, p := range def.Parameters {
			params = append(params, p.Name)
		}
		summaries = append(summaries, map[string]any{
			"name":        def.Name,
			"description": def.Description,
			"initial":     def.Initial,
			"states":      def.StateCount(),
			"parameters":  params,
		})
	}
	return marshalResult(map[string]any{"workflows": summaries})
}

func (s *MachinaServer) listRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no store configured: run history is unavailable"), nil
	}

	rf := store.RunFilter{Limit: extractInt(filter, "limit", 50)}
	if wf, ok := filter["workflow"].(string); ok {
		rf.Workflow = wf
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rf.Status = schema.RunStatus(status)
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the run ID to the caller's MCP session for push
// notifications. No-op on transports without sessions.
func (s *MachinaServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
