package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/machina/internal/notify"
	"github.com/rendis/machina/pkg/schema"
)

// RunNotifier forwards run lifecycle events from the hub to the MCP session
// that launched each run. Best-effort: events for runs without a session
// mapping are dropped silently.
type RunNotifier struct {
	mcpServer *server.MCPServer
	hub       notify.Hub
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewRunNotifier creates a notifier bridging the hub to MCP push notifications.
func NewRunNotifier(mcpServer *server.MCPServer, hub notify.Hub, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{mcpServer: mcpServer, hub: hub, sessions: sessions, logger: logger}
}

// Pump subscribes to the hub and forwards events until ctx is cancelled.
func (n *RunNotifier) Pump(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, notify.Filter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.forward(ev)
		}
	}
}

func (n *RunNotifier) forward(ev schema.NotificationEvent) {
	sessionID, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return
	}
	payload := map[string]any{
		"run_id":  ev.RunID,
		"kind":    string(ev.Kind),
		"message": ev.Message,
	}
	if ev.Progress != nil {
		payload["progress"] = *ev.Progress
	}
	for k, v := range ev.Metadata {
		payload[k] = v
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		if dropped := n.sessions.RemoveSession(sessionID); len(dropped) > 0 {
			n.logger.Info("session gone, dropping run watchers",
				slog.String("session_id", sessionID),
				slog.Int("runs", len(dropped)))
		}
	} else if err != nil {
		n.logger.Warn("notification push failed",
			slog.String("run_id", ev.RunID),
			slog.String("error", err.Error()))
	}

	// Terminal events end the run's session mapping.
	if ev.Kind == schema.EventFlowComplete || ev.Kind == schema.EventFlowError {
		n.sessions.Forget(ev.RunID)
	}
}
