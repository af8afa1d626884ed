package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/machina/pkg/schema"
)

// Emitter publishes lifecycle events on behalf of the executor. It is
// optional at every call site: a nil *Emitter is valid and all methods
// become no-ops. Publish failures are logged and swallowed — a closed or
// absent channel never fails a workflow.
type Emitter struct {
	hub    Hub
	logger *slog.Logger
}

// NewEmitter creates an Emitter over the given hub. hub may be nil.
func NewEmitter(hub Hub, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{hub: hub, logger: logger}
}

// Emit publishes the event, best-effort.
func (e *Emitter) Emit(ctx context.Context, event schema.NotificationEvent) {
	if e == nil || e.hub == nil {
		return
	}
	if err := e.hub.Publish(ctx, event); err != nil {
		e.logger.Warn("notification publish failed",
			slog.String("run_id", event.RunID),
			slog.String("kind", string(event.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// FlowStart emits the run-started event with progress 0.
func (e *Emitter) FlowStart(ctx context.Context, runID, workflow string) {
	e.Emit(ctx, schema.NotificationEvent{
		RunID:    runID,
		Kind:     schema.EventFlowStart,
		Progress: schema.Progress(0, 1),
		Message:  fmt.Sprintf("workflow %q started", workflow),
		Metadata: map[string]any{schema.MetaWorkflow: workflow},
	})
}

// StateStart emits the event immediately before a state's action executes.
func (e *Emitter) StateStart(ctx context.Context, runID, stateID string, executed, totalHint int) {
	e.Emit(ctx, schema.NotificationEvent{
		RunID:    runID,
		Kind:     schema.EventStateStart,
		Progress: schema.Progress(executed, totalHint),
		Message:  fmt.Sprintf("executing state %q", stateID),
		Metadata: map[string]any{schema.MetaStateID: stateID},
	})
}

// StateComplete emits the event immediately after a state's action
// succeeds. nextStateID is "" when the state is terminal.
func (e *Emitter) StateComplete(ctx context.Context, runID, stateID, nextStateID string, executed, totalHint int) {
	meta := map[string]any{schema.MetaStateID: stateID}
	if nextStateID != "" {
		meta[schema.MetaNextStateID] = nextStateID
	}
	e.Emit(ctx, schema.NotificationEvent{
		RunID:    runID,
		Kind:     schema.EventStateComplete,
		Progress: schema.Progress(executed, totalHint),
		Message:  fmt.Sprintf("state %q complete", stateID),
		Metadata: meta,
	})
}

// FlowComplete emits the successful run-end event with progress 100.
func (e *Emitter) FlowComplete(ctx context.Context, runID, finalState string) {
	e.Emit(ctx, schema.NotificationEvent{
		RunID:    runID,
		Kind:     schema.EventFlowComplete,
		Progress: schema.Progress(1, 1),
		Message:  "workflow completed",
		Metadata: map[string]any{schema.MetaFinalState: finalState},
	})
}

// FlowError emits the failed run-end event. Progress is nil for errors.
func (e *Emitter) FlowError(ctx context.Context, runID, failedState, errMsg string) {
	e.Emit(ctx, schema.NotificationEvent{
		RunID:   runID,
		Kind:    schema.EventFlowError,
		Message: fmt.Sprintf("workflow failed: %s", errMsg),
		Metadata: map[string]any{
			schema.MetaFailedState:  failedState,
			schema.MetaErrorMessage: errMsg,
		},
	})
}
