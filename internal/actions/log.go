package actions

import (
	"context"
	"log/slog"

	"github.com/rendis/machina/pkg/schema"
)

// executeLog renders the message against the run context and emits it to
// the logging sink. Log never fails the run: an interpolation error falls
// back to the raw message.
func (d *Dispatcher) executeLog(ctx context.Context, rc Context, a *schema.LogAction) error {
	if a == nil {
		return nil
	}

	message, err := resolveTemplate(a.Message, rc)
	if err != nil {
		d.cfg.Logger.WarnContext(ctx, "log action: template resolution failed",
			slog.String("run_id", rc.RunID()),
			slog.String("error", err.Error()))
		message = a.Message
	}

	attrs := []any{
		slog.String("run_id", rc.RunID()),
		slog.String("workflow", rc.Workflow()),
	}
	switch a.Level {
	case "debug":
		d.cfg.Logger.DebugContext(ctx, message, attrs...)
	case "warn":
		d.cfg.Logger.WarnContext(ctx, message, attrs...)
	case "error":
		d.cfg.Logger.ErrorContext(ctx, message, attrs...)
	default:
		d.cfg.Logger.InfoContext(ctx, message, attrs...)
	}
	return nil
}
