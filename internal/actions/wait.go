package actions

import (
	"context"
	"time"

	"github.com/rendis/machina/pkg/schema"
)

// executeWait suspends the run for the given duration. Other runs keep
// progressing; only this run's cycle loop is parked on the timer.
func (d *Dispatcher) executeWait(ctx context.Context, rc Context, a *schema.WaitAction) error {
	if a == nil || a.Duration == "" {
		return schema.NewError(schema.ErrCodeValidation, "wait: missing duration")
	}
	duration, err := time.ParseDuration(a.Duration)
	if err != nil || duration < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "wait: invalid duration %q", a.Duration)
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeExecution, "wait: interrupted").WithCause(ctx.Err())
	}
}
