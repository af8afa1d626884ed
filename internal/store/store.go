package store

import (
	"context"
	"time"

	"github.com/rendis/machina/pkg/schema"
)

// DefinitionRecord is a persisted workflow definition document. Source keeps
// the original YAML/JSON text so re-validation and listing stay faithful to
// what the author wrote.
type DefinitionRecord struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	Format      string    `json:"format"` // "yaml" | "json"
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RunRecord is the immutable report of a finished run. Live run state is
// never persisted; only terminal outcomes land here.
type RunRecord struct {
	RunID          string           `json:"run_id"`
	Workflow       string           `json:"workflow"`
	Status         schema.RunStatus `json:"status"`
	FinalState     string           `json:"final_state,omitempty"`
	FailedState    string           `json:"failed_state,omitempty"`
	Error          string           `json:"error,omitempty"`
	StatesExecuted int              `json:"states_executed"`
	Vars           map[string]any   `json:"vars,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    time.Time        `json:"completed_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Workflow string
	Status   schema.RunStatus
	Limit    int
}

// ScheduleRecord is a cron-triggered workflow launch.
type ScheduleRecord struct {
	ID        string            `json:"id"`
	Workflow  string            `json:"workflow"`
	CronExpr  string            `json:"cron_expr"`
	Params    map[string]any    `json:"params,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store persists definitions, terminal run records, and schedules.
type Store interface {
	SaveDefinition(ctx context.Context, rec *DefinitionRecord) error
	GetDefinition(ctx context.Context, name string) (*DefinitionRecord, error)
	ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error)
	DeleteDefinition(ctx context.Context, name string) error

	RecordRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	SaveSchedule(ctx context.Context, rec *ScheduleRecord) error
	ListSchedules(ctx context.Context) ([]*ScheduleRecord, error)
	DeleteSchedule(ctx context.Context, id string) error

	Migrate(ctx context.Context) error
	Close() error
}
