package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/machina/internal/store"
)

// DefaultLaunchTimeout bounds a single scheduled launch.
const DefaultLaunchTimeout = time.Hour

// RunLauncher starts one workflow run. Satisfied by the server's run
// coordinator; an interface here avoids a cycle with the engine wiring.
type RunLauncher interface {
	Launch(ctx context.Context, workflow string, params map[string]any) error
}

// Scheduler drives cron-triggered workflow launches from the persisted
// schedule table. Each enabled schedule becomes a cron entry; a schedule
// that is still running when it fires again is skipped, not queued.
type Scheduler struct {
	store         store.Store
	launcher      RunLauncher
	logger        *slog.Logger
	parser        cron.Parser
	launchTimeout time.Duration

	mu   sync.Mutex
	cron *cron.Cron

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, launcher RunLauncher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         s,
		launcher:      launcher,
		logger:        logger,
		parser:        cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		launchTimeout: DefaultLaunchTimeout,
		inflight:      make(map[string]struct{}),
	}
}

// ValidateExpr checks a cron expression without registering it.
func (s *Scheduler) ValidateExpr(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return nil
}

// Start loads enabled schedules and begins firing them. Returns an error if
// already started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(cron.WithParser(s.parser))
	if err := s.register(ctx, c); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Reload replaces the running entries with the current schedule table.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return fmt.Errorf("scheduler not started")
	}

	c := cron.New(cron.WithParser(s.parser))
	if err := s.register(ctx, c); err != nil {
		return err
	}
	old := s.cron
	s.cron = c
	c.Start()
	<-old.Stop().Done()
	return nil
}

// Stop halts firing and waits for in-flight launches started by cron to
// return from AddFunc callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) register(ctx context.Context, c *cron.Cron) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		sched := sched
		if _, err := c.AddFunc(sched.CronExpr, func() { s.fire(ctx, sched) }); err != nil {
			// One bad expression must not take down the rest.
			s.logger.Error("invalid schedule skipped",
				slog.String("schedule_id", sched.ID),
				slog.String("cron", sched.CronExpr),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched *store.ScheduleRecord) {
	if !s.tryAcquire(sched.ID) {
		s.logger.Warn("schedule still running, skipping fire",
			slog.String("schedule_id", sched.ID))
		return
	}
	defer s.release(sched.ID)

	// Each fire gets its own lifetime: the Start context only seeded the
	// entry, and a launch firing hours later must not inherit its
	// cancellation.
	launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.launchTimeout)
	defer cancel()

	s.logger.Info("launching scheduled workflow",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow", sched.Workflow))

	if err := s.launcher.Launch(launchCtx, sched.Workflow, sched.Params); err != nil {
		s.logger.Error("scheduled launch failed",
			slog.String("schedule_id", sched.ID),
			slog.String("workflow", sched.Workflow),
			slog.String("error", err.Error()))
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, running := s.inflight[id]; running {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
