package scheduler

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/machina/internal/store"
)

// fakeLauncher counts launches per workflow and remembers the context
// state each launch arrived with.
type fakeLauncher struct {
	mu       sync.Mutex
	launches map[string]int
	ctxErrs  []error
	block    chan struct{} // when set, Launch blocks until closed
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launches: map[string]int{}}
}

func (l *fakeLauncher) Launch(ctx context.Context, workflow string, params map[string]any) error {
	l.mu.Lock()
	l.launches[workflow]++
	l.ctxErrs = append(l.ctxErrs, ctx.Err())
	block := l.block
	l.mu.Unlock()
	if block != nil {
		<-block
	}
	return nil
}

func (l *fakeLauncher) count(workflow string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[workflow]
}

// memStore is a minimal in-memory Store for scheduler tests.
type memStore struct {
	store.Store
	schedules []*store.ScheduleRecord
}

func (m *memStore) ListSchedules(ctx context.Context) ([]*store.ScheduleRecord, error) {
	return m.schedules, nil
}

func newScheduler(schedules []*store.ScheduleRecord, launcher RunLauncher) *Scheduler {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return NewScheduler(&memStore{schedules: schedules}, launcher, logger)
}

func TestScheduler_FiresEnabledSchedules(t *testing.T) {
	launcher := newFakeLauncher()
	s := newScheduler([]*store.ScheduleRecord{
		{ID: "s1", Workflow: "greet", CronExpr: "@every 100ms", Enabled: true},
		{ID: "s2", Workflow: "ignored", CronExpr: "@every 100ms", Enabled: false},
	}, launcher)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return launcher.count("greet") >= 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.Zero(t, launcher.count("ignored"), "disabled schedules never fire")
}

func TestScheduler_SkipsOverlappingFires(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.block = make(chan struct{})
	s := newScheduler([]*store.ScheduleRecord{
		{ID: "slow", Workflow: "slow-flow", CronExpr: "@every 100ms", Enabled: true},
	}, launcher)

	require.NoError(t, s.Start(context.Background()))

	// Several fire intervals pass while the first launch is still blocked.
	time.Sleep(450 * time.Millisecond)
	assert.Equal(t, 1, launcher.count("slow-flow"), "overlapping fires are skipped, not queued")

	close(launcher.block)
	s.Stop()
}

func TestScheduler_FiresOutliveStartContext(t *testing.T) {
	launcher := newFakeLauncher()
	s := newScheduler([]*store.ScheduleRecord{
		{ID: "s1", Workflow: "greet", CronExpr: "@every 100ms", Enabled: true},
	}, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	// Cancelling the context that seeded the entries must not cancel
	// launches fired afterwards.
	cancel()

	require.Eventually(t, func() bool {
		return launcher.count("greet") >= 1
	}, 2*time.Second, 20*time.Millisecond)

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	for _, err := range launcher.ctxErrs {
		assert.NoError(t, err, "launch context must be alive")
	}
}

func TestScheduler_DoubleStartRejected(t *testing.T) {
	s := newScheduler(nil, newFakeLauncher())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Error(t, s.Start(context.Background()))
}

func TestScheduler_ValidateExpr(t *testing.T) {
	s := newScheduler(nil, newFakeLauncher())
	assert.NoError(t, s.ValidateExpr("0 2 * * *"))
	assert.NoError(t, s.ValidateExpr("@every 1h"))
	assert.Error(t, s.ValidateExpr("not a cron"))
}

func TestScheduler_InvalidExpressionIsSkipped(t *testing.T) {
	launcher := newFakeLauncher()
	s := newScheduler([]*store.ScheduleRecord{
		{ID: "bad", Workflow: "never", CronExpr: "banana", Enabled: true},
		{ID: "ok", Workflow: "greet", CronExpr: "@every 100ms", Enabled: true},
	}, launcher)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return launcher.count("greet") >= 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Zero(t, launcher.count("never"))
}
