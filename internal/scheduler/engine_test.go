package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReconciler struct {
	mu     sync.Mutex
	calls  []bool
	report reconcile.Report
	err    error
	ran    chan struct{}
}

func (s *stubReconciler) Run(ctx context.Context, dryRun bool) (reconcile.Report, error) {
	s.mu.Lock()
	s.calls = append(s.calls, dryRun)
	s.mu.Unlock()
	if s.ran != nil {
		s.ran <- struct{}{}
	}
	r := s.report
	r.DryRun = dryRun
	return r, s.err
}

func (s *stubReconciler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		Enabled:         true,
		Schedule:        "@hourly",
		ShutdownTimeout: "2s",
		HistoryLimit:    10,
	}
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = "every so often"

	_, err := NewScheduler(nil, &stubReconciler{}, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse reconcile schedule")
}

func TestNewSchedulerRequiresReconciler(t *testing.T) {
	_, err := NewScheduler(nil, nil, testConfig())
	require.Error(t, err)
}

func TestTriggerRecordsRun(t *testing.T) {
	rec := &stubReconciler{report: reconcile.Report{
		OrphanedAgents: []string{"user_a", "user_b"},
	}}
	s, err := NewScheduler(nil, rec, testConfig())
	require.NoError(t, err)

	report, err := s.Trigger(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, TriggerManual, history[0].Trigger)
	assert.True(t, history[0].DryRun)
	assert.Equal(t, 2, history[0].Findings[reconcile.CategoryOrphanedAgents])
	assert.NotEmpty(t, history[0].ID)
	assert.Empty(t, history[0].Error)
}

func TestTriggerRecordsFailure(t *testing.T) {
	rec := &stubReconciler{err: errors.New("document unreadable")}
	s, err := NewScheduler(nil, rec, testConfig())
	require.NoError(t, err)

	_, err = s.Trigger(context.Background(), false)
	require.Error(t, err)

	last, ok := s.store.Last()
	require.True(t, ok)
	assert.Equal(t, "document unreadable", last.Error)
}

func TestStartRunsOnStartWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.RunOnStart = true
	rec := &stubReconciler{ran: make(chan struct{}, 1)}

	s, err := NewScheduler(nil, rec, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	select {
	case <-rec.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a pass on start")
	}
	assert.NoError(t, s.Health(context.Background()))
}

func TestStartCatchesUpMissedRun(t *testing.T) {
	store, err := NewRunStore(filepath.Join(t.TempDir(), "runs.json"), 10)
	require.NoError(t, err)
	require.NoError(t, store.Append(RunRecord{
		Trigger:   TriggerSchedule,
		StartedAt: time.Now().Add(-3 * time.Hour),
	}))

	rec := &stubReconciler{ran: make(chan struct{}, 1)}
	s, err := NewScheduler(store, rec, testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	select {
	case <-rec.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a catch-up pass")
	}

	require.Eventually(t, func() bool {
		last, ok := store.Last()
		return ok && last.Trigger == TriggerCatchUp
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartSkipsCatchUpWhenRecent(t *testing.T) {
	store, err := NewRunStore("", 10)
	require.NoError(t, err)
	require.NoError(t, store.Append(RunRecord{Trigger: TriggerSchedule, StartedAt: time.Now()}))

	rec := &stubReconciler{}
	s, err := NewScheduler(store, rec, testConfig())
	require.NoError(t, err)
	assert.False(t, s.missedRun())
}

func TestStopIsIdempotent(t *testing.T) {
	s, err := NewScheduler(nil, &stubReconciler{}, testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Health(context.Background()))
}

type stubSweeper struct {
	mu     sync.Mutex
	calls  int
	marked []string
	err    error
}

func (s *stubSweeper) SweepOAuthHealth(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.marked, s.err
}

func (s *stubSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSetOAuthSweepRejectsBadSchedule(t *testing.T) {
	s, err := NewScheduler(nil, &stubReconciler{}, testConfig())
	require.NoError(t, err)

	err = s.SetOAuthSweep(&stubSweeper{}, "whenever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse oauth health schedule")

	assert.Error(t, s.SetOAuthSweep(nil, "@daily"))
}

func TestSweepOAuthWithoutSweeper(t *testing.T) {
	s, err := NewScheduler(nil, &stubReconciler{}, testConfig())
	require.NoError(t, err)

	_, err = s.SweepOAuth(context.Background())
	assert.Error(t, err)
}

func TestSweepOAuthReturnsMarkedAgents(t *testing.T) {
	sweeper := &stubSweeper{marked: []string{"user_a"}}
	s, err := NewScheduler(nil, &stubReconciler{}, testConfig())
	require.NoError(t, err)
	require.NoError(t, s.SetOAuthSweep(sweeper, "@daily"))

	marked, err := s.SweepOAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"user_a"}, marked)

	sweeper.err = errors.New("state store closed")
	_, err = s.SweepOAuth(context.Background())
	assert.Error(t, err)
	assert.Empty(t, s.History(), "sweeps are not reconciliation runs")
}

func TestOAuthSweepRunsOnSchedule(t *testing.T) {
	sweeper := &stubSweeper{}
	rec := &stubReconciler{}
	s, err := NewScheduler(nil, rec, testConfig())
	require.NoError(t, err)
	require.NoError(t, s.SetOAuthSweep(sweeper, "@every 1s"))
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return sweeper.count() > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, rec.count())
}
