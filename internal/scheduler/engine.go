// Package scheduler runs reconciliation and OAuth token sweeps on a cron
// schedule and on demand.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kanri/internal/config"
	kerrors "github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/logger"
	"github.com/harunnryd/kanri/internal/reconcile"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// Trigger names recorded with each run.
const (
	TriggerSchedule = "schedule"
	TriggerCatchUp  = "catch_up"
	TriggerManual   = "manual"
)

// JobOAuthHealth names the token health sweep in logs.
const JobOAuthHealth = "oauth_health"

type Component interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
}

type Reconciler interface {
	Run(ctx context.Context, dryRun bool) (reconcile.Report, error)
}

// OAuthSweeper checks stored OAuth tokens and returns the agents it marked
// failed.
type OAuthSweeper interface {
	SweepOAuthHealth(ctx context.Context) ([]string, error)
}

type Scheduler struct {
	store      *RunStore
	reconciler Reconciler

	oauth         OAuthSweeper
	oauthSpec     string
	oauthSchedule cron.Schedule

	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	running       bool
	cron          *cron.Cron
	inFlightTasks uint

	spec                 string
	schedule             cron.Schedule
	runOnStart           bool
	shutdownTimeout      time.Duration
	inFlightPollInterval time.Duration
	now                  func() time.Time
}

func NewScheduler(store *RunStore, reconciler Reconciler, cfg config.ReconcileConfig) (*Scheduler, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("scheduler: reconciler is required")
	}
	if store == nil {
		var err error
		if store, err = NewRunStore("", cfg.HistoryLimit); err != nil {
			return nil, err
		}
	}

	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = config.DefaultReconcileSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", spec, err)
	}

	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultReconcileShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse reconcile shutdown timeout: %w", err)
	}
	inFlightPollInterval, err := config.DurationOrDefault("", config.DefaultReconcileInFlightPoll)
	if err != nil {
		return nil, fmt.Errorf("parse reconcile in-flight poll interval: %w", err)
	}

	return &Scheduler{
		store:                store,
		reconciler:           reconciler,
		spec:                 spec,
		schedule:             schedule,
		runOnStart:           cfg.RunOnStart,
		shutdownTimeout:      shutdownTimeout,
		inFlightPollInterval: inFlightPollInterval,
		now:                  time.Now,
	}, nil
}

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	log := cronLogger{log: slog.Default().With("component", "scheduler")}
	s.cron = cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	if _, err := s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		s.execute(s.ctx, TriggerSchedule)
	})); err != nil {
		return fmt.Errorf("register reconcile job: %w", err)
	}
	if s.oauth != nil {
		if _, err := s.cron.Schedule(s.oauthSchedule, cron.FuncJob(func() {
			if _, err := s.SweepOAuth(s.ctx); err != nil {
				slog.Error("OAuth health sweep failed", "error", err)
			}
		})); err != nil {
			return fmt.Errorf("register oauth health job: %w", err)
		}
	}

	slog.Info("Scheduler initialized", "schedule", s.spec, "oauth_health_schedule", s.oauthSpec)
	return nil
}

// SetOAuthSweep adds the token health sweep as a second job. It must be
// called before Init.
func (s *Scheduler) SetOAuthSweep(sweeper OAuthSweeper, spec string) error {
	if sweeper == nil {
		return fmt.Errorf("scheduler: oauth sweeper is required")
	}
	spec = strings.TrimSpace(spec)
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse oauth health schedule %q: %w", spec, err)
	}
	s.oauth = sweeper
	s.oauthSpec = spec
	s.oauthSchedule = schedule
	return nil
}

// SweepOAuth runs one token health sweep now.
func (s *Scheduler) SweepOAuth(ctx context.Context) ([]string, error) {
	if s.oauth == nil {
		return nil, kerrors.Internal("scheduler.SweepOAuth", "oauth sweep not configured", nil)
	}

	s.mu.Lock()
	s.inFlightTasks++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlightTasks--
		s.mu.Unlock()
	}()

	ctx = logger.WithTraceID(ctx, ulid.Make().String())
	started := s.now()
	marked, err := s.oauth.SweepOAuthHealth(ctx)
	if err != nil {
		return nil, err
	}
	logger.From(ctx).Info("OAuth health sweep finished",
		"job", JobOAuthHealth,
		"marked", len(marked),
		"took_ms", s.now().Sub(started).Milliseconds(),
	)
	return marked, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()

	if s.missedRun() {
		go s.execute(s.ctx, TriggerCatchUp)
	}

	slog.Info("Scheduler started", "next_run", s.schedule.Next(s.now()))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.waitForInFlightTasks()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return kerrors.Internal("scheduler.Stop", "shutdown timeout", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	if s.ctx == nil {
		return kerrors.Internal("scheduler.Health", "scheduler not initialized", nil)
	}

	if !s.IsRunning() {
		return kerrors.Internal("scheduler.Health", "scheduler not running", nil)
	}

	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Trigger runs one pass now and records it. Scheduled and manual passes
// never overlap because the engine serialises them.
func (s *Scheduler) Trigger(ctx context.Context, dryRun bool) (reconcile.Report, error) {
	return s.run(ctx, TriggerManual, dryRun)
}

// History returns the recorded runs, oldest first.
func (s *Scheduler) History() []RunRecord {
	return s.store.All()
}

func (s *Scheduler) execute(ctx context.Context, trigger string) {
	if _, err := s.run(ctx, trigger, false); err != nil {
		slog.Error("Scheduled reconciliation failed", "trigger", trigger, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, trigger string, dryRun bool) (reconcile.Report, error) {
	s.mu.Lock()
	s.inFlightTasks++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlightTasks--
		s.mu.Unlock()
	}()

	id := ulid.Make().String()
	ctx = logger.WithTraceID(ctx, id)
	log := logger.From(ctx)

	started := s.now()
	report, err := s.reconciler.Run(ctx, dryRun)

	rec := RunRecord{
		ID:        id,
		Trigger:   trigger,
		StartedAt: started.UTC(),
		Took:      s.now().Sub(started),
		DryRun:    dryRun,
		Findings:  report.Counts(),
		Failures:  len(report.Failures),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if serr := s.store.Append(rec); serr != nil {
		log.Warn("Failed to record reconciliation run", "error", serr)
	}

	if err == nil {
		log.Info("Reconciliation run finished",
			"trigger", trigger,
			"dry_run", dryRun,
			"findings", rec.Findings,
			"failures", rec.Failures,
			"took_ms", rec.Took.Milliseconds(),
		)
	}
	return report, err
}

// missedRun reports whether a pass is due at start: either configured, or
// a scheduled run fell into the time the daemon was down.
func (s *Scheduler) missedRun() bool {
	if s.runOnStart {
		return true
	}
	last, ok := s.store.Last()
	if !ok {
		return false
	}
	return s.schedule.Next(last.StartedAt).Before(s.now())
}

func (s *Scheduler) waitForInFlightTasks() {
	ticker := time.NewTicker(s.inFlightPollInterval)
	defer ticker.Stop()

	for {
		s.mu.RLock()
		count := s.inFlightTasks
		s.mu.RUnlock()
		if count == 0 {
			return
		}

		slog.Info("Waiting for in-flight reconciliation", "count", count)
		<-ticker.C
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
