package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/daemon"
	"github.com/harunnryd/kanri/internal/scheduler"
)

type SchedulerComponent struct {
	sched          *scheduler.Scheduler
	cfg            *config.Config
	onboardingComp *OnboardingComponent
}

func NewSchedulerComponent(cfg *config.Config, onboardingComp *OnboardingComponent) *SchedulerComponent {
	return &SchedulerComponent{
		cfg:            cfg,
		onboardingComp: onboardingComp,
	}
}

func (s *SchedulerComponent) Name() string {
	return "Scheduler"
}

func (s *SchedulerComponent) Dependencies() []string {
	return []string{"Onboarding"}
}

func (s *SchedulerComponent) Init(ctx context.Context) error {
	if s.onboardingComp == nil || s.onboardingComp.Engine() == nil {
		return fmt.Errorf("onboarding not initialized")
	}

	store, err := scheduler.NewRunStore(s.cfg.ReconcileHistoryPath(), s.cfg.Reconcile.HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to open reconcile history: %w", err)
	}
	sched, err := scheduler.NewScheduler(store, s.onboardingComp.Engine(), s.cfg.Reconcile)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.sched = sched

	if ob := s.cfg.Onboarding; ob.OAuthEnabled && strings.TrimSpace(ob.OAuthHealthSchedule) != "" {
		if err := s.sched.SetOAuthSweep(s.onboardingComp.Service(), ob.OAuthHealthSchedule); err != nil {
			return err
		}
	}

	if !s.cfg.Reconcile.Enabled {
		slog.Info("Scheduled reconciliation disabled", "component", s.Name())
		return nil
	}
	return s.sched.Init(ctx)
}

func (s *SchedulerComponent) Start(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not initialized")
	}
	if !s.cfg.Reconcile.Enabled {
		return nil
	}
	if err := s.sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

func (s *SchedulerComponent) Stop(ctx context.Context) error {
	if s.sched == nil || !s.cfg.Reconcile.Enabled {
		return nil
	}
	if err := s.sched.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

func (s *SchedulerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if s.sched == nil {
		return daemon.Unhealthy(s.Name(), errNotInitialized), nil
	}
	if !s.cfg.Reconcile.Enabled {
		return daemon.Healthy(s.Name()), nil
	}
	if err := s.sched.Health(ctx); err != nil {
		return daemon.Unhealthy(s.Name(), err), nil
	}
	return daemon.Healthy(s.Name()), nil
}

// GetScheduler also serves manual triggers when the schedule is disabled.
func (s *SchedulerComponent) GetScheduler() *scheduler.Scheduler {
	return s.sched
}
