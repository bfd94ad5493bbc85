package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/daemon"
	"github.com/harunnryd/kanri/internal/trigger"
)

// WatcherComponent provisions agents for identities that show up in the
// welcome agent's sessions file.
type WatcherComponent struct {
	cfg            *config.Config
	onboardingComp *OnboardingComponent
	watcher        *trigger.Watcher
}

func NewWatcherComponent(cfg *config.Config, onboardingComp *OnboardingComponent) *WatcherComponent {
	return &WatcherComponent{cfg: cfg, onboardingComp: onboardingComp}
}

func (w *WatcherComponent) Name() string {
	return "Watcher"
}

func (w *WatcherComponent) Dependencies() []string {
	return []string{"Onboarding"}
}

func (w *WatcherComponent) Init(ctx context.Context) error {
	if !w.cfg.Watcher.Enabled {
		slog.Info("Session watcher disabled", "component", w.Name())
		return nil
	}
	if w.onboardingComp == nil || w.onboardingComp.Service() == nil {
		return fmt.Errorf("onboarding not initialized")
	}

	poll, err := config.DurationOrDefault(w.cfg.Watcher.PollInterval, config.DefaultWatcherPollInterval)
	if err != nil {
		return fmt.Errorf("parse watcher poll interval: %w", err)
	}

	source := trigger.NewSessionFileSource(w.cfg.SessionsPath(), w.cfg.Watcher.AgentID, w.cfg.Onboarding.Channel)
	w.watcher = trigger.NewWatcher(source, w.onboardingComp.Service(), trigger.NewKnownIdentities(w.cfg.Watcher.CacheSize), trigger.Options{
		PollInterval: poll,
		RatePerSec:   w.cfg.Watcher.RatePerSec,
		Burst:        w.cfg.Watcher.Burst,
	})

	slog.Info("Session watcher initialized", "component", w.Name(), "path", source.Path())
	return nil
}

func (w *WatcherComponent) Start(ctx context.Context) error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Start(ctx)
}

func (w *WatcherComponent) Stop(ctx context.Context) error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Stop(ctx)
}

func (w *WatcherComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if w.watcher == nil {
		return daemon.Healthy(w.Name()), nil
	}
	if err := w.watcher.Health(ctx); err != nil {
		return daemon.Unhealthy(w.Name(), err), nil
	}
	return daemon.Healthy(w.Name()), nil
}
