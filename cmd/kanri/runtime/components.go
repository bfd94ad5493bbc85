package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/configdoc"
	"github.com/harunnryd/kanri/internal/daemon"
	"github.com/harunnryd/kanri/internal/daemon/components"
	"github.com/harunnryd/kanri/internal/onboarding"
	"github.com/harunnryd/kanri/internal/provisioner"
	"github.com/harunnryd/kanri/internal/scheduler"
	"github.com/harunnryd/kanri/internal/statestore"
)

// RuntimeComponents is the daemon's component graph initialized without
// starting background work, for one-shot commands.
type RuntimeComponents struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	Config *config.Config

	Telemetry      *components.TelemetryComponent
	StateStore     *components.StateStoreComponent
	ConfigDocument *components.ConfigDocumentComponent
	Provisioner    *components.ProvisionerComponent
	Onboarding     *components.OnboardingComponent
	Scheduler      *components.SchedulerComponent

	initialized []daemon.Component
}

func NewRuntimeComponents(ctx context.Context, cfg *config.Config, tool provisioner.Tool) (*RuntimeComponents, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	rc := &RuntimeComponents{
		Ctx:    ctx,
		Cancel: cancel,
		Config: cfg,
	}

	rc.Telemetry = components.NewTelemetryComponent()
	rc.StateStore = components.NewStateStoreComponent(cfg)
	rc.ConfigDocument = components.NewConfigDocumentComponent(cfg)
	if tool != nil {
		rc.Provisioner = components.NewProvisionerComponentWithTool(tool)
	} else {
		rc.Provisioner = components.NewProvisionerComponent(cfg, rc.Telemetry)
	}
	rc.Onboarding = components.NewOnboardingComponent(cfg, rc.StateStore, rc.ConfigDocument, rc.Provisioner, rc.Telemetry)
	rc.Scheduler = components.NewSchedulerComponent(cfg, rc.Onboarding)

	order := []daemon.Component{
		rc.Telemetry,
		rc.StateStore,
		rc.ConfigDocument,
		rc.Provisioner,
		rc.Onboarding,
		rc.Scheduler,
	}
	for _, comp := range order {
		if err := comp.Init(ctx); err != nil {
			rc.Stop()
			return nil, fmt.Errorf("init %s: %w", comp.Name(), err)
		}
		rc.initialized = append(rc.initialized, comp)
	}

	return rc, nil
}

func (rc *RuntimeComponents) Service() *onboarding.Service {
	return rc.Onboarding.Service()
}

func (rc *RuntimeComponents) Records() *statestore.Store {
	return rc.StateStore.Store()
}

func (rc *RuntimeComponents) Document() *configdoc.Store {
	return rc.ConfigDocument.Store()
}

func (rc *RuntimeComponents) Reconciler() *scheduler.Scheduler {
	return rc.Scheduler.GetScheduler()
}

// Stop releases initialized components in reverse order.
func (rc *RuntimeComponents) Stop() {
	var errs []error
	for i := len(rc.initialized) - 1; i >= 0; i-- {
		comp := rc.initialized[i]
		if err := comp.Stop(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), err))
		}
	}
	rc.initialized = nil
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Runtime shutdown incomplete", "error", err)
	}
	if rc.Cancel != nil {
		rc.Cancel()
	}
}
