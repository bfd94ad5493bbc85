package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/daemon"
	"github.com/harunnryd/kanri/internal/events"
	"github.com/harunnryd/kanri/internal/onboarding"
	"github.com/harunnryd/kanri/internal/reconcile"
	"github.com/harunnryd/kanri/internal/sandboxpolicy"
	"github.com/harunnryd/kanri/internal/statestore"
	"github.com/harunnryd/kanri/internal/workspace"
)

// OnboardingComponent assembles the provisioning workflow, the
// reconciliation engine and the service facade over both.
type OnboardingComponent struct {
	cfg       *config.Config
	state     *StateStoreComponent
	doc       *ConfigDocumentComponent
	tool      *ProvisionerComponent
	telemetry *TelemetryComponent

	service *onboarding.Service
	engine  *reconcile.Engine
}

func NewOnboardingComponent(cfg *config.Config, state *StateStoreComponent, doc *ConfigDocumentComponent, tool *ProvisionerComponent, telemetry *TelemetryComponent) *OnboardingComponent {
	return &OnboardingComponent{
		cfg:       cfg,
		state:     state,
		doc:       doc,
		tool:      tool,
		telemetry: telemetry,
	}
}

func (o *OnboardingComponent) Name() string {
	return "Onboarding"
}

func (o *OnboardingComponent) Dependencies() []string {
	deps := []string{"StateStore", "ConfigDocument", "Provisioner"}
	if o.telemetry != nil {
		deps = append(deps, "Telemetry")
	}
	return deps
}

func (o *OnboardingComponent) Init(ctx context.Context) error {
	if o.state.Store() == nil || o.doc.Store() == nil || o.tool.Tool() == nil {
		return fmt.Errorf("onboarding dependencies not initialized")
	}

	d, err := o.cfg.ParseDurations()
	if err != nil {
		return err
	}

	generation, err := sandboxpolicy.GenerationFor(o.cfg.Sandbox.PolicyGeneration)
	if err != nil {
		return err
	}
	sb := o.cfg.Sandbox
	builder := sandboxpolicy.NewBuilder(sandboxpolicy.Template{
		Mode:            sb.Mode,
		Scope:           sb.Scope,
		Image:           sb.Image,
		Network:         sb.Network,
		Memory:          sb.Memory,
		CPUs:            sb.CPUs,
		PidsLimit:       sb.PidsLimit,
		TimeoutMs:       sb.TimeoutMs,
		WorkspaceAccess: sb.WorkspaceAccess,
		ConfigDirRoot:   sb.ConfigDirRoot,
	})

	var listener events.Listener = events.NopListener{}
	var onExisting func()
	if o.telemetry != nil {
		listener = o.telemetry.Events()
		onExisting = o.telemetry.Metrics().ObserveExisting
	}

	store := o.state.Store()
	workspaces := workspace.NewManager(o.cfg.Paths.StateDir, o.cfg.Onboarding.TemplateDir)

	workflow, err := onboarding.NewWorkflow(onboarding.Deps{
		State:      store,
		Config:     o.doc.Store(),
		Tool:       o.tool.Tool(),
		Workspaces: workspaces,
		Builder:    builder,
		Validator:  sandboxpolicy.NewValidator(generation),
		Events:     listener,
	}, onboarding.Options{
		Channel:       o.cfg.Onboarding.Channel,
		AgentName:     o.cfg.Onboarding.AgentName,
		InitialStatus: statestore.Status(o.cfg.Onboarding.InitialStatus),
		OAuthEnabled:  o.cfg.Onboarding.OAuthEnabled,
		ReloadGateway: o.cfg.Provisioner.ReloadGateway,
		OnExisting:    onExisting,

		OAuthExpiryWindow: d.OAuthExpiryWindow,
	})
	if err != nil {
		return err
	}

	engine, err := reconcile.NewEngine(reconcile.Deps{
		Documents:  o.doc.Store(),
		Records:    store,
		Tool:       o.tool.Tool(),
		Workspaces: workspaces,
		Pending:    workflow.InFlight(),
		Events:     listener,
	}, reconcile.Options{
		StaleThreshold: d.StaleThreshold,
		ManagedPrefix:  o.cfg.Reconcile.ManagedPrefix,
	})
	if err != nil {
		return err
	}

	o.engine = engine
	o.service = onboarding.NewService(workflow, store, engine)
	slog.Info("Onboarding initialized", "component", o.Name(), "channel", o.cfg.Onboarding.Channel, "oauth", o.cfg.Onboarding.OAuthEnabled)
	return nil
}

// Start reissues nonces lost to a failure after a record was committed.
func (o *OnboardingComponent) Start(ctx context.Context) error {
	n, err := o.service.RegenerateMissingNonces(ctx)
	if err != nil {
		slog.Warn("Nonce regeneration failed", "component", o.Name(), "error", err)
		return nil
	}
	if n > 0 {
		slog.Info("Regenerated missing OAuth nonces", "component", o.Name(), "count", n)
	}
	return nil
}

func (o *OnboardingComponent) Stop(ctx context.Context) error {
	return nil
}

func (o *OnboardingComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if o.service == nil {
		return daemon.Unhealthy(o.Name(), errNotInitialized), nil
	}
	return daemon.Healthy(o.Name()), nil
}

func (o *OnboardingComponent) Service() *onboarding.Service {
	return o.service
}

func (o *OnboardingComponent) Engine() *reconcile.Engine {
	return o.engine
}
