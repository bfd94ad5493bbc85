package components

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/daemon"
	"github.com/harunnryd/kanri/internal/provisioner"

	"github.com/sony/gobreaker"
)

// ProvisionerComponent wraps the external provisioning tool.
type ProvisionerComponent struct {
	cfg       *config.Config
	telemetry *TelemetryComponent
	tool      provisioner.Tool
	injected  bool
}

func NewProvisionerComponent(cfg *config.Config, telemetry *TelemetryComponent) *ProvisionerComponent {
	return &ProvisionerComponent{cfg: cfg, telemetry: telemetry}
}

// NewProvisionerComponentWithTool uses tool instead of the configured CLI.
func NewProvisionerComponentWithTool(tool provisioner.Tool) *ProvisionerComponent {
	return &ProvisionerComponent{tool: tool, injected: true}
}

func (p *ProvisionerComponent) Name() string {
	return "Provisioner"
}

func (p *ProvisionerComponent) Dependencies() []string {
	if p.injected {
		return []string{}
	}
	return []string{"Telemetry"}
}

func (p *ProvisionerComponent) Init(ctx context.Context) error {
	if p.injected {
		return nil
	}
	if p.telemetry == nil || p.telemetry.Metrics() == nil {
		return fmt.Errorf("telemetry not initialized")
	}

	d, err := p.cfg.ParseDurations()
	if err != nil {
		return err
	}

	m := p.telemetry.Metrics()
	cli, err := provisioner.NewCLI(provisioner.CLIConfig{
		Command:            p.cfg.Provisioner.Command,
		Timeout:            d.ToolTimeout,
		BreakerMaxFailures: p.cfg.Provisioner.BreakerMaxFailures,
		BreakerOpen:        d.BreakerOpen,
		OnCall: func(op string, took time.Duration, err error) {
			m.ObserveToolCall(op, took, err)
		},
	})
	if err != nil {
		return fmt.Errorf("configure provisioning tool: %w", err)
	}
	p.tool = cli

	slog.Info("Provisioner initialized", "component", p.Name(), "command", p.cfg.Provisioner.Command)
	return nil
}

// Start probes the tool once. A missing binary is logged, not fatal: the
// workflow reports ExternalTool errors per request.
func (p *ProvisionerComponent) Start(ctx context.Context) error {
	version, err := p.tool.Version(ctx)
	if err != nil {
		slog.Warn("Provisioning tool version probe failed", "component", p.Name(), "error", err)
		return nil
	}
	slog.Info("Provisioning tool available", "component", p.Name(), "version", version)
	return nil
}

func (p *ProvisionerComponent) Stop(ctx context.Context) error {
	return nil
}

func (p *ProvisionerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if p.tool == nil {
		return daemon.Unhealthy(p.Name(), errNotInitialized), nil
	}
	if cli, ok := p.tool.(*provisioner.CLI); ok && cli.BreakerState() == gobreaker.StateOpen {
		return daemon.Unhealthy(p.Name(), fmt.Errorf("circuit breaker open")), nil
	}
	return daemon.Healthy(p.Name()), nil
}

func (p *ProvisionerComponent) Tool() provisioner.Tool {
	return p.tool
}
