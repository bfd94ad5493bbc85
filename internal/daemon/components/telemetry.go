package components

import (
	"context"
	"log/slog"

	"github.com/harunnryd/kanri/internal/daemon"
	"github.com/harunnryd/kanri/internal/events"
	"github.com/harunnryd/kanri/internal/metrics"
)

// TelemetryComponent owns the Prometheus collectors and the event registry
// every other component publishes to.
type TelemetryComponent struct {
	metrics  *metrics.Metrics
	registry *events.Registry
}

func NewTelemetryComponent() *TelemetryComponent {
	return &TelemetryComponent{}
}

func (t *TelemetryComponent) Name() string {
	return "Telemetry"
}

func (t *TelemetryComponent) Dependencies() []string {
	return []string{}
}

func (t *TelemetryComponent) Init(ctx context.Context) error {
	t.metrics = metrics.NewMetrics(nil)
	t.registry = events.NewRegistry(
		events.NewAuditListener(slog.Default()),
		t.metrics.Listener(),
	)
	slog.Info("Telemetry initialized", "component", t.Name(), "listeners", t.registry.Len())
	return nil
}

func (t *TelemetryComponent) Start(ctx context.Context) error {
	return nil
}

func (t *TelemetryComponent) Stop(ctx context.Context) error {
	return nil
}

func (t *TelemetryComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if t.metrics == nil {
		return daemon.Unhealthy(t.Name(), errNotInitialized), nil
	}
	return daemon.Healthy(t.Name()), nil
}

func (t *TelemetryComponent) Metrics() *metrics.Metrics {
	return t.metrics
}

func (t *TelemetryComponent) Events() *events.Registry {
	return t.registry
}
