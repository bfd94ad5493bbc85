// Package metrics exposes Prometheus collectors for provisioning and reconciliation.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ProvisionTotal    *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	Rollbacks         *prometheus.CounterVec

	ReconcileRuns     *prometheus.CounterVec
	ReconcileFindings *prometheus.CounterVec
	RecordsCancelled  *prometheus.CounterVec
	AgentsRemoved     *prometheus.CounterVec

	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers collectors on reg. A nil reg gets a private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ProvisionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kanri_provision_total",
			Help: "Provisioning calls by result (created, existing, failed).",
		}, []string{"result"}),

		ProvisionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kanri_provision_duration_seconds",
			Help:    "Latency of provisioning calls that created an agent.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kanri_provision_rollbacks_total",
			Help: "Config document rollbacks by outcome.",
		}, []string{"outcome"}),

		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kanri_reconcile_runs_total",
			Help: "Reconciliation passes by status (clean, repaired, partial, dry_run).",
		}, []string{"status"}),

		ReconcileFindings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kanri_reconcile_findings_total",
			Help: "Divergences found by category.",
		}, []string{"category"}),

		RecordsCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kanri_records_cancelled_total",
			Help: "Onboarding records cancelled by reason.",
		}, []string{"reason"}),

		AgentsRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kanri_agents_removed_total",
			Help: "Orphaned agent removals by result.",
		}, []string{"result"}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kanri_tool_calls_total",
			Help: "Provisioning tool invocations by operation and result category.",
		}, []string{"op", "result"}),

		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kanri_tool_call_duration_seconds",
			Help:    "Provisioning tool invocation latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveToolCall matches the provisioner's OnCall hook.
func (m *Metrics) ObserveToolCall(op string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = errors.Category(err)
	}
	m.ToolCalls.WithLabelValues(op, result).Inc()
	m.ToolDuration.WithLabelValues(op).Observe(took.Seconds())
}

// ObserveExisting counts a provisioning call answered from existing state.
func (m *Metrics) ObserveExisting() {
	m.ProvisionTotal.WithLabelValues("existing").Inc()
}

// Listener returns an events.Listener that feeds these collectors.
func (m *Metrics) Listener() events.Listener {
	return &listener{m: m}
}

type listener struct {
	events.NopListener
	m *Metrics
}

func (l *listener) OnAgentProvisioned(_ context.Context, e events.AgentProvisioned) {
	l.m.ProvisionTotal.WithLabelValues("created").Inc()
	l.m.ProvisionDuration.Observe(e.Took.Seconds())
}

func (l *listener) OnProvisionFailed(context.Context, events.ProvisionFailed) {
	l.m.ProvisionTotal.WithLabelValues("failed").Inc()
}

func (l *listener) OnProvisionRolledBack(_ context.Context, e events.ProvisionRolledBack) {
	outcome := e.Outcome
	switch {
	case e.RestoreErr != nil:
		outcome = "restore_failed"
	case outcome == "":
		outcome = "restored"
	}
	l.m.Rollbacks.WithLabelValues(outcome).Inc()
}

func (l *listener) OnRecordCancelled(_ context.Context, e events.RecordCancelled) {
	l.m.RecordsCancelled.WithLabelValues(e.Reason).Inc()
}

func (l *listener) OnAgentRemoved(_ context.Context, e events.AgentRemoved) {
	result := "ok"
	if e.Err != nil {
		result = "failed"
	}
	l.m.AgentsRemoved.WithLabelValues(result).Inc()
}

func (l *listener) OnReconcileCompleted(_ context.Context, e events.ReconcileCompleted) {
	total := 0
	for category, n := range e.Findings {
		if n > 0 {
			l.m.ReconcileFindings.WithLabelValues(category).Add(float64(n))
		}
		total += n
	}

	status := "clean"
	switch {
	case e.DryRun:
		status = "dry_run"
	case e.Failures > 0:
		status = "partial"
	case total > 0:
		status = "repaired"
	}
	l.m.ReconcileRuns.WithLabelValues(status).Inc()
}
