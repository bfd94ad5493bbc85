package events

import (
	"context"
	"log/slog"

	"github.com/harunnryd/kanri/internal/logger"
)

// AuditListener writes every event as a structured record in the audit group.
type AuditListener struct {
	log *slog.Logger
}

func NewAuditListener(log *slog.Logger) *AuditListener {
	if log == nil {
		log = slog.Default()
	}
	return &AuditListener{log: log.WithGroup("audit")}
}

func (a *AuditListener) OnAgentProvisioned(ctx context.Context, e AgentProvisioned) {
	a.log.InfoContext(ctx, "Agent provisioned",
		"event_id", e.ID,
		"identity", logger.RedactIdentity(e.Identity),
		"agent_id", e.AgentID,
		"nonce_issued", e.NonceSet,
		"took_ms", e.Took.Milliseconds(),
	)
}

func (a *AuditListener) OnProvisionFailed(ctx context.Context, e ProvisionFailed) {
	a.log.ErrorContext(ctx, "Agent provisioning failed",
		"event_id", e.ID,
		"identity", logger.RedactIdentity(e.Identity),
		"agent_id", e.AgentID,
		"step", e.Step,
		"error", e.Err,
	)
}

func (a *AuditListener) OnProvisionRolledBack(ctx context.Context, e ProvisionRolledBack) {
	level := slog.LevelWarn
	if e.RestoreErr != nil {
		level = slog.LevelError
	}
	a.log.Log(ctx, level, "Config document rolled back",
		"event_id", e.ID,
		"identity", logger.RedactIdentity(e.Identity),
		"agent_id", e.AgentID,
		"reason", e.Reason,
		"outcome", e.Outcome,
		"restore_error", e.RestoreErr,
	)
}

func (a *AuditListener) OnRecordCancelled(ctx context.Context, e RecordCancelled) {
	a.log.InfoContext(ctx, "Onboarding record cancelled",
		"event_id", e.ID,
		"identity", logger.RedactIdentity(e.Identity),
		"agent_id", e.AgentID,
		"from", e.From,
		"reason", e.Reason,
	)
}

func (a *AuditListener) OnAgentRemoved(ctx context.Context, e AgentRemoved) {
	if e.Err != nil {
		a.log.WarnContext(ctx, "Orphaned agent removal failed", "event_id", e.ID, "agent_id", e.AgentID, "error", e.Err)
		return
	}
	a.log.InfoContext(ctx, "Orphaned agent removed", "event_id", e.ID, "agent_id", e.AgentID)
}

func (a *AuditListener) OnBindingsPruned(ctx context.Context, e BindingsPruned) {
	a.log.InfoContext(ctx, "Invalid bindings pruned", "event_id", e.ID, "count", len(e.AgentIDs), "agent_ids", e.AgentIDs)
}

func (a *AuditListener) OnReconcileCompleted(ctx context.Context, e ReconcileCompleted) {
	a.log.InfoContext(ctx, "Reconciliation pass completed",
		"event_id", e.ID,
		"dry_run", e.DryRun,
		"findings", e.Findings,
		"failures", e.Failures,
		"took_ms", e.Took.Milliseconds(),
	)
}

var _ Listener = (*AuditListener)(nil)
