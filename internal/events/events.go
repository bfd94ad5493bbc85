// Package events carries the closed set of lifecycle events emitted by
// provisioning and reconciliation.
package events

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Meta is stamped by the Registry when left empty.
type Meta struct {
	ID string
	At time.Time
}

func (m Meta) stamped() Meta {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	return m
}

type AgentProvisioned struct {
	Meta
	Identity string
	AgentID  string
	NonceSet bool
	Took     time.Duration
}

type ProvisionFailed struct {
	Meta
	Identity string
	AgentID  string
	Step     string
	Err      error
	Took     time.Duration
}

type ProvisionRolledBack struct {
	Meta
	Identity string
	AgentID  string
	Reason   string
	// Outcome is "restored" or "compensated"; empty when the rollback failed.
	Outcome    string
	RestoreErr error
}

type RecordCancelled struct {
	Meta
	Identity string
	AgentID  string
	From     string
	Reason   string
}

type AgentRemoved struct {
	Meta
	AgentID string
	Err     error
}

type BindingsPruned struct {
	Meta
	AgentIDs []string
}

type ReconcileCompleted struct {
	Meta
	DryRun   bool
	Findings map[string]int
	Failures int
	Took     time.Duration
}

// Listener has one method per event kind.
type Listener interface {
	OnAgentProvisioned(ctx context.Context, e AgentProvisioned)
	OnProvisionFailed(ctx context.Context, e ProvisionFailed)
	OnProvisionRolledBack(ctx context.Context, e ProvisionRolledBack)
	OnRecordCancelled(ctx context.Context, e RecordCancelled)
	OnAgentRemoved(ctx context.Context, e AgentRemoved)
	OnBindingsPruned(ctx context.Context, e BindingsPruned)
	OnReconcileCompleted(ctx context.Context, e ReconcileCompleted)
}

// NopListener ignores every event. Embed it to handle a subset.
type NopListener struct{}

func (NopListener) OnAgentProvisioned(context.Context, AgentProvisioned)       {}
func (NopListener) OnProvisionFailed(context.Context, ProvisionFailed)         {}
func (NopListener) OnProvisionRolledBack(context.Context, ProvisionRolledBack) {}
func (NopListener) OnRecordCancelled(context.Context, RecordCancelled)         {}
func (NopListener) OnAgentRemoved(context.Context, AgentRemoved)               {}
func (NopListener) OnBindingsPruned(context.Context, BindingsPruned)           {}
func (NopListener) OnReconcileCompleted(context.Context, ReconcileCompleted)   {}
