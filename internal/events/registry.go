package events

import (
	"context"
	"log/slog"
	"sync"
)

// Registry fans each event out to the registered listeners in order.
// A panicking listener is logged and does not stop the others.
type Registry struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewRegistry(listeners ...Listener) *Registry {
	r := &Registry{}
	for _, l := range listeners {
		r.Register(l)
	}
	return r
}

func (r *Registry) Register(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

func (r *Registry) each(kind string, fn func(Listener)) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("Event listener panicked", "event", kind, "panic", rec)
				}
			}()
			fn(l)
		}()
	}
}

func (r *Registry) OnAgentProvisioned(ctx context.Context, e AgentProvisioned) {
	e.Meta = e.Meta.stamped()
	r.each("agent_provisioned", func(l Listener) { l.OnAgentProvisioned(ctx, e) })
}

func (r *Registry) OnProvisionFailed(ctx context.Context, e ProvisionFailed) {
	e.Meta = e.Meta.stamped()
	r.each("provision_failed", func(l Listener) { l.OnProvisionFailed(ctx, e) })
}

func (r *Registry) OnProvisionRolledBack(ctx context.Context, e ProvisionRolledBack) {
	e.Meta = e.Meta.stamped()
	r.each("provision_rolled_back", func(l Listener) { l.OnProvisionRolledBack(ctx, e) })
}

func (r *Registry) OnRecordCancelled(ctx context.Context, e RecordCancelled) {
	e.Meta = e.Meta.stamped()
	r.each("record_cancelled", func(l Listener) { l.OnRecordCancelled(ctx, e) })
}

func (r *Registry) OnAgentRemoved(ctx context.Context, e AgentRemoved) {
	e.Meta = e.Meta.stamped()
	r.each("agent_removed", func(l Listener) { l.OnAgentRemoved(ctx, e) })
}

func (r *Registry) OnBindingsPruned(ctx context.Context, e BindingsPruned) {
	e.Meta = e.Meta.stamped()
	r.each("bindings_pruned", func(l Listener) { l.OnBindingsPruned(ctx, e) })
}

func (r *Registry) OnReconcileCompleted(ctx context.Context, e ReconcileCompleted) {
	e.Meta = e.Meta.stamped()
	r.each("reconcile_completed", func(l Listener) { l.OnReconcileCompleted(ctx, e) })
}

var _ Listener = (*Registry)(nil)
