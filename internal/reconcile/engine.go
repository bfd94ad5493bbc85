// Package reconcile repairs drift between the config document and the
// onboarding records.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kanri/internal/configdoc"
	"github.com/harunnryd/kanri/internal/events"
	"github.com/harunnryd/kanri/internal/logger"
	"github.com/harunnryd/kanri/internal/statestore"
)

// DefaultStaleThreshold is how long a record may sit in a non-terminal
// status without an update.
const DefaultStaleThreshold = 24 * time.Hour

type Documents interface {
	Read(ctx context.Context) (*configdoc.Document, error)
	RemoveAgent(ctx context.Context, agentID string) (bool, error)
	RemoveBindings(ctx context.Context, drop func(configdoc.Binding) bool) ([]configdoc.Binding, error)
}

type Records interface {
	List(ctx context.Context) ([]statestore.Record, error)
	Cancel(ctx context.Context, identity, agentID string) (bool, error)
}

// AgentRemover is the removal half of provisioner.Tool.
type AgentRemover interface {
	RemoveAgent(ctx context.Context, agentID string) error
}

type WorkspaceRemover interface {
	Remove(agentID string) error
}

// Pending reports agents a running workflow has added to the document but
// not yet committed a record for.
type Pending interface {
	Pending(agentID string) bool
}

// Deps are the collaborators of an Engine. Workspaces, Pending and Events
// may be nil.
type Deps struct {
	Documents  Documents
	Records    Records
	Tool       AgentRemover
	Workspaces WorkspaceRemover
	Pending    Pending
	Events     events.Listener
}

type Options struct {
	StaleThreshold time.Duration
	// ManagedPrefix limits orphan removal to agents this orchestrator
	// created. Empty means every agent is managed.
	ManagedPrefix string
	Now           func() time.Time
}

type Engine struct {
	docs    Documents
	records Records
	tool    AgentRemover
	ws      WorkspaceRemover
	pending Pending
	events  events.Listener
	opts    Options

	// mu keeps passes from overlapping inside one process.
	mu sync.Mutex
}

func NewEngine(deps Deps, opts Options) (*Engine, error) {
	if deps.Documents == nil || deps.Records == nil || deps.Tool == nil {
		return nil, fmt.Errorf("reconcile: documents, records and tool are required")
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ev := deps.Events
	if ev == nil {
		ev = events.NopListener{}
	}
	return &Engine{
		docs:    deps.Documents,
		records: deps.Records,
		tool:    deps.Tool,
		ws:      deps.Workspaces,
		pending: deps.Pending,
		events:  ev,
		opts:    opts,
	}, nil
}

// Run performs one pass. Snapshot failures are returned as errors; repair
// failures are collected in the report and never stop other categories.
func (e *Engine) Run(ctx context.Context, dryRun bool) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := logger.From(ctx).With("component", "reconcile", "dry_run", dryRun)
	start := e.opts.Now()
	report := Report{DryRun: dryRun, StartedAt: start.UTC()}

	doc, err := e.docs.Read(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: read config document: %w", err)
	}
	records, err := e.records.List(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: list records: %w", err)
	}

	e.classify(doc, records, start, &report)

	if report.Empty() {
		log.Debug("Reconciliation found nothing")
	} else {
		log.Info("Reconciliation findings", "counts", report.Counts())
		if !dryRun {
			e.repairAgents(ctx, &report)
			e.repairBindings(ctx, &report)
			e.repairRecords(ctx, &report)
		}
	}

	report.Took = e.opts.Now().Sub(start)
	e.events.OnReconcileCompleted(ctx, events.ReconcileCompleted{
		DryRun:   dryRun,
		Findings: report.Counts(),
		Failures: len(report.Failures),
		Took:     report.Took,
	})
	return report, nil
}

func (e *Engine) classify(doc *configdoc.Document, records []statestore.Record, now time.Time, report *Report) {
	agents := doc.AgentIDs()

	referenced := make(map[string]struct{}, len(records))
	var live []statestore.Record
	for _, rec := range records {
		// A cancelled record still owns its agent.
		referenced[rec.AgentID] = struct{}{}
		if rec.Live() {
			live = append(live, rec)
		}
	}

	for _, a := range doc.Agents.List {
		if _, ok := referenced[a.ID]; ok {
			continue
		}
		if e.opts.ManagedPrefix != "" && !strings.HasPrefix(a.ID, e.opts.ManagedPrefix) {
			continue
		}
		if e.pending != nil && e.pending.Pending(a.ID) {
			continue
		}
		report.OrphanedAgents = append(report.OrphanedAgents, a.ID)
	}
	sort.Strings(report.OrphanedAgents)

	for _, b := range doc.Bindings {
		if _, ok := agents[b.AgentID]; !ok {
			report.InvalidBindings = append(report.InvalidBindings, b)
		}
	}

	for _, rec := range live {
		ref := RecordRef{Identity: rec.Identity, AgentID: rec.AgentID, Status: rec.Status, UpdatedAt: rec.UpdatedAt}
		if _, ok := agents[rec.AgentID]; !ok {
			report.OrphanedRecords = append(report.OrphanedRecords, ref)
			continue
		}
		if !rec.Status.Terminal() && now.Sub(rec.UpdatedAt) > e.opts.StaleThreshold {
			report.StaleRecords = append(report.StaleRecords, ref)
		}
	}
}

// repairAgents removes orphaned agents through the tool. A failed removal
// is logged once and left for the next pass.
func (e *Engine) repairAgents(ctx context.Context, report *Report) {
	log := logger.From(ctx)

	for _, id := range report.OrphanedAgents {
		if err := e.tool.RemoveAgent(ctx, id); err != nil {
			log.Warn("Orphaned agent not removed", "agent_id", id, "error", err)
			report.fail(CategoryOrphanedAgents, id, err)
			e.events.OnAgentRemoved(ctx, events.AgentRemoved{AgentID: id, Err: err})
			continue
		}

		if _, err := e.docs.RemoveAgent(ctx, id); err != nil {
			log.Warn("Orphaned agent entry not removed from config document", "agent_id", id, "error", err)
			report.fail(CategoryOrphanedAgents, id, err)
			e.events.OnAgentRemoved(ctx, events.AgentRemoved{AgentID: id, Err: err})
			continue
		}

		if e.ws != nil {
			if err := e.ws.Remove(id); err != nil {
				log.Warn("Orphaned agent workspace not removed", "agent_id", id, "error", err)
			}
		}

		report.RemovedAgents = append(report.RemovedAgents, id)
		e.events.OnAgentRemoved(ctx, events.AgentRemoved{AgentID: id})
	}
}

// repairBindings drops every invalid binding in one write.
func (e *Engine) repairBindings(ctx context.Context, report *Report) {
	if len(report.InvalidBindings) == 0 {
		return
	}

	invalid := make(map[string]struct{}, len(report.InvalidBindings))
	for _, b := range report.InvalidBindings {
		invalid[b.AgentID] = struct{}{}
	}

	dropped, err := e.docs.RemoveBindings(ctx, func(b configdoc.Binding) bool {
		_, ok := invalid[b.AgentID]
		return ok
	})
	if err != nil {
		logger.From(ctx).Warn("Invalid bindings not pruned", "error", err)
		report.fail(CategoryInvalidBindings, "", err)
		return
	}

	report.PrunedBindings = len(dropped)
	ids := make([]string, 0, len(invalid))
	for id := range invalid {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	e.events.OnBindingsPruned(ctx, events.BindingsPruned{AgentIDs: ids})
}

func (e *Engine) repairRecords(ctx context.Context, report *Report) {
	e.cancel(ctx, report, CategoryOrphanedRecords, "orphaned", report.OrphanedRecords)
	e.cancel(ctx, report, CategoryStaleRecords, "stale", report.StaleRecords)
}

func (e *Engine) cancel(ctx context.Context, report *Report, category, reason string, refs []RecordRef) {
	for _, ref := range refs {
		cancelled, err := e.records.Cancel(ctx, ref.Identity, ref.AgentID)
		if err != nil {
			logger.From(ctx).Warn("Record not cancelled",
				"identity", logger.RedactIdentity(ref.Identity),
				"reason", reason,
				"error", err,
			)
			report.fail(category, logger.RedactIdentity(ref.Identity), err)
			continue
		}
		if !cancelled {
			continue
		}
		report.CancelledRecords = append(report.CancelledRecords, ref.Identity)
		e.events.OnRecordCancelled(ctx, events.RecordCancelled{
			Identity: ref.Identity,
			AgentID:  ref.AgentID,
			From:     string(ref.Status),
			Reason:   reason,
		})
	}
}
