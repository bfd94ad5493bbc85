package reconcile

import (
	"time"

	"github.com/harunnryd/kanri/internal/configdoc"
	"github.com/harunnryd/kanri/internal/statestore"
)

// Finding categories, also used as metric labels.
const (
	CategoryOrphanedAgents  = "orphaned_agents"
	CategoryInvalidBindings = "invalid_bindings"
	CategoryOrphanedRecords = "orphaned_records"
	CategoryStaleRecords    = "stale_records"
)

// RecordRef names one record a pass found.
type RecordRef struct {
	Identity  string            `json:"identity" yaml:"identity"`
	AgentID   string            `json:"agent_id" yaml:"agent_id"`
	Status    statestore.Status `json:"status" yaml:"status"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Failure is one repair that did not happen.
type Failure struct {
	Category string `json:"category" yaml:"category"`
	ID       string `json:"id" yaml:"id"`
	Error    string `json:"error" yaml:"error"`
}

// Report is the outcome of one pass.
type Report struct {
	DryRun    bool          `json:"dry_run" yaml:"dry_run"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Took      time.Duration `json:"took" yaml:"took"`

	OrphanedAgents  []string            `json:"orphaned_agents" yaml:"orphaned_agents"`
	InvalidBindings []configdoc.Binding `json:"invalid_bindings" yaml:"invalid_bindings"`
	OrphanedRecords []RecordRef         `json:"orphaned_records" yaml:"orphaned_records"`
	StaleRecords    []RecordRef         `json:"stale_records" yaml:"stale_records"`

	RemovedAgents    []string `json:"removed_agents,omitempty" yaml:"removed_agents,omitempty"`
	PrunedBindings   int      `json:"pruned_bindings" yaml:"pruned_bindings"`
	CancelledRecords []string `json:"cancelled_records,omitempty" yaml:"cancelled_records,omitempty"`

	Failures []Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Counts returns the number of findings per category.
func (r Report) Counts() map[string]int {
	return map[string]int{
		CategoryOrphanedAgents:  len(r.OrphanedAgents),
		CategoryInvalidBindings: len(r.InvalidBindings),
		CategoryOrphanedRecords: len(r.OrphanedRecords),
		CategoryStaleRecords:    len(r.StaleRecords),
	}
}

// Empty reports whether the pass found nothing.
func (r Report) Empty() bool {
	for _, n := range r.Counts() {
		if n > 0 {
			return false
		}
	}
	return true
}

func (r *Report) fail(category, id string, err error) {
	r.Failures = append(r.Failures, Failure{Category: category, ID: id, Error: err.Error()})
}
