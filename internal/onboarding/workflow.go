// Package onboarding provisions an isolated agent for an identity and
// exposes the onboarding state operations built on top of it.
package onboarding

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kanri/internal/configdoc"
	kerrors "github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/events"
	"github.com/harunnryd/kanri/internal/logger"
	"github.com/harunnryd/kanri/internal/provisioner"
	"github.com/harunnryd/kanri/internal/sandboxpolicy"
	"github.com/harunnryd/kanri/internal/statestore"
	"github.com/harunnryd/kanri/internal/workspace"

	"github.com/google/uuid"
)

// AgentIDPrefix marks agents this orchestrator created.
const AgentIDPrefix = "user_"

// NonceFile is written into the workspace so the agent can build the
// OAuth link for its user.
const NonceFile = ".oauth-nonce"

// Workflow step names, reported in ProvisionFailed events.
const (
	stepLookup    = "lookup"
	stepAgentID   = "agent_id"
	stepBackup    = "backup"
	stepPolicy    = "policy"
	stepConfig    = "config"
	stepTool      = "tool"
	stepWorkspace = "workspace"
	stepNonce     = "nonce"
	stepRecord    = "record"
	stepOAuth     = "oauth_nonce"
)

// StateStore is the part of statestore.Store the workflow writes through.
type StateStore interface {
	Get(ctx context.Context, identity string) (statestore.Record, error)
	Create(ctx context.Context, identity, agentID string, status statestore.Status) (statestore.Record, error)
	SetOAuthNonce(ctx context.Context, identity, nonce string) error
}

// ConfigDocument is the part of configdoc.Store the workflow writes through.
type ConfigDocument interface {
	Backup(ctx context.Context) (configdoc.BackupHandle, error)
	AddAgent(ctx context.Context, entry configdoc.AgentEntry, binding configdoc.Binding) error
	RollbackAgent(ctx context.Context, handle configdoc.BackupHandle, agentID string) (configdoc.RollbackOutcome, error)
	Discard(handle configdoc.BackupHandle) error
}

type Workspaces interface {
	LayoutFor(agentID string) (workspace.Layout, error)
	Create(agentID string) (workspace.Layout, error)
	Remove(agentID string) error
	WriteFile(agentID, name string, data []byte) error
	CheckToken(agentID string, now time.Time, window time.Duration) (workspace.TokenHealth, error)
}

type PolicyBuilder interface {
	Build(identity string) (*sandboxpolicy.Policy, error)
}

type PolicyValidator interface {
	Validate(p *sandboxpolicy.Policy) error
}

// Deps are the collaborators of a Workflow. Events may be nil.
type Deps struct {
	State      StateStore
	Config     ConfigDocument
	Tool       provisioner.Tool
	Workspaces Workspaces
	Builder    PolicyBuilder
	Validator  PolicyValidator
	Events     events.Listener
}

type Options struct {
	Channel       string
	AgentName     string
	InitialStatus statestore.Status
	OAuthEnabled  bool
	// ReloadGateway asks the tool to reload routing after a commit.
	ReloadGateway bool
	// OnExisting runs when Provision answers from an existing record.
	OnExisting func()
	// OAuthExpiryWindow is how close to expiry a stored token counts as
	// failed. Zero uses workspace.DefaultTokenWindow.
	OAuthExpiryWindow time.Duration
}

// Result is what Provision hands back to the boundary.
type Result struct {
	AgentID string `json:"agentId" yaml:"agent_id"`
	Nonce   string `json:"nonce,omitempty" yaml:"nonce,omitempty"`
	// Created is false when an existing live record answered the call.
	Created bool `json:"created" yaml:"created"`
}

// Workflow runs the provisioning sequence for one identity at a time per
// call. Concurrent calls for the same identity converge on one agent.
type Workflow struct {
	state     StateStore
	doc       ConfigDocument
	tool      provisioner.Tool
	ws        Workspaces
	builder   PolicyBuilder
	validator PolicyValidator
	events    events.Listener
	opts      Options
	inflight  *InFlight

	newAgentID func() (string, error)
	newNonce   func() (string, error)
	now        func() time.Time
}

func NewWorkflow(deps Deps, opts Options) (*Workflow, error) {
	switch {
	case deps.State == nil:
		return nil, fmt.Errorf("onboarding: state store is required")
	case deps.Config == nil:
		return nil, fmt.Errorf("onboarding: config document is required")
	case deps.Tool == nil:
		return nil, fmt.Errorf("onboarding: provisioning tool is required")
	case deps.Workspaces == nil:
		return nil, fmt.Errorf("onboarding: workspace manager is required")
	case deps.Builder == nil || deps.Validator == nil:
		return nil, fmt.Errorf("onboarding: policy builder and validator are required")
	}

	if opts.InitialStatus == "" {
		opts.InitialStatus = statestore.StatusNew
	}
	if !opts.InitialStatus.Valid() || opts.InitialStatus.Terminal() {
		return nil, fmt.Errorf("onboarding: invalid initial status %q", opts.InitialStatus)
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("onboarding: channel is required")
	}

	ev := deps.Events
	if ev == nil {
		ev = events.NopListener{}
	}

	return &Workflow{
		state:      deps.State,
		doc:        deps.Config,
		tool:       deps.Tool,
		ws:         deps.Workspaces,
		builder:    deps.Builder,
		validator:  deps.Validator,
		events:     ev,
		opts:       opts,
		inflight:   NewInFlight(),
		newAgentID: NewAgentID,
		newNonce:   NewNonce,
		now:        time.Now,
	}, nil
}

// InFlight exposes the agents whose records are not committed yet.
func (w *Workflow) InFlight() *InFlight {
	return w.inflight
}

// Provision makes sure identity has a provisioned agent and returns its id.
//
// The config document is mutated before the record is committed. Every
// failure up to and including the record insert undoes the earlier steps
// in reverse. Once the record is committed nothing is rolled back.
func (w *Workflow) Provision(ctx context.Context, identity string) (Result, error) {
	const op = "onboarding.Provision"

	if strings.TrimSpace(identity) == "" {
		return Result{}, kerrors.InvalidInput(op, "identity is empty")
	}

	start := w.now()
	ctx = logger.WithIdentity(ctx, identity)
	log := logger.From(ctx)

	existing, err := w.state.Get(ctx, identity)
	switch {
	case err == nil && existing.Live():
		log.Debug("Identity already provisioned", "agent_id", existing.AgentID)
		if w.opts.OnExisting != nil {
			w.opts.OnExisting()
		}
		return Result{AgentID: existing.AgentID}, nil
	case err != nil && !kerrors.Is(err, kerrors.ErrNotFound):
		return Result{}, w.fail(ctx, identity, "", stepLookup, err, start)
	}

	// Callers cannot abandon a started workflow half way. Each external
	// call below carries its own bound.
	ctx = context.WithoutCancel(ctx)

	agentID, err := w.newAgentID()
	if err != nil {
		return Result{}, w.fail(ctx, identity, "", stepAgentID, kerrors.Internal(op, "generate agent id", err), start)
	}
	w.inflight.add(agentID)
	defer w.inflight.remove(agentID)
	log = log.With("agent_id", agentID)

	handle, err := w.doc.Backup(ctx)
	if err != nil {
		return Result{}, w.fail(ctx, identity, agentID, stepBackup, err, start)
	}

	u := &undo{w: w, identity: identity, agentID: agentID, handle: handle}

	policy, err := w.builder.Build(identity)
	if err == nil {
		err = w.validator.Validate(policy)
	}
	if err != nil {
		u.run(ctx, stepPolicy)
		if kerrors.KindOf(err) != kerrors.KindPolicyViolation {
			err = kerrors.Internal(op, "build sandbox policy", err)
		}
		return Result{}, w.fail(ctx, identity, agentID, stepPolicy, err, start)
	}

	layout, err := w.ws.LayoutFor(agentID)
	if err != nil {
		u.run(ctx, stepConfig)
		return Result{}, w.fail(ctx, identity, agentID, stepConfig, err, start)
	}
	entry := configdoc.AgentEntry{
		ID:        agentID,
		Name:      w.opts.AgentName,
		Workspace: layout.Workspace,
		AgentDir:  layout.AgentDir,
		Sandbox:   policy,
	}
	if err := w.doc.AddAgent(ctx, entry, configdoc.NewBinding(agentID, w.opts.Channel, identity)); err != nil {
		u.run(ctx, stepConfig)
		return Result{}, w.fail(ctx, identity, agentID, stepConfig, err, start)
	}
	u.mutated = true

	if err := w.tool.CreateAgent(ctx, agentID); err != nil {
		u.run(ctx, stepTool)
		return Result{}, w.fail(ctx, identity, agentID, stepTool, err, start)
	}
	u.created = true

	u.laidOut = true
	if _, err := w.ws.Create(agentID); err != nil {
		u.run(ctx, stepWorkspace)
		return Result{}, w.fail(ctx, identity, agentID, stepWorkspace, err, start)
	}

	var nonce string
	if w.opts.OAuthEnabled {
		if nonce, err = w.newNonce(); err != nil {
			u.run(ctx, stepNonce)
			return Result{}, w.fail(ctx, identity, agentID, stepNonce, kerrors.Internal(op, "generate nonce", err), start)
		}
	}

	if _, err := w.state.Create(ctx, identity, agentID, w.opts.InitialStatus); err != nil {
		u.run(ctx, stepRecord)
		if kerrors.Is(err, kerrors.ErrConflict) {
			if winner, gerr := w.state.Get(ctx, identity); gerr == nil && winner.Live() {
				log.Info("Lost provisioning race, using existing agent", "winner", winner.AgentID)
				if w.opts.OnExisting != nil {
					w.opts.OnExisting()
				}
				return Result{AgentID: winner.AgentID}, nil
			}
		}
		return Result{}, w.fail(ctx, identity, agentID, stepRecord, err, start)
	}

	// Committed. From here on failures are reported, never undone.
	if err := w.doc.Discard(handle); err != nil {
		log.Warn("Backup not discarded after commit", "backup", handle, "error", err)
	}

	res := Result{AgentID: agentID, Created: true}
	if nonce != "" {
		if err := w.state.SetOAuthNonce(ctx, identity, nonce); err != nil {
			// RegenerateMissingNonces issues one later.
			log.Warn("Agent committed without OAuth nonce", "step", stepOAuth, "error", err)
		} else {
			res.Nonce = nonce
			if err := w.ws.WriteFile(agentID, NonceFile, []byte(nonce)); err != nil {
				log.Warn("Nonce hint not written", "error", err)
			}
		}
	}

	if w.opts.ReloadGateway {
		if err := w.tool.ReloadGateway(ctx); err != nil {
			log.Warn("Gateway reload failed, routing picks the agent up on next reload", "error", err)
		}
	}

	w.events.OnAgentProvisioned(ctx, events.AgentProvisioned{
		Identity: identity,
		AgentID:  agentID,
		NonceSet: res.Nonce != "",
		Took:     w.now().Sub(start),
	})
	return res, nil
}

func (w *Workflow) fail(ctx context.Context, identity, agentID, step string, err error, start time.Time) error {
	w.events.OnProvisionFailed(ctx, events.ProvisionFailed{
		Identity: identity,
		AgentID:  agentID,
		Step:     step,
		Err:      err,
		Took:     w.now().Sub(start),
	})
	return err
}

// undo reverses the steps a failed workflow completed.
type undo struct {
	w        *Workflow
	identity string
	agentID  string
	handle   configdoc.BackupHandle

	mutated bool
	created bool
	laidOut bool
}

func (u *undo) run(ctx context.Context, reason string) {
	log := logger.From(ctx).With("agent_id", u.agentID, "reason", reason)

	if u.laidOut {
		if err := u.w.ws.Remove(u.agentID); err != nil {
			log.Warn("Workspace not removed during rollback", "error", err)
		}
	}
	if u.created {
		if err := u.w.tool.RemoveAgent(ctx, u.agentID); err != nil {
			log.Warn("Agent not removed during rollback", "error", err)
		}
	}

	if !u.mutated {
		if err := u.w.doc.Discard(u.handle); err != nil {
			log.Warn("Backup not discarded", "backup", u.handle, "error", err)
		}
		return
	}

	outcome, err := u.w.doc.RollbackAgent(ctx, u.handle, u.agentID)
	ev := events.ProvisionRolledBack{
		Identity:   u.identity,
		AgentID:    u.agentID,
		Reason:     reason,
		RestoreErr: err,
	}
	if err == nil {
		ev.Outcome = outcome.String()
	}
	u.w.events.OnProvisionRolledBack(ctx, ev)
}

// InFlight is the set of agent ids whose config entry may exist before
// their record does.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]int
}

func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]int)}
}

func (f *InFlight) add(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[agentID]++
}

func (f *InFlight) remove(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids[agentID] <= 1 {
		delete(f.ids, agentID)
		return
	}
	f.ids[agentID]--
}

// Pending reports whether a workflow is still working on agentID.
func (f *InFlight) Pending(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[agentID] > 0
}

// NewAgentID returns "user_" followed by 32 hex digits of a v4 UUID.
func NewAgentID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return AgentIDPrefix + hex.EncodeToString(u[:]), nil
}

// NewNonce returns 32 random bytes, base64url encoded without padding.
func NewNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
