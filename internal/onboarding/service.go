package onboarding

import (
	"context"
	"fmt"

	kerrors "github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/events"
	"github.com/harunnryd/kanri/internal/logger"
	"github.com/harunnryd/kanri/internal/reconcile"
	"github.com/harunnryd/kanri/internal/statestore"
)

// Records is the full statestore surface the service needs.
type Records interface {
	StateStore
	Update(ctx context.Context, identity string, f statestore.Fields) error
	SetStatus(ctx context.Context, identity string, status statestore.Status) error
	FindByNonce(ctx context.Context, nonce string) (statestore.Record, error)
	ConsumeOAuthNonce(ctx context.Context, identity, nonce string) (bool, error)
	SetOAuthStatus(ctx context.Context, identity, oauthStatus string) error
	ListPendingNonce(ctx context.Context) ([]statestore.Record, error)
	List(ctx context.Context) ([]statestore.Record, error)
	Transitions(ctx context.Context, identity string) ([]statestore.Transition, error)
}

type Reconciler interface {
	Run(ctx context.Context, dryRun bool) (reconcile.Report, error)
}

// Update is a partial change to an onboarding record. A status change goes
// through the transition rules; name and email are written as given.
type Update struct {
	Status *statestore.Status
	Name   *string
	Email  *string
}

func (u Update) empty() bool {
	return u.Status == nil && u.Name == nil && u.Email == nil
}

// Service is the operation surface callers outside the package use.
type Service struct {
	workflow   *Workflow
	records    Records
	reconciler Reconciler
}

func NewService(workflow *Workflow, records Records, reconciler Reconciler) *Service {
	return &Service{workflow: workflow, records: records, reconciler: reconciler}
}

func (s *Service) Provision(ctx context.Context, identity string) (Result, error) {
	return s.workflow.Provision(ctx, identity)
}

// GetOnboardingState returns the current record for identity.
func (s *Service) GetOnboardingState(ctx context.Context, identity string) (statestore.Record, error) {
	return s.records.Get(ctx, identity)
}

// History returns the transition log for identity.
func (s *Service) History(ctx context.Context, identity string) ([]statestore.Transition, error) {
	return s.records.Transitions(ctx, identity)
}

func (s *Service) UpdateOnboardingState(ctx context.Context, identity string, u Update) error {
	const op = "onboarding.UpdateOnboardingState"

	if u.empty() {
		return kerrors.InvalidInput(op, "at least one of status, name or email is required")
	}
	if u.Status != nil && !u.Status.Valid() {
		return kerrors.InvalidInput(op, fmt.Sprintf("unknown status %q", *u.Status))
	}
	if _, err := s.records.Get(ctx, identity); err != nil {
		return err
	}

	if err := s.records.Update(ctx, identity, statestore.Fields{Name: u.Name, Email: u.Email}); err != nil {
		return err
	}
	if u.Status != nil {
		return s.SetStatus(ctx, identity, *u.Status)
	}
	return nil
}

// SetStatus moves identity's record along the status graph.
func (s *Service) SetStatus(ctx context.Context, identity string, status statestore.Status) error {
	rec, err := s.records.Get(ctx, identity)
	if err != nil {
		return err
	}
	if err := s.records.SetStatus(ctx, identity, status); err != nil {
		return err
	}

	if status == statestore.StatusCancelled && !rec.Status.Terminal() {
		s.workflow.events.OnRecordCancelled(ctx, events.RecordCancelled{
			Identity: identity,
			AgentID:  rec.AgentID,
			From:     string(rec.Status),
			Reason:   "requested",
		})
	}
	return nil
}

// Handover completes onboarding and returns the agent that takes over.
func (s *Service) Handover(ctx context.Context, identity string) (string, error) {
	rec, err := s.records.Get(ctx, identity)
	if err != nil {
		return "", err
	}
	if !rec.Live() {
		return "", kerrors.NotFound("onboarding.Handover", "no live record for identity")
	}
	if err := s.records.SetStatus(ctx, identity, statestore.StatusComplete); err != nil {
		return "", err
	}
	logger.From(ctx).Info("Onboarding handed over",
		"identity", logger.RedactIdentity(identity),
		"agent_id", rec.AgentID,
	)
	return rec.AgentID, nil
}

// ConsumeOAuthNonce reports whether nonce matched identity's outstanding
// nonce. A match can happen once.
func (s *Service) ConsumeOAuthNonce(ctx context.Context, identity, nonce string) (bool, error) {
	return s.records.ConsumeOAuthNonce(ctx, identity, nonce)
}

// CompleteOAuth resolves a callback that carries only the nonce.
func (s *Service) CompleteOAuth(ctx context.Context, nonce string) (statestore.Record, error) {
	rec, err := s.records.FindByNonce(ctx, nonce)
	if err != nil {
		return statestore.Record{}, err
	}
	ok, err := s.records.ConsumeOAuthNonce(ctx, rec.Identity, nonce)
	if err != nil {
		return statestore.Record{}, err
	}
	if !ok {
		return statestore.Record{}, kerrors.NotFound("onboarding.CompleteOAuth", "nonce already used")
	}
	rec.OAuthNonce = ""
	rec.OAuthStatus = statestore.OAuthComplete
	return rec, nil
}

// MarkOAuthFailed records a failed OAuth exchange. The record stays usable
// and may be retried.
func (s *Service) MarkOAuthFailed(ctx context.Context, identity string) error {
	if err := s.records.SetOAuthStatus(ctx, identity, statestore.OAuthFailed); err != nil {
		return err
	}
	return s.records.SetStatus(ctx, identity, statestore.StatusOAuthFailed)
}

// SweepOAuthHealth checks the stored tokens of every live record that
// completed OAuth and marks unhealthy ones failed. It returns the agent ids
// it marked. A per-record failure is logged and skipped.
func (s *Service) SweepOAuthHealth(ctx context.Context) ([]string, error) {
	if !s.workflow.opts.OAuthEnabled {
		return nil, nil
	}

	recs, err := s.records.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.workflow.now()
	var marked []string
	for _, rec := range recs {
		if !rec.Live() || rec.OAuthStatus != statestore.OAuthComplete {
			continue
		}
		rctx := logger.WithIdentity(ctx, rec.Identity)
		log := logger.From(rctx)

		health, err := s.workflow.ws.CheckToken(rec.AgentID, now, s.workflow.opts.OAuthExpiryWindow)
		if err != nil {
			log.Warn("OAuth token not checked", "agent_id", rec.AgentID, "error", err)
			continue
		}
		if health.Healthy {
			continue
		}
		if err := s.MarkOAuthFailed(rctx, rec.Identity); err != nil {
			log.Warn("OAuth failure not recorded", "agent_id", rec.AgentID, "reason", health.Reason, "error", err)
			continue
		}
		log.Warn("OAuth token unhealthy, marked failed", "agent_id", rec.AgentID, "reason", health.Reason)
		marked = append(marked, rec.AgentID)
	}
	return marked, nil
}

func (s *Service) RunReconciliation(ctx context.Context, dryRun bool) (reconcile.Report, error) {
	if s.reconciler == nil {
		return reconcile.Report{}, kerrors.Internal("onboarding.RunReconciliation", "reconciler not configured", nil)
	}
	return s.reconciler.Run(ctx, dryRun)
}

// RegenerateMissingNonces issues a nonce to every live record still waiting
// on OAuth without one. It is a no-op when OAuth is off.
func (s *Service) RegenerateMissingNonces(ctx context.Context) (int, error) {
	if !s.workflow.opts.OAuthEnabled {
		return 0, nil
	}

	pending, err := s.records.ListPendingNonce(ctx)
	if err != nil {
		return 0, err
	}

	log := logger.From(ctx)
	issued := 0
	for _, rec := range pending {
		nonce, err := s.workflow.newNonce()
		if err != nil {
			return issued, kerrors.Internal("onboarding.RegenerateMissingNonces", "generate nonce", err)
		}
		if err := s.records.SetOAuthNonce(ctx, rec.Identity, nonce); err != nil {
			log.Warn("Nonce not regenerated", "agent_id", rec.AgentID, "error", err)
			continue
		}
		if err := s.workflow.ws.WriteFile(rec.AgentID, NonceFile, []byte(nonce)); err != nil {
			log.Warn("Nonce hint not written", "agent_id", rec.AgentID, "error", err)
		}
		issued++
	}

	if issued > 0 {
		log.Info("Regenerated missing nonces", "count", issued)
	}
	return issued, nil
}
