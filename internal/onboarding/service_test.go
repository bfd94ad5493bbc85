package onboarding

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	kerrors "github.com/harunnryd/kanri/internal/errors"
	"github.com/harunnryd/kanri/internal/reconcile"
	"github.com/harunnryd/kanri/internal/statestore"
	"github.com/harunnryd/kanri/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func statusPtr(s statestore.Status) *statestore.Status { return &s }

func TestUpdateOnboardingState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	identity := "+15551234567"

	err := f.service.UpdateOnboardingState(ctx, identity, Update{Name: strPtr("Ana")})
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))

	_, err = f.service.Provision(ctx, identity)
	require.NoError(t, err)

	err = f.service.UpdateOnboardingState(ctx, identity, Update{})
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidInput))

	err = f.service.UpdateOnboardingState(ctx, identity, Update{Status: statusPtr("bogus")})
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidInput))

	require.NoError(t, f.service.UpdateOnboardingState(ctx, identity, Update{
		Name:   strPtr("Ana"),
		Email:  strPtr("ana@example.com"),
		Status: statusPtr(statestore.StatusCollectingInfo),
	}))

	rec, err := f.service.GetOnboardingState(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, "Ana", rec.Name)
	assert.Equal(t, "ana@example.com", rec.Email)
	assert.Equal(t, statestore.StatusCollectingInfo, rec.Status)

	history, err := f.service.History(ctx, identity)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, statestore.StatusNew, history[1].From)
	assert.Equal(t, statestore.StatusCollectingInfo, history[1].To)

	err = f.service.UpdateOnboardingState(ctx, identity, Update{Status: statusPtr(statestore.StatusNew)})
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidTransition))
}

func TestSetStatusEmitsCancellation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	identity := "+15551234567"

	err := f.service.SetStatus(ctx, identity, statestore.StatusActive)
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))

	res, err := f.service.Provision(ctx, identity)
	require.NoError(t, err)

	require.NoError(t, f.service.SetStatus(ctx, identity, statestore.StatusCancelled))
	require.Len(t, f.events.cancelled, 1)
	assert.Equal(t, res.AgentID, f.events.cancelled[0].AgentID)
	assert.Equal(t, "requested", f.events.cancelled[0].Reason)

	// A cancelled identity provisions a fresh agent.
	again, err := f.service.Provision(ctx, identity)
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.NotEqual(t, res.AgentID, again.AgentID)
}

func TestHandover(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	identity := "+15551234567"

	_, err := f.service.Handover(ctx, identity)
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))

	res, err := f.service.Provision(ctx, identity)
	require.NoError(t, err)

	agentID, err := f.service.Handover(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, res.AgentID, agentID)

	rec, err := f.service.GetOnboardingState(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusComplete, rec.Status)
}

func TestCompleteOAuthIsSingleUse(t *testing.T) {
	f := newFixture(t, Options{OAuthEnabled: true})
	ctx := context.Background()
	identity := "+15551234567"

	res, err := f.service.Provision(ctx, identity)
	require.NoError(t, err)
	require.NotEmpty(t, res.Nonce)

	ok, err := f.service.ConsumeOAuthNonce(ctx, identity, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := f.service.CompleteOAuth(ctx, res.Nonce)
	require.NoError(t, err)
	assert.Equal(t, res.AgentID, rec.AgentID)
	assert.Equal(t, statestore.OAuthComplete, rec.OAuthStatus)

	_, err = f.service.CompleteOAuth(ctx, res.Nonce)
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))

	ok, err = f.service.ConsumeOAuthNonce(ctx, identity, res.Nonce)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkOAuthFailed(t *testing.T) {
	f := newFixture(t, Options{OAuthEnabled: true})
	ctx := context.Background()
	identity := "+15551234567"

	_, err := f.service.Provision(ctx, identity)
	require.NoError(t, err)

	require.NoError(t, f.service.MarkOAuthFailed(ctx, identity))

	rec, err := f.service.GetOnboardingState(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusOAuthFailed, rec.Status)
	assert.Equal(t, statestore.OAuthFailed, rec.OAuthStatus)

	// Field updates still work and the flow can resume.
	require.NoError(t, f.service.UpdateOnboardingState(ctx, identity, Update{
		Name:   strPtr("Ana"),
		Status: statusPtr(statestore.StatusCollectingInfo),
	}))
}

func TestRegenerateMissingNonces(t *testing.T) {
	f := newFixture(t, Options{OAuthEnabled: true})
	ctx := context.Background()

	// A record committed without a nonce, as after a failed nonce write.
	layout, err := f.ws.Manager.Create("user_orphan_nonce")
	require.NoError(t, err)
	_, err = f.records.Create(ctx, "+15550000001", "user_orphan_nonce", statestore.StatusNew)
	require.NoError(t, err)

	// A provisioned record already has one.
	_, err = f.service.Provision(ctx, "+15550000002")
	require.NoError(t, err)

	n, err := f.service.RegenerateMissingNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.records.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.OAuthNonce)
	assert.Equal(t, statestore.OAuthPending, rec.OAuthStatus)

	hint, err := os.ReadFile(filepath.Join(layout.Workspace, NonceFile))
	require.NoError(t, err)
	assert.Equal(t, rec.OAuthNonce, string(hint))

	n, err = f.service.RegenerateMissingNonces(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegenerateMissingNoncesOffWithoutOAuth(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.records.Create(ctx, "+15550000001", "user_a", statestore.StatusNew)
	require.NoError(t, err)

	n, err := f.service.RegenerateMissingNonces(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type stubReconciler struct {
	dryRun bool
}

func (s *stubReconciler) Run(_ context.Context, dryRun bool) (reconcile.Report, error) {
	s.dryRun = dryRun
	return reconcile.Report{DryRun: dryRun}, nil
}

func TestRunReconciliation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.service.RunReconciliation(ctx, false)
	assert.True(t, kerrors.Is(err, kerrors.ErrInternal))

	stub := &stubReconciler{}
	svc := NewService(f.workflow, f.records, stub)
	report, err := svc.RunReconciliation(ctx, true)
	require.NoError(t, err)
	assert.True(t, stub.dryRun)
	assert.True(t, report.DryRun)
}

func TestSweepOAuthHealthMarksUnhealthyTokens(t *testing.T) {
	f := newFixture(t, Options{OAuthEnabled: true})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.workflow.now = func() time.Time { return now }
	ctx := context.Background()

	writeToken := func(agentID string, expiry time.Time) {
		layout, err := f.ws.LayoutFor(agentID)
		require.NoError(t, err)
		path := filepath.Join(layout.AgentDir, workspace.TokenFile)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
		body := []byte(`{"expiry": ` + strconv.FormatInt(expiry.UnixMilli(), 10) + `}`)
		require.NoError(t, os.WriteFile(path, body, 0o600))
	}

	healthy, err := f.service.Provision(ctx, "+15550000001")
	require.NoError(t, err)
	writeToken(healthy.AgentID, now.Add(180*24*time.Hour))
	require.NoError(t, f.records.SetOAuthStatus(ctx, "+15550000001", statestore.OAuthComplete))

	expired, err := f.service.Provision(ctx, "+15550000002")
	require.NoError(t, err)
	writeToken(expired.AgentID, now.Add(-time.Hour))
	require.NoError(t, f.records.SetOAuthStatus(ctx, "+15550000002", statestore.OAuthComplete))

	// Still waiting on OAuth, so no token is expected yet.
	_, err = f.service.Provision(ctx, "+15550000003")
	require.NoError(t, err)

	marked, err := f.service.SweepOAuthHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{expired.AgentID}, marked)

	rec, err := f.records.Get(ctx, "+15550000002")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusOAuthFailed, rec.Status)
	assert.Equal(t, statestore.OAuthFailed, rec.OAuthStatus)

	rec, err = f.records.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, statestore.OAuthComplete, rec.OAuthStatus)

	rec, err = f.records.Get(ctx, "+15550000003")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusNew, rec.Status)

	again, err := f.service.SweepOAuthHealth(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSweepOAuthHealthOffWithoutOAuth(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.service.Provision(ctx, "+15550000001")
	require.NoError(t, err)
	require.NoError(t, f.records.SetOAuthStatus(ctx, "+15550000001", statestore.OAuthComplete))

	marked, err := f.service.SweepOAuthHealth(ctx)
	require.NoError(t, err)
	assert.Empty(t, marked)
}
