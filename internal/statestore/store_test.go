package statestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	kerrors "github.com/harunnryd/kanri/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "onboarding.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onboarding.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	v, err := SchemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, ApplyMigrations(ctx, s.DB()))
}

func TestCreateAndGet(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithClock(clock.Now), WithExpiry(24*time.Hour))
	ctx := context.Background()

	created, err := s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, created.Status)

	rec, err := s.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, "user_a", rec.AgentID)
	assert.True(t, clock.Now().Equal(rec.CreatedAt))
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, clock.Now().Add(24*time.Hour).Equal(*rec.ExpiresAt))

	byAgent, err := s.GetByAgentID(ctx, "user_a")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byAgent.ID)

	_, err = s.Get(ctx, "+15550000002")
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))
}

func TestCreateConflictIsDetectedByConstraint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)

	_, err = s.Create(ctx, "+15550000001", "user_b", StatusNew)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.ErrConflict))

	rec, err := s.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, "user_a", rec.AgentID)
}

func TestConcurrentCreateHasOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Create(ctx, "+15550000001", fmt.Sprintf("user_%d", i), StatusNew)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case kerrors.Is(err, kerrors.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}

func TestCancelledRecordAllowsNewLiveRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "+15550000001", StatusCancelled))

	_, err = s.Create(ctx, "+15550000001", "user_b", StatusNew)
	require.NoError(t, err)

	rec, err := s.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, "user_b", rec.AgentID)
	assert.True(t, rec.Live())

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	name := "Ada"
	err := s.Update(ctx, "+15550000001", Fields{Name: &name})
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))

	_, err = s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)

	// Empty update is a no-op, even for missing identities.
	require.NoError(t, s.Update(ctx, "+19999999999", Fields{}))

	email := "ada@example.com"
	require.NoError(t, s.Update(ctx, "+15550000001", Fields{Name: &name, Email: &email}))

	rec, err := s.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, "Ada", rec.Name)
	assert.Equal(t, "ada@example.com", rec.Email)
	assert.Equal(t, StatusNew, rec.Status)
}

func TestSetStatusAppendsTransitionAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)

	for _, st := range []Status{StatusPendingWelcome, StatusCollectingInfo, StatusReadyForHandover, StatusComplete} {
		require.NoError(t, s.SetStatus(ctx, "+15550000001", st))
	}

	log, err := s.Transitions(ctx, "+15550000001")
	require.NoError(t, err)
	require.Len(t, log, 5)
	assert.Equal(t, Status(""), log[0].From)
	assert.Equal(t, StatusNew, log[0].To)
	assert.Equal(t, StatusReadyForHandover, log[4].From)
	assert.Equal(t, StatusComplete, log[4].To)
}

func TestSetStatusRejectsBackwardsAndUnknown(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "+15550000001", StatusCollectingInfo))

	err = s.SetStatus(ctx, "+15550000001", StatusPendingWelcome)
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidTransition))

	err = s.SetStatus(ctx, "+15550000001", Status("archived"))
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidInput))

	rec, err := s.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, StatusCollectingInfo, rec.Status)
}

func TestSetStatusIgnoresTerminalExit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "+15550000001", StatusCancelled))

	require.NoError(t, s.SetStatus(ctx, "+15550000001", StatusActive))

	rec, err := s.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)

	log, err := s.Transitions(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestSetStatusUnknownIdentityLogsNullFrom(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, "+15550000009", StatusCancelled))

	log, err := s.Transitions(ctx, "+15550000009")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, Status(""), log[0].From)
	assert.Equal(t, StatusCancelled, log[0].To)
}

func TestCancelLeavesCompleteAndLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	identity := "+15550000001"

	_, err := s.Create(ctx, identity, "user_a", StatusNew)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, identity, StatusComplete))

	ok, err := s.Cancel(ctx, identity, "user_other")
	require.NoError(t, err)
	assert.False(t, ok, "record owned by another agent")

	ok, err = s.Cancel(ctx, identity, "user_a")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)

	log, err := s.Transitions(ctx, identity)
	require.NoError(t, err)
	last := log[len(log)-1]
	assert.Equal(t, StatusComplete, last.From)
	assert.Equal(t, StatusCancelled, last.To)

	ok, err = s.Cancel(ctx, identity, "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Cancel(ctx, "+15559999999", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOAuthFailedDoesNotBlockFieldUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "+15550000001", StatusCollectingInfo))
	require.NoError(t, s.SetStatus(ctx, "+15550000001", StatusOAuthFailed))

	email := "x@example.com"
	require.NoError(t, s.Update(ctx, "+15550000001", Fields{Email: &email}))
	require.NoError(t, s.SetStatus(ctx, "+15550000001", StatusCollectingInfo))

	rec, err := s.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, StatusCollectingInfo, rec.Status)
	assert.Equal(t, "x@example.com", rec.Email)
}

func TestNonceIsSingleUse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)
	require.NoError(t, s.SetOAuthNonce(ctx, "+15550000001", "nonce-1"))

	found, err := s.FindByNonce(ctx, "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, "+15550000001", found.Identity)

	ok, err := s.ConsumeOAuthNonce(ctx, "+15550000001", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ConsumeOAuthNonce(ctx, "+15550000001", "nonce-1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, OAuthComplete, rec.OAuthStatus)
	assert.Empty(t, rec.OAuthNonce)

	ok, err = s.ConsumeOAuthNonce(ctx, "+15550000001", "nonce-1")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := s.Get(ctx, "+15550000001")
	require.NoError(t, err)
	assert.Equal(t, OAuthComplete, again.OAuthStatus)

	_, err = s.FindByNonce(ctx, "nonce-1")
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))
}

func TestSetOAuthNonceRequiresLiveRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.SetOAuthNonce(ctx, "+15550000001", "n")
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))

	_, err = s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "+15550000001", StatusCancelled))

	err = s.SetOAuthNonce(ctx, "+15550000001", "n")
	assert.True(t, kerrors.Is(err, kerrors.ErrNotFound))
}

func TestListPendingNonce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "+15550000001", "user_a", StatusNew)
	require.NoError(t, err)
	_, err = s.Create(ctx, "+15550000002", "user_b", StatusNew)
	require.NoError(t, err)
	_, err = s.Create(ctx, "+15550000003", "user_c", StatusNew)
	require.NoError(t, err)
	_, err = s.Create(ctx, "+15550000004", "user_d", StatusNew)
	require.NoError(t, err)

	require.NoError(t, s.SetOAuthStatus(ctx, "+15550000001", OAuthPending))
	require.NoError(t, s.SetOAuthNonce(ctx, "+15550000002", "nonce-b"))
	require.NoError(t, s.SetOAuthStatus(ctx, "+15550000004", OAuthFailed))

	pending, err := s.ListPendingNonce(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "+15550000001", pending[0].Identity)
	assert.Equal(t, "+15550000003", pending[1].Identity)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusActive, true},
		{StatusNew, StatusPendingWelcome, true},
		{StatusActive, StatusPendingWelcome, true},
		{StatusPendingWelcome, StatusCollectingInfo, true},
		{StatusCollectingInfo, StatusReadyForHandover, true},
		{StatusReadyForHandover, StatusComplete, true},
		{StatusNew, StatusCollectingInfo, true},
		{StatusCollectingInfo, StatusNew, false},
		{StatusReadyForHandover, StatusActive, false},
		{StatusNew, StatusCancelled, true},
		{StatusReadyForHandover, StatusCancelled, true},
		{StatusActive, StatusOAuthFailed, true},
		{StatusOAuthFailed, StatusCollectingInfo, true},
		{StatusOAuthFailed, StatusComplete, true},
		{StatusOAuthFailed, StatusNew, false},
		{StatusComplete, StatusCancelled, false},
		{StatusCancelled, StatusNew, false},
		{StatusNew, StatusNew, false},
		{StatusNew, Status("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
