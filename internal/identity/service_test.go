package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"caseflow.io/internal/audit"
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *captureAudit, *testClock) {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()
	trail := &captureAudit{}
	svc, err := NewService(store, NewMemoryRegistry(clock.Now), audit.NewRecorder(trail, clock.Now), testSecret,
		WithClock(clock.Now),
		WithAccessTTL(15*time.Minute),
		WithRefreshTTL(14*24*time.Hour),
	)
	require.NoError(t, err)
	return svc, store, trail, clock
}

func seedMember(t *testing.T, svc *Service, store *MemoryStore) *User {
	t.Helper()
	ctx := context.Background()
	user, err := svc.Register(ctx, "kai@example.com", "correct horse", "kai")
	require.NoError(t, err)
	require.NoError(t, store.Accounts().Create(ctx, &Account{ID: "acct-1", Name: "QA Team"}))
	require.NoError(t, store.Memberships().Create(ctx, &AccountMembership{
		UserID: user.ID, AccountID: "acct-1", Role: RoleAdmin, IsPrimary: true,
	}))
	return user
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "not-an-email", "correct horse", "")
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Register(ctx, "kai@example.com", "short", "")
	require.ErrorIs(t, err, ErrInvalidRequest)

	u, err := svc.Register(ctx, "KAI@Example.com", "correct horse", "")
	require.NoError(t, err)
	require.Equal(t, "kai@example.com", u.Email)
	require.Equal(t, "kai", u.Username)

	_, err = svc.Register(ctx, "kai@example.com", "correct horse", "")
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestLoginLifecycle(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	user := seedMember(t, svc, store)

	_, _, err := svc.Login(ctx, "kai@example.com", "wrong password", "cli", "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody@example.com", "correct horse", "cli", "10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidCredentials, "unknown email must read the same as a bad password")

	pair, claims, err := svc.Login(ctx, "kai@example.com", "correct horse", "cli", "10.0.0.1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, int64(900), pair.ExpiresIn)
	require.Equal(t, user.ID, claims.UserID())
	require.Equal(t, "acct-1", claims.AccountID)
	require.Equal(t, RoleAdmin, claims.AccountRole)

	verified, err := svc.VerifyAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, claims.ID, verified.ID)

	fresh, err := store.Users().Find(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.LastLoginAt)
}

func TestLoginSuspendedUser(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	user := seedMember(t, svc, store)

	require.NoError(t, store.Users().SetStatus(ctx, user.ID, UserStatusSuspended))
	_, _, err := svc.Login(ctx, "kai@example.com", "correct horse", "", "")
	require.ErrorIs(t, err, ErrAccountInactive)
}

func TestRoleDowngradeAppliesAtNextRefresh(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	user := seedMember(t, svc, store)

	pair, claims, err := svc.Login(ctx, "kai@example.com", "correct horse", "", "")
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, claims.AccountRole)

	require.NoError(t, store.Memberships().SetRole(ctx, user.ID, "acct-1", RoleViewer))

	// Claims are an issuance-time snapshot: the live token keeps the role
	// it was minted with.
	live, err := svc.VerifyAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, live.AccountRole)

	// The downgrade lands on the next rotation.
	pair2, rotated, err := svc.Refresh(ctx, pair.RefreshToken, "", "")
	require.NoError(t, err)
	require.Equal(t, RoleViewer, rotated.AccountRole)

	fresh, err := svc.VerifyAccess(ctx, pair2.AccessToken)
	require.NoError(t, err)
	require.Equal(t, RoleViewer, fresh.AccountRole)
}

func TestRefreshRotationAndReuse(t *testing.T) {
	svc, store, trail, clock := newTestService(t)
	ctx := context.Background()
	user := seedMember(t, svc, store)

	pair1, _, err := svc.Login(ctx, "kai@example.com", "correct horse", "cli", "10.0.0.1")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	pair2, claims2, err := svc.Refresh(ctx, pair1.RefreshToken, "cli", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, user.ID, claims2.UserID())
	require.Equal(t, pair1.RefreshToken, pair2.PreviousRefreshToken)
	require.NotEqual(t, pair1.RefreshToken, pair2.RefreshToken)

	// Replaying the rotated value burns the family: pair2's refresh dies too.
	clock.Advance(time.Minute)
	_, _, err = svc.Refresh(ctx, pair1.RefreshToken, "cli", "10.0.0.99")
	require.ErrorIs(t, err, ErrReuseDetected)

	_, _, err = svc.Refresh(ctx, pair2.RefreshToken, "cli", "10.0.0.1")
	require.ErrorIs(t, err, ErrReuseDetected)

	// pair2's access token was blacklisted during the family revocation.
	_, err = svc.VerifyAccess(ctx, pair2.AccessToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	var found bool
	for _, e := range trail.entries {
		if e.Action == "auth.refresh.reuse_detected" && e.IsSensitive {
			found = true
		}
	}
	require.True(t, found, "reuse must leave a sensitive audit entry")
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	seedMember(t, svc, store)

	pair, _, err := svc.Login(ctx, "kai@example.com", "correct horse", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))

	_, err = svc.VerifyAccess(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	_, _, err = svc.Refresh(ctx, pair.RefreshToken, "", "")
	require.ErrorIs(t, err, ErrReuseDetected)

	// Logging out twice is harmless.
	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))
	require.ErrorIs(t, svc.Logout(ctx, "never-issued"), ErrRefreshInvalid)
}

func TestSessionManagement(t *testing.T) {
	svc, store, _, clock := newTestService(t)
	ctx := context.Background()
	user := seedMember(t, svc, store)

	_, _, err := svc.Login(ctx, "kai@example.com", "correct horse", "laptop", "10.0.0.1")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, _, err = svc.Login(ctx, "kai@example.com", "correct horse", "phone", "10.0.0.2")
	require.NoError(t, err)

	sessions, err := svc.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	require.NoError(t, svc.RevokeSession(ctx, user.ID, sessions[0].TokenID))
	remaining, err := svc.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)

	// A foreign user cannot revoke the session, and cannot learn it exists.
	err = svc.RevokeSession(ctx, "someone-else", remaining[0].TokenID)
	require.ErrorIs(t, err, ErrNotFound)

	count, err := svc.LogoutAll(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	empty, err := svc.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestPasswordResetFlow(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	seedMember(t, svc, store)

	pair, _, err := svc.Login(ctx, "kai@example.com", "correct horse", "", "")
	require.NoError(t, err)

	// Unknown address: no token, no error, no probe signal.
	token, err := svc.RequestPasswordReset(ctx, "ghost@example.com")
	require.NoError(t, err)
	require.Empty(t, token)

	token, err = svc.RequestPasswordReset(ctx, "kai@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.ErrorIs(t, svc.ResetPassword(ctx, token, "short"), ErrInvalidRequest)
	require.NoError(t, svc.ResetPassword(ctx, token, "battery staple"))

	// Single use.
	require.ErrorIs(t, svc.ResetPassword(ctx, token, "another password"), ErrInvalidRequest)

	// All prior sessions are dead and the old password no longer works.
	_, _, err = svc.Refresh(ctx, pair.RefreshToken, "", "")
	require.ErrorIs(t, err, ErrReuseDetected)
	_, _, err = svc.Login(ctx, "kai@example.com", "correct horse", "", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "kai@example.com", "battery staple", "", "")
	require.NoError(t, err)
}

func TestSwitchAccount(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	user := seedMember(t, svc, store)
	require.NoError(t, store.Accounts().Create(ctx, &Account{ID: "acct-2", Name: "Second"}))
	require.NoError(t, store.Memberships().Create(ctx, &AccountMembership{
		UserID: user.ID, AccountID: "acct-2", Role: RoleViewer,
	}))

	token, claims, err := svc.SwitchAccount(ctx, user.ID, "acct-2")
	require.NoError(t, err)
	require.Equal(t, "acct-2", claims.AccountID)
	require.Equal(t, RoleViewer, claims.AccountRole)

	verified, err := svc.VerifyAccess(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "acct-2", verified.AccountID)

	_, _, err = svc.SwitchAccount(ctx, user.ID, "acct-they-never-joined")
	require.ErrorIs(t, err, ErrAccountMismatch)
}

func TestPurgeExpired(t *testing.T) {
	svc, store, _, clock := newTestService(t)
	ctx := context.Background()
	seedMember(t, svc, store)

	pair, _, err := svc.Login(ctx, "kai@example.com", "correct horse", "", "")
	require.NoError(t, err)
	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))

	_, err = svc.RequestPasswordReset(ctx, "kai@example.com")
	require.NoError(t, err)

	clock.Advance(45 * 24 * time.Hour)
	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(2))
}
