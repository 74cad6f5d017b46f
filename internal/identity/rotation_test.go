package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, clock *testClock) (*RotationEngine, *MemoryStore, *MemoryRegistry) {
	t.Helper()
	store := NewMemoryStore()
	registry := NewMemoryRegistry(clock.Now)
	engine, err := NewRotationEngine(store.RefreshTokens(), registry, 14*24*time.Hour, 15*time.Minute, 30*24*time.Hour, clock.Now)
	if err != nil {
		t.Fatalf("NewRotationEngine: %v", err)
	}
	return engine, store, registry
}

func TestRotationHappyPath(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	engine, _, _ := newTestEngine(t, clock)

	raw1, rec1, err := engine.Issue(ctx, "user-1", "jti-1", "", "", "cli", "10.0.0.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if rec1.FamilyID == "" || !rec1.Active {
		t.Fatalf("bad first record: %+v", rec1)
	}
	if rec1.TokenHash == raw1 {
		t.Fatal("raw value must never be stored")
	}

	clock.Advance(time.Hour)
	consumed, err := engine.Consume(ctx, raw1)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if consumed.ID != rec1.ID {
		t.Fatalf("consumed %s, want %s", consumed.ID, rec1.ID)
	}

	_, rec2, err := engine.Issue(ctx, "user-1", "jti-2", consumed.FamilyID, consumed.ID, "cli", "10.0.0.1")
	if err != nil {
		t.Fatalf("Issue successor: %v", err)
	}
	if rec2.FamilyID != rec1.FamilyID {
		t.Fatal("successor must inherit the family")
	}
	if rec2.PreviousTokenID != rec1.ID {
		t.Fatal("successor must record its predecessor")
	}
}

func TestRotationReuseBurnsFamily(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	engine, store, registry := newTestEngine(t, clock)

	raw1, rec1, _ := engine.Issue(ctx, "user-1", "jti-1", "", "", "", "")
	consumed, err := engine.Consume(ctx, raw1)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	_, rec2, _ := engine.Issue(ctx, "user-1", "jti-2", consumed.FamilyID, consumed.ID, "", "")

	// Second presentation of the rotated value is theft evidence.
	if _, err := engine.Consume(ctx, raw1); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("reuse: got %v, want ErrReuseDetected", err)
	}

	// Every descendant of the login must now be dead, including the
	// freshly issued successor.
	active, err := store.RefreshTokens().ListActiveByFamily(ctx, rec1.FamilyID)
	if err != nil {
		t.Fatalf("ListActiveByFamily: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("family still has %d active tokens", len(active))
	}

	// The successor's paired access token is blacklisted as well.
	revoked, err := registry.IsRevoked(ctx, rec2.AccessTokenJTI)
	if err != nil || !revoked {
		t.Fatalf("successor jti revoked=%v err=%v", revoked, err)
	}
}

func TestRotationUnknownToken(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	engine, _, _ := newTestEngine(t, clock)

	if _, err := engine.Consume(ctx, "never-issued"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("unknown token: got %v, want ErrRefreshInvalid", err)
	}
	if _, err := engine.Consume(ctx, ""); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("empty token: got %v, want ErrRefreshInvalid", err)
	}
}

func TestRotationExpiredToken(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	engine, store, _ := newTestEngine(t, clock)

	raw, rec, _ := engine.Issue(ctx, "user-1", "jti-1", "", "", "", "")
	clock.Advance(14 * 24 * time.Hour)

	if _, err := engine.Consume(ctx, raw); !errors.Is(err, ErrRefreshExpired) {
		t.Fatalf("expired token: got %v, want ErrRefreshExpired", err)
	}
	got, err := store.RefreshTokens().Find(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Active {
		t.Fatal("expired token must be deactivated on presentation")
	}
}

func TestRevokeBlacklistsPairedJTI(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	engine, _, registry := newTestEngine(t, clock)

	_, rec, _ := engine.Issue(ctx, "user-1", "jti-1", "", "", "", "")
	if err := engine.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	revoked, err := registry.IsRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("paired jti revoked=%v err=%v", revoked, err)
	}

	// Revoking again is a no-op.
	if err := engine.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
}

func TestRevokeAllForUserCountsSessions(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	engine, _, _ := newTestEngine(t, clock)

	for i := 0; i < 3; i++ {
		if _, _, err := engine.Issue(ctx, "user-1", "jti", "", "", "", ""); err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
	}
	engine.Issue(ctx, "user-2", "jti-x", "", "", "", "")

	count, err := engine.RevokeAllForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	count, err = engine.RevokeAllForUser(ctx, "user-1")
	if err != nil || count != 0 {
		t.Fatalf("second pass count=%d err=%v, want 0", count, err)
	}
}

func TestPurgeInactiveRespectsRetention(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	engine, store, _ := newTestEngine(t, clock)

	_, rec, _ := engine.Issue(ctx, "user-1", "jti-1", "", "", "", "")
	if err := engine.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// Inside retention: nothing purged.
	n, err := engine.PurgeInactive(ctx)
	if err != nil || n != 0 {
		t.Fatalf("early purge n=%d err=%v", n, err)
	}

	clock.Advance(31 * 24 * time.Hour)
	n, err = engine.PurgeInactive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("late purge n=%d err=%v, want 1", n, err)
	}
	if _, err := store.RefreshTokens().Find(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record survived purge: %v", err)
	}
}

func TestOpaqueTokenEntropy(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		raw, err := GenerateOpaqueToken()
		if err != nil {
			t.Fatalf("GenerateOpaqueToken: %v", err)
		}
		if len(raw) < 40 {
			t.Fatalf("token too short: %d", len(raw))
		}
		if seen[raw] {
			t.Fatal("duplicate opaque token")
		}
		seen[raw] = true
	}
}
