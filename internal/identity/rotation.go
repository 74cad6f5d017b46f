package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseflow.io/internal/ids"
)

// RotationEngine owns the refresh-token lifecycle: issuance, single-use
// rotation, reuse (theft) detection, and family-wide revocation. A stolen
// refresh token is good for at most one use; the second presentation of
// the same value burns the whole family.
type RotationEngine struct {
	tokens     RefreshTokenStore
	registry   RevocationRegistry
	refreshTTL time.Duration
	accessTTL  time.Duration
	retention  time.Duration
	now        func() time.Time
}

// NewRotationEngine constructs the engine. retention bounds how long
// inactive records are kept before physical purge.
func NewRotationEngine(tokens RefreshTokenStore, registry RevocationRegistry, refreshTTL, accessTTL, retention time.Duration, now func() time.Time) (*RotationEngine, error) {
	if tokens == nil || registry == nil {
		return nil, errors.New("identity: token store and revocation registry are required")
	}
	if refreshTTL <= 0 || accessTTL <= 0 {
		return nil, errors.New("identity: token lifetimes must be positive")
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &RotationEngine{
		tokens:     tokens,
		registry:   registry,
		refreshTTL: refreshTTL,
		accessTTL:  accessTTL,
		retention:  retention,
		now:        now,
	}, nil
}

// GenerateOpaqueToken returns a high-entropy random refresh value (256-bit,
// base64url). The raw value goes to the client; only its hash is stored.
func GenerateOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken computes the hex SHA-256 digest used both as the storage
// lookup key and the persisted one-way hash.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func confirmHash(storedHash, raw string) bool {
	computed := HashToken(raw)
	if len(storedHash) != len(computed) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(computed)) == 1
}

// Issue creates a new refresh record linked to an access-token JTI. An
// empty familyID starts a new family (first login); otherwise the record
// inherits the family and records its predecessor.
func (e *RotationEngine) Issue(ctx context.Context, userID, accessJTI, familyID, previousID, deviceInfo, ip string) (string, *RefreshToken, error) {
	if userID == "" || accessJTI == "" {
		return "", nil, fmt.Errorf("%w: user id and access jti are required", ErrInvalidRequest)
	}
	raw, err := GenerateOpaqueToken()
	if err != nil {
		return "", nil, err
	}
	if familyID == "" {
		familyID = uuid.NewString()
	}
	now := e.now().UTC()
	rec := &RefreshToken{
		ID:              ids.New(),
		UserID:          userID,
		AccessTokenJTI:  accessJTI,
		FamilyID:        familyID,
		PreviousTokenID: previousID,
		TokenHash:       HashToken(raw),
		DeviceInfo:      deviceInfo,
		IP:              ip,
		ExpiresAt:       now.Add(e.refreshTTL),
		Active:          true,
		CreatedAt:       now,
	}
	if err := e.tokens.Create(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("store refresh token: %w", err)
	}
	return raw, rec, nil
}

// Consume validates a presented refresh value and atomically deactivates
// its record, returning the consumed record so the caller can issue a
// successor in the same family.
//
// State machine per record: ACTIVE -> ROTATED | REVOKED; terminal states
// never transition further. If two rotations race on the same record, the
// conditional deactivation lets exactly one win; the loser lands on the
// reuse path.
func (e *RotationEngine) Consume(ctx context.Context, presented string) (*RefreshToken, error) {
	if presented == "" {
		return nil, ErrRefreshInvalid
	}
	rec, err := e.tokens.FindByHash(ctx, HashToken(presented))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrRefreshInvalid
		}
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}
	if !confirmHash(rec.TokenHash, presented) {
		return nil, ErrRefreshInvalid
	}

	now := e.now().UTC()

	if !rec.Active {
		// The same token presented twice is conclusive evidence of theft:
		// burn every descendant of the original login.
		if _, err := e.RevokeFamily(ctx, rec.FamilyID); err != nil {
			return nil, fmt.Errorf("revoke family after reuse: %w", err)
		}
		return rec, ErrReuseDetected
	}

	if !now.Before(rec.ExpiresAt) {
		if _, err := e.tokens.Deactivate(ctx, rec.ID, now); err != nil {
			return nil, fmt.Errorf("deactivate expired refresh token: %w", err)
		}
		return rec, ErrRefreshExpired
	}

	deactivated, err := e.tokens.Deactivate(ctx, rec.ID, now)
	if err != nil {
		return nil, fmt.Errorf("deactivate refresh token: %w", err)
	}
	if !deactivated {
		// Lost the race: someone already rotated this record.
		if _, err := e.RevokeFamily(ctx, rec.FamilyID); err != nil {
			return nil, fmt.Errorf("revoke family after reuse: %w", err)
		}
		return rec, ErrReuseDetected
	}

	if err := e.tokens.TouchUsed(ctx, rec.ID, now); err != nil {
		return nil, fmt.Errorf("touch refresh token: %w", err)
	}
	return rec, nil
}

// Revoke deactivates one record and blacklists its paired access JTI.
// Revoking an already-inactive record is a no-op, not an error.
func (e *RotationEngine) Revoke(ctx context.Context, tokenID string) error {
	rec, err := e.tokens.Find(ctx, tokenID)
	if err != nil {
		return err
	}
	_, err = e.revokeRecord(ctx, rec)
	return err
}

// RevokeAllForUser deactivates every active record for the user and
// returns how many sessions were closed.
func (e *RotationEngine) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	records, err := e.tokens.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return e.revokeRecords(ctx, records)
}

// RevokeFamily deactivates every active record sharing the family id.
func (e *RotationEngine) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	records, err := e.tokens.ListActiveByFamily(ctx, familyID)
	if err != nil {
		return 0, err
	}
	return e.revokeRecords(ctx, records)
}

// PurgeInactive removes inactive records past the retention window.
func (e *RotationEngine) PurgeInactive(ctx context.Context) (int64, error) {
	return e.tokens.DeleteInactiveBefore(ctx, e.now().UTC().Add(-e.retention))
}

func (e *RotationEngine) revokeRecords(ctx context.Context, records []RefreshToken) (int64, error) {
	var count int64
	for i := range records {
		deactivated, err := e.revokeRecord(ctx, &records[i])
		if err != nil {
			return count, err
		}
		if deactivated {
			count++
		}
	}
	return count, nil
}

func (e *RotationEngine) revokeRecord(ctx context.Context, rec *RefreshToken) (bool, error) {
	if rec == nil {
		return false, ErrNotFound
	}
	now := e.now().UTC()
	deactivated, err := e.tokens.Deactivate(ctx, rec.ID, now)
	if err != nil {
		return false, fmt.Errorf("deactivate refresh token: %w", err)
	}
	if !deactivated {
		return false, nil
	}
	// The paired access token must not outlive its refresh token's
	// revocation. now+accessTTL covers the longest it could still live.
	if err := e.registry.Blacklist(ctx, rec.AccessTokenJTI, now.Add(e.accessTTL)); err != nil {
		return true, fmt.Errorf("blacklist paired jti: %w", err)
	}
	return true, nil
}
