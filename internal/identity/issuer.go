package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenClaims is the decoded content of an access token. It is never
// persisted; all downstream authorization decisions operate on it.
type TokenClaims struct {
	jwt.RegisteredClaims
	Email                  string `json:"email"`
	IsAdmin                bool   `json:"is_admin,omitempty"`
	IsSuperAdmin           bool   `json:"is_super_admin,omitempty"`
	AccountID              string `json:"account_id,omitempty"`
	AccountRole            Role   `json:"account_role,omitempty"`
	ImpersonatedBy         string `json:"impersonated_by,omitempty"`
	ImpersonationStartedAt int64  `json:"impersonation_started_at,omitempty"`
}

// UserID returns the subject claim.
func (c *TokenClaims) UserID() string { return c.Subject }

// Impersonated reports whether the token was minted through impersonation.
func (c *TokenClaims) Impersonated() bool { return c.ImpersonatedBy != "" }

// Impersonation carries the derivative-token fields set by the
// impersonation manager.
type Impersonation struct {
	ActorID   string
	StartedAt time.Time
}

// Issuer mints and verifies signed access tokens. Verification consults
// the revocation registry so a blacklisted JTI is rejected before its
// natural expiry.
type Issuer struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	now      func() time.Time
	registry RevocationRegistry
}

// NewIssuer constructs an Issuer. The secret must be at least 32 bytes.
func NewIssuer(secret []byte, issuer string, ttl time.Duration, registry RevocationRegistry, now func() time.Time) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("identity: signing secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("identity: access token ttl must be positive")
	}
	if registry == nil {
		return nil, errors.New("identity: revocation registry is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl, registry: registry, now: now}, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.ttl }

// Issue mints a signed token for the user with a fresh random JTI. Pure
// construction: no store writes.
func (i *Issuer) Issue(user *User, accountID string, role Role, imp *Impersonation) (string, *TokenClaims, error) {
	if user == nil || user.ID == "" {
		return "", nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	now := i.now().UTC()
	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
		Email:        user.Email,
		IsAdmin:      user.IsAdmin,
		IsSuperAdmin: user.IsSuperAdmin,
		AccountID:    accountID,
		AccountRole:  role,
	}
	if imp != nil {
		claims.ImpersonatedBy = imp.ActorID
		claims.ImpersonationStartedAt = imp.StartedAt.UTC().Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, expiry, and claim completeness, then asks the
// revocation registry whether the JTI is blacklisted. The expiry boundary
// is exclusive: a token is valid strictly before exp.
func (i *Issuer) Verify(ctx context.Context, token string) (*TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}

	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}

	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if err := i.validateClaims(claims); err != nil {
		return nil, err
	}

	revoked, err := i.registry.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

func (i *Issuer) validateClaims(claims *TokenClaims) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return fmt.Errorf("%w: subject missing", ErrTokenMalformed)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return fmt.Errorf("%w: jti missing", ErrTokenMalformed)
	}
	if strings.TrimSpace(claims.Email) == "" {
		return fmt.Errorf("%w: email missing", ErrTokenMalformed)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return fmt.Errorf("%w: timestamps missing", ErrTokenMalformed)
	}
	if i.issuer != "" && claims.Issuer != i.issuer {
		return fmt.Errorf("%w: unexpected issuer", ErrTokenMalformed)
	}
	// exp is exclusive: exactly at the boundary instant the token is dead.
	if !i.now().Before(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	if claims.AccountRole != "" && !claims.AccountRole.Valid() {
		return fmt.Errorf("%w: unknown account role", ErrTokenMalformed)
	}
	return nil
}
