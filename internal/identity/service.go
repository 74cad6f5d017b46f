package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"caseflow.io/internal/audit"
	"caseflow.io/internal/ids"
	"caseflow.io/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultResetTTL   = 30 * time.Minute
	defaultRetention  = 30 * 24 * time.Hour
	defaultIssuer     = "caseflow"

	minPasswordLength = 8
)

// Service is the facade the request-handling layer binds to HTTP routes:
// credential verification, token issuance and rotation, session control,
// password reset, account switching, and impersonation.
type Service struct {
	store    Store
	registry RevocationRegistry
	recorder *audit.Recorder
	now      func() time.Time

	secret     []byte
	issuerName string
	accessTTL  time.Duration
	refreshTTL time.Duration
	resetTTL   time.Duration
	retention  time.Duration

	issuer        *Issuer
	rotation      *RotationEngine
	impersonation *ImpersonationManager
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuerName overrides the token issuer claim.
func WithIssuerName(name string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(name) != "" {
			s.issuerName = strings.TrimSpace(name)
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithResetTokenTTL configures password reset token lifetime.
func WithResetTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithRefreshRetention configures how long inactive refresh records are
// kept before physical purge.
func WithRefreshRetention(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.retention = d
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests). Issuance and
// verification share it, so expiry comparisons stay consistent.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the identity service.
func NewService(store Store, registry RevocationRegistry, recorder *audit.Recorder, secret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	if registry == nil {
		return nil, errors.New("identity: revocation registry is required")
	}
	if recorder == nil {
		return nil, errors.New("identity: audit recorder is required")
	}
	s := &Service{
		store:      store,
		registry:   registry,
		recorder:   recorder,
		now:        time.Now,
		secret:     secret,
		issuerName: defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		resetTTL:   defaultResetTTL,
		retention:  defaultRetention,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	var err error
	s.issuer, err = NewIssuer(s.secret, s.issuerName, s.accessTTL, s.registry, s.now)
	if err != nil {
		return nil, err
	}
	s.rotation, err = NewRotationEngine(store.RefreshTokens(), s.registry, s.refreshTTL, s.accessTTL, s.retention, s.now)
	if err != nil {
		return nil, err
	}
	s.impersonation, err = NewImpersonationManager(store, s.issuer, s.recorder, s.now)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Issuer exposes the token issuer for the authn middleware.
func (s *Service) Issuer() *Issuer { return s.issuer }

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// Register creates a new active user.
func (s *Service) Register(ctx context.Context, email, password, username string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidRequest)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, minPasswordLength)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = email[:strings.Index(email, "@")]
	}

	if _, err := s.store.Users().FindByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: email is taken", ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}

	_ = s.recorder.Record(ctx, &audit.Entry{
		EntityType: "user",
		EntityID:   user.ID,
		Action:     "user.register",
		Details:    map[string]any{"email": user.Email},
	})
	return user, nil
}

// Login authenticates credentials and issues a fresh access/refresh pair
// in a new token family. Unknown email and wrong password are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password, deviceInfo, ip string) (*TokenPair, *TokenClaims, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		obs.LoginAttempts.WithLabelValues("invalid").Inc()
		return nil, nil, ErrInvalidCredentials
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.LoginAttempts.WithLabelValues("invalid").Inc()
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		obs.LoginAttempts.WithLabelValues("invalid").Inc()
		return nil, nil, ErrInvalidCredentials
	}
	// Checked only after the password: a caller without valid credentials
	// must not learn whether the account is suspended.
	if !user.Active() {
		obs.LoginAttempts.WithLabelValues("inactive").Inc()
		return nil, nil, ErrAccountInactive
	}

	accountID, role, err := s.primaryContext(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	pair, claims, err := s.mintPair(ctx, user, accountID, role, "", "", deviceInfo, ip)
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.Users().TouchLogin(ctx, user.ID, s.now().UTC()); err != nil {
		return nil, nil, err
	}
	obs.LoginAttempts.WithLabelValues("success").Inc()
	_ = s.recorder.Record(ctx, &audit.Entry{
		EntityType:  "user",
		EntityID:    user.ID,
		Action:      "auth.login",
		PerformedBy: user.ID,
		AccountID:   accountID,
		Details:     map[string]any{"device_info": deviceInfo, "ip": ip},
	})
	return pair, claims, nil
}

// Refresh rotates a refresh token: the presented value is consumed and a
// new pair is issued in the same family. Reuse of an already-rotated
// value revokes the whole family before the error is returned.
func (s *Service) Refresh(ctx context.Context, presented, deviceInfo, ip string) (*TokenPair, *TokenClaims, error) {
	old, err := s.rotation.Consume(ctx, presented)
	if err != nil {
		switch {
		case errors.Is(err, ErrReuseDetected):
			obs.ReuseDetections.Inc()
			obs.RefreshRotations.WithLabelValues("reuse_detected").Inc()
			_ = s.recorder.Record(ctx, &audit.Entry{
				EntityType:  "refresh_token",
				EntityID:    old.ID,
				Action:      "auth.refresh.reuse_detected",
				PerformedBy: old.UserID,
				IsSensitive: true,
				Details:     map[string]any{"family_id": old.FamilyID, "ip": ip},
			})
		case errors.Is(err, ErrRefreshExpired):
			obs.RefreshRotations.WithLabelValues("expired").Inc()
		default:
			obs.RefreshRotations.WithLabelValues("invalid").Inc()
		}
		return nil, nil, err
	}

	user, err := s.store.Users().Find(ctx, old.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !user.Active() {
		// The owner was suspended mid-session; close out the family.
		if _, err := s.rotation.RevokeFamily(ctx, old.FamilyID); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrAccountInactive
	}

	accountID, role, err := s.primaryContext(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	pair, claims, err := s.mintPair(ctx, user, accountID, role, old.FamilyID, old.ID, deviceInfo, ip)
	if err != nil {
		return nil, nil, err
	}
	pair.PreviousRefreshToken = presented

	obs.RefreshRotations.WithLabelValues("success").Inc()
	return pair, claims, nil
}

// Logout deactivates the presented refresh token and blacklists its
// paired access token. Logging out an already-inactive session is a
// no-op.
func (s *Service) Logout(ctx context.Context, presented string) error {
	if presented == "" {
		return ErrRefreshInvalid
	}
	rec, err := s.store.RefreshTokens().FindByHash(ctx, HashToken(presented))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrRefreshInvalid
		}
		return err
	}
	if err := s.rotation.Revoke(ctx, rec.ID); err != nil {
		return err
	}
	obs.TokenRevocations.WithLabelValues("logout").Inc()
	_ = s.recorder.Record(ctx, &audit.Entry{
		EntityType:  "refresh_token",
		EntityID:    rec.ID,
		Action:      "auth.logout",
		PerformedBy: rec.UserID,
	})
	return nil
}

// LogoutAll closes every active session for the user and returns how many
// were revoked.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	count, err := s.rotation.RevokeAllForUser(ctx, userID)
	if err != nil {
		return count, err
	}
	obs.TokenRevocations.WithLabelValues("logout_all").Add(float64(count))
	_ = s.recorder.Record(ctx, &audit.Entry{
		EntityType:  "user",
		EntityID:    userID,
		Action:      "auth.logout_all",
		PerformedBy: userID,
		IsSensitive: true,
		Details:     map[string]any{"revoked_count": count},
	})
	return count, nil
}

// ListSessions returns the client-visible view of the user's active
// refresh tokens.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	records, err := s.store.RefreshTokens().ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, Session{
			TokenID:    rec.ID,
			DeviceInfo: rec.DeviceInfo,
			IP:         rec.IP,
			CreatedAt:  rec.CreatedAt,
			LastUsedAt: rec.LastUsedAt,
		})
	}
	return sessions, nil
}

// RevokeSession closes one session. The token must belong to the user;
// anything else reads as not-found so session ids cannot be probed.
func (s *Service) RevokeSession(ctx context.Context, userID, tokenID string) error {
	rec, err := s.store.RefreshTokens().Find(ctx, tokenID)
	if err != nil {
		return err
	}
	if rec.UserID != userID {
		return ErrNotFound
	}
	if err := s.rotation.Revoke(ctx, rec.ID); err != nil {
		return err
	}
	obs.TokenRevocations.WithLabelValues("session_revoke").Inc()
	_ = s.recorder.Record(ctx, &audit.Entry{
		EntityType:  "refresh_token",
		EntityID:    rec.ID,
		Action:      "auth.session.revoke",
		PerformedBy: userID,
	})
	return nil
}

// RequestPasswordReset creates a single-use reset token for the address.
// Unknown addresses produce no token and no error, so the endpoint never
// confirms whether an email is registered.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidRequest)
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	raw, err := GenerateOpaqueToken()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	rec := &PasswordResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: HashToken(raw),
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}
	if err := s.store.ResetTokens().Create(ctx, rec); err != nil {
		return "", err
	}
	_ = s.recorder.Record(ctx, &audit.Entry{
		EntityType: "user",
		EntityID:   user.ID,
		Action:     "auth.password_reset.request",
	})
	return raw, nil
}

// ResetPassword consumes a reset token, replaces the password hash, and
// revokes every session the user holds.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: reset token is required", ErrInvalidRequest)
	}
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, minPasswordLength)
	}
	rec, err := s.store.ResetTokens().FindByHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown reset token", ErrInvalidRequest)
		}
		return err
	}
	now := s.now().UTC()
	if rec.UsedAt != nil || !now.Before(rec.ExpiresAt) {
		return fmt.Errorf("%w: reset token is no longer valid", ErrInvalidRequest)
	}
	used, err := s.store.ResetTokens().MarkUsed(ctx, rec.ID, now)
	if err != nil {
		return err
	}
	if !used {
		return fmt.Errorf("%w: reset token is no longer valid", ErrInvalidRequest)
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users().UpdatePassword(ctx, rec.UserID, hash); err != nil {
		return err
	}
	count, err := s.rotation.RevokeAllForUser(ctx, rec.UserID)
	if err != nil {
		return err
	}
	obs.TokenRevocations.WithLabelValues("password_reset").Add(float64(count))
	_ = s.recorder.Record(ctx, &audit.Entry{
		EntityType:  "user",
		EntityID:    rec.UserID,
		Action:      "auth.password_reset.complete",
		IsSensitive: true,
		Details:     map[string]any{"revoked_count": count},
	})
	return nil
}

// SwitchAccount issues a new access token scoped to another account the
// user belongs to. The refresh chain is untouched.
func (s *Service) SwitchAccount(ctx context.Context, userID, accountID string) (string, *TokenClaims, error) {
	membership, err := s.store.Memberships().Find(ctx, userID, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, ErrAccountMismatch
		}
		return "", nil, err
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	if !user.Active() {
		return "", nil, ErrAccountInactive
	}
	token, claims, err := s.issuer.Issue(user, membership.AccountID, membership.Role, nil)
	if err != nil {
		return "", nil, err
	}
	_ = s.recorder.Record(ctx, &audit.Entry{
		EntityType:  "account",
		EntityID:    accountID,
		Action:      "auth.switch_account",
		PerformedBy: userID,
		AccountID:   accountID,
	})
	return token, claims, nil
}

// StartImpersonation delegates to the impersonation manager.
func (s *Service) StartImpersonation(ctx context.Context, actor *TokenClaims, targetUserID, reason string) (string, *TokenClaims, error) {
	return s.impersonation.Start(ctx, actor, targetUserID, reason)
}

// StopImpersonation delegates to the impersonation manager.
func (s *Service) StopImpersonation(ctx context.Context, claims *TokenClaims) (string, *TokenClaims, error) {
	return s.impersonation.Stop(ctx, claims)
}

// VerifyAccess validates a bearer token for the request pipeline.
func (s *Service) VerifyAccess(ctx context.Context, token string) (*TokenClaims, error) {
	return s.issuer.Verify(ctx, token)
}

// PurgeExpired runs the maintenance sweeps: expired blacklist entries,
// inactive refresh records past retention, dead reset tokens.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	var total int64
	n, err := s.registry.PurgeExpired(ctx)
	total += n
	if err != nil {
		return total, err
	}
	n, err = s.rotation.PurgeInactive(ctx)
	total += n
	if err != nil {
		return total, err
	}
	n, err = s.store.ResetTokens().DeleteExpired(ctx, s.now().UTC())
	total += n
	return total, err
}

func (s *Service) primaryContext(ctx context.Context, userID string) (string, Role, error) {
	primary, err := s.store.Memberships().Primary(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", "", nil
		}
		return "", "", err
	}
	return primary.AccountID, primary.Role, nil
}

func (s *Service) mintPair(ctx context.Context, user *User, accountID string, role Role, familyID, previousID, deviceInfo, ip string) (*TokenPair, *TokenClaims, error) {
	accessToken, claims, err := s.issuer.Issue(user, accountID, role, nil)
	if err != nil {
		return nil, nil, err
	}
	refreshPlain, _, err := s.rotation.Issue(ctx, user.ID, claims.ID, familyID, previousID, deviceInfo, ip)
	if err != nil {
		return nil, nil, err
	}
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshPlain,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, claims, nil
}
