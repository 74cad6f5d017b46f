package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"caseflow.io/internal/audit"
	"caseflow.io/internal/obs"
)

// ImpersonationManager builds and destroys the constrained derivative
// token that lets a super-admin act as another user. Nesting is forbidden
// and every transition emits a sensitive audit entry.
type ImpersonationManager struct {
	store    Store
	issuer   *Issuer
	recorder *audit.Recorder
	now      func() time.Time
}

// NewImpersonationManager constructs the manager.
func NewImpersonationManager(store Store, issuer *Issuer, recorder *audit.Recorder, now func() time.Time) (*ImpersonationManager, error) {
	if store == nil || issuer == nil || recorder == nil {
		return nil, errors.New("identity: store, issuer, and audit recorder are required")
	}
	if now == nil {
		now = time.Now
	}
	return &ImpersonationManager{store: store, issuer: issuer, recorder: recorder, now: now}, nil
}

// Start mints a token carrying the target's identity plus the actor's
// lineage. Requirements, in check order: the actor is a super-admin, the
// reason is non-trivial, the actor is not already impersonating, the
// target exists and is active, and the target is not itself a
// super-admin (borrowing the highest tier is never a support workflow).
func (m *ImpersonationManager) Start(ctx context.Context, actor *TokenClaims, targetUserID, reason string) (string, *TokenClaims, error) {
	if actor == nil || !actor.IsSuperAdmin {
		return "", nil, ErrForbidden
	}
	if strings.TrimSpace(reason) == "" {
		return "", nil, fmt.Errorf("%w: impersonation reason is required", ErrInvalidRequest)
	}
	if actor.Impersonated() {
		return "", nil, ErrAlreadyImpersonating
	}
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return "", nil, fmt.Errorf("%w: target user id is required", ErrInvalidRequest)
	}
	if targetUserID == actor.UserID() {
		return "", nil, fmt.Errorf("%w: cannot impersonate yourself", ErrInvalidRequest)
	}

	target, err := m.store.Users().Find(ctx, targetUserID)
	if err != nil {
		return "", nil, err
	}
	if !target.Active() {
		return "", nil, ErrNotFound
	}
	if target.IsSuperAdmin {
		return "", nil, ErrForbidden
	}

	accountID, role := "", Role("")
	if primary, err := m.store.Memberships().Primary(ctx, target.ID); err == nil {
		accountID, role = primary.AccountID, primary.Role
	} else if !errors.Is(err, ErrNotFound) {
		return "", nil, err
	}

	startedAt := m.now().UTC()
	token, claims, err := m.issuer.Issue(target, accountID, role, &Impersonation{
		ActorID:   actor.UserID(),
		StartedAt: startedAt,
	})
	if err != nil {
		return "", nil, err
	}

	obs.ImpersonationStarts.Inc()
	if err := m.recorder.Record(ctx, &audit.Entry{
		EntityType:  "user",
		EntityID:    target.ID,
		Action:      "impersonation.start",
		PerformedBy: actor.UserID(),
		AccountID:   accountID,
		IsSensitive: true,
		Details: map[string]any{
			"reason":     reason,
			"target":     target.ID,
			"started_at": startedAt.Format(time.RFC3339),
		},
	}); err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// Stop re-mints a token for the original actor and audits the session
// duration.
func (m *ImpersonationManager) Stop(ctx context.Context, claims *TokenClaims) (string, *TokenClaims, error) {
	if claims == nil || !claims.Impersonated() {
		return "", nil, ErrNotImpersonating
	}

	actor, err := m.store.Users().Find(ctx, claims.ImpersonatedBy)
	if err != nil {
		return "", nil, err
	}
	if !actor.Active() {
		return "", nil, ErrNotFound
	}

	accountID, role := "", Role("")
	if primary, err := m.store.Memberships().Primary(ctx, actor.ID); err == nil {
		accountID, role = primary.AccountID, primary.Role
	} else if !errors.Is(err, ErrNotFound) {
		return "", nil, err
	}

	token, actorClaims, err := m.issuer.Issue(actor, accountID, role, nil)
	if err != nil {
		return "", nil, err
	}

	duration := time.Duration(0)
	if claims.ImpersonationStartedAt > 0 {
		duration = m.now().UTC().Sub(time.Unix(claims.ImpersonationStartedAt, 0).UTC())
	}
	if err := m.recorder.Record(ctx, &audit.Entry{
		EntityType:  "user",
		EntityID:    claims.UserID(),
		Action:      "impersonation.stop",
		PerformedBy: actor.ID,
		AccountID:   claims.AccountID,
		IsSensitive: true,
		Details: map[string]any{
			"target":           claims.UserID(),
			"duration_seconds": int64(duration.Seconds()),
		},
	}); err != nil {
		return "", nil, err
	}
	return token, actorClaims, nil
}
