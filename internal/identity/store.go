package identity

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity core.
// All mutation paths are expressed as short read-modify-write statements
// against the store, never in-process locks, because multiple service
// instances may run concurrently.
type Store interface {
	Users() UserStore
	Accounts() AccountStore
	Memberships() MembershipStore
	RefreshTokens() RefreshTokenStore
	ResetTokens() ResetTokenStore
}

// UserStore manages identity records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetStatus(ctx context.Context, userID, status string) error
	TouchLogin(ctx context.Context, userID string, at time.Time) error
}

// AccountStore manages tenant accounts.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
}

// MembershipStore manages user/account associations. Find and List skip
// soft-removed rows.
type MembershipStore interface {
	Create(ctx context.Context, m *AccountMembership) error
	Find(ctx context.Context, userID, accountID string) (*AccountMembership, error)
	Primary(ctx context.Context, userID string) (*AccountMembership, error)
	ListForUser(ctx context.Context, userID string) ([]AccountMembership, error)
	SetRole(ctx context.Context, userID, accountID string, role Role) error
	SetPrimary(ctx context.Context, userID, accountID string) error
	Remove(ctx context.Context, userID, accountID string, at time.Time) error
}

// RefreshTokenStore manages rotation-chain records.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// FindByHash locates a record by its stored token hash regardless of
	// the active flag; reuse detection needs to see inactive rows.
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Deactivate flips the active flag iff it is still set, recording the
	// revocation time. Returns false when the record was already inactive;
	// a lost rotation race must surface that way, not as an error.
	Deactivate(ctx context.Context, id string, at time.Time) (bool, error)
	ListActiveByUser(ctx context.Context, userID string) ([]RefreshToken, error)
	ListActiveByFamily(ctx context.Context, familyID string) ([]RefreshToken, error)
	TouchUsed(ctx context.Context, id string, at time.Time) error
	// DeleteInactiveBefore purges inactive records whose revocation time
	// is past the retention window.
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ResetTokenStore manages single-use password reset credentials.
type ResetTokenStore interface {
	Create(ctx context.Context, t *PasswordResetToken) error
	FindByHash(ctx context.Context, tokenHash string) (*PasswordResetToken, error)
	// MarkUsed consumes the token iff it is still unused.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
