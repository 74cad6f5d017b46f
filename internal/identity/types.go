package identity

import "time"

const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
)

// User is an identity record. PasswordHash never leaves the store layer.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Status       string     `json:"status"`
	IsAdmin      bool       `json:"is_admin"`
	IsSuperAdmin bool       `json:"is_super_admin"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Active reports whether the user may authenticate.
func (u *User) Active() bool { return u.Status == UserStatusActive }

// Account is a tenant workspace.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountMembership associates a user with an account and a role.
// At most one membership per user carries IsPrimary; that membership
// supplies the default tenant context on login.
type AccountMembership struct {
	UserID    string     `json:"user_id"`
	AccountID string     `json:"account_id"`
	Role      Role       `json:"role"`
	IsPrimary bool       `json:"is_primary"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RefreshToken is one link in a rotation chain. Only the SHA-256 hash of
// the opaque value is persisted. Within a family at most one token is
// active; an inactive token is never reactivated.
type RefreshToken struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	AccessTokenJTI  string     `json:"-"`
	FamilyID        string     `json:"family_id"`
	PreviousTokenID string     `json:"previous_token_id,omitempty"`
	TokenHash       string     `json:"-"`
	DeviceInfo      string     `json:"device_info,omitempty"`
	IP              string     `json:"ip,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Active          bool       `json:"active"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
}

// RevokedToken maps an access token JTI to its natural expiry. Entries
// outlive the access token they blacklist and are purged afterwards.
type RevokedToken struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at"`
}

// PasswordResetToken is a single-use, hash-stored reset credential.
type PasswordResetToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Session is the client-visible view of an active refresh token.
type Session struct {
	TokenID    string     `json:"token_id"`
	DeviceInfo string     `json:"device_info,omitempty"`
	IP         string     `json:"ip,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken          string `json:"access_token"`
	RefreshToken         string `json:"refresh_token"`
	ExpiresIn            int64  `json:"expires_in"`
	PreviousRefreshToken string `json:"previous_refresh_token,omitempty"`
}
