package identity

import "errors"

// Sentinel errors for the identity core. The HTTP boundary maps these to
// status classes; credential failures deliberately share one client-visible
// message so the response never distinguishes unknown email from wrong
// password.
var (
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrAccountInactive    = errors.New("identity: user account is inactive")

	ErrTokenMalformed = errors.New("identity: malformed token")
	ErrTokenExpired   = errors.New("identity: token expired")
	ErrTokenRevoked   = errors.New("identity: token revoked")

	ErrRefreshInvalid = errors.New("identity: invalid refresh token")
	ErrRefreshExpired = errors.New("identity: refresh token expired")
	ErrReuseDetected  = errors.New("identity: refresh token reuse detected")

	ErrNoAccountContext  = errors.New("identity: no account context")
	ErrAccountMismatch   = errors.New("identity: account mismatch")
	ErrInsufficientRole  = errors.New("identity: insufficient role")
	ErrForbidden         = errors.New("identity: forbidden")

	ErrAlreadyImpersonating = errors.New("identity: already impersonating")
	ErrNotImpersonating     = errors.New("identity: not impersonating")

	ErrNotFound       = errors.New("identity: not found")
	ErrAlreadyExists  = errors.New("identity: already exists")
	ErrInvalidRequest = errors.New("identity: invalid request")
)
