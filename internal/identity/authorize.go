package identity

import "fmt"

// AuthorizeOption tunes a single authorization check.
type AuthorizeOption func(*authorizeOptions)

type authorizeOptions struct {
	superAdminBypass bool
}

// WithoutSuperAdminBypass disables the super-admin override for one check.
func WithoutSuperAdminBypass() AuthorizeOption {
	return func(o *authorizeOptions) { o.superAdminBypass = false }
}

func applyAuthorizeOptions(opts []AuthorizeOption) authorizeOptions {
	o := authorizeOptions{superAdminBypass: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RequireRole checks the claims' account role against a required minimum.
// Super-admins pass unconditionally unless bypass is disabled. Claims
// without account context fail with ErrNoAccountContext; a role below the
// minimum fails with ErrInsufficientRole.
func RequireRole(claims *TokenClaims, minimum Role, opts ...AuthorizeOption) (*TokenClaims, error) {
	if claims == nil {
		return nil, ErrNoAccountContext
	}
	if !minimum.Valid() {
		return nil, fmt.Errorf("%w: unknown minimum role %q", ErrInvalidRequest, minimum)
	}
	o := applyAuthorizeOptions(opts)
	if o.superAdminBypass && claims.IsSuperAdmin {
		return claims, nil
	}
	if claims.AccountID == "" || !claims.AccountRole.Valid() {
		return nil, ErrNoAccountContext
	}
	if !claims.AccountRole.AtLeast(minimum) {
		return nil, fmt.Errorf("%w: %s requires at least %s", ErrInsufficientRole, claims.AccountRole, minimum)
	}
	return claims, nil
}

// RequireOwner is RequireRole pinned to the owner tier.
func RequireOwner(claims *TokenClaims, opts ...AuthorizeOption) (*TokenClaims, error) {
	return RequireRole(claims, RoleOwner, opts...)
}

// RequireAdmin is RequireRole pinned to the admin tier.
func RequireAdmin(claims *TokenClaims, opts ...AuthorizeOption) (*TokenClaims, error) {
	return RequireRole(claims, RoleAdmin, opts...)
}

// RequireMember is RequireRole pinned to the member tier.
func RequireMember(claims *TokenClaims, opts ...AuthorizeOption) (*TokenClaims, error) {
	return RequireRole(claims, RoleMember, opts...)
}

// RequireViewer is RequireRole pinned to the viewer tier.
func RequireViewer(claims *TokenClaims, opts ...AuthorizeOption) (*TokenClaims, error) {
	return RequireRole(claims, RoleViewer, opts...)
}

// ValidateAccountAccess passes iff the super-admin bypass applies or the
// claims' account matches the requested one.
func ValidateAccountAccess(claims *TokenClaims, accountID string, opts ...AuthorizeOption) error {
	if claims == nil {
		return ErrNoAccountContext
	}
	o := applyAuthorizeOptions(opts)
	if o.superAdminBypass && claims.IsSuperAdmin {
		return nil
	}
	if claims.AccountID == "" {
		return ErrNoAccountContext
	}
	if claims.AccountID != accountID {
		return ErrAccountMismatch
	}
	return nil
}
