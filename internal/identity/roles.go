package identity

import "strings"

// Role is an account-scoped authorization tier.
type Role string

const (
	// RoleOwner controls the account itself: billing, member management,
	// deletion. Highest tier.
	RoleOwner Role = "owner"

	// RoleAdmin manages test artifacts and members below owner.
	RoleAdmin Role = "admin"

	// RoleMember creates and edits test artifacts.
	RoleMember Role = "member"

	// RoleViewer has read-only access.
	RoleViewer Role = "viewer"
)

// roleRanks orders roles for minimum-privilege checks. Zero means unknown.
var roleRanks = map[Role]int{
	RoleOwner:  4,
	RoleAdmin:  3,
	RoleMember: 2,
	RoleViewer: 1,
}

// Rank returns the numeric position of the role in the hierarchy, 0 for
// unknown roles.
func (r Role) Rank() int { return roleRanks[r] }

// Valid reports whether the role is one of the four known tiers.
func (r Role) Valid() bool { return roleRanks[r] > 0 }

// AtLeast reports whether the role meets the given minimum.
func (r Role) AtLeast(min Role) bool {
	return roleRanks[r] >= roleRanks[min] && roleRanks[min] > 0
}

// ParseRole normalizes a role string, returning false for unknown values.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	return r, r.Valid()
}
