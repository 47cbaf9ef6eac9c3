// Package membership answers the two questions every message operation
// asks about its actor: is this user a member of the channel, and does the
// user hold an elevated (moderation) role in it.
package membership

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// IsElevated reports whether the role may moderate other users' messages
// (trash, permanently delete, edit).
func IsElevated(role Role) bool {
	return role == RoleAdmin || role == RoleOwner
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleMember
	}
}
