package rbac

import "strings"

type Role string
type Capability string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

const (
	CapRead     Capability = "read"
	CapWrite    Capability = "write"
	CapComplete Capability = "complete"
	CapDelete   Capability = "delete"
	CapShare    Capability = "share"
)

// Can reports whether a role grants a capability. Owner is the only role
// that can delete or share; ownership itself is derived from the task,
// never stored as a grant.
func Can(role Role, cap Capability) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return cap == CapRead || cap == CapWrite || cap == CapComplete
	case RoleViewer:
		return cap == CapRead
	default:
		return false
	}
}

// Resolve computes the effective role of userID on a task owned by ownerID.
// granted is the role from the permission record for (task, user), if any.
func Resolve(ownerID, userID string, granted Role, hasGrant bool) Role {
	if userID != "" && userID == ownerID {
		return RoleOwner
	}
	if hasGrant {
		return granted
	}
	return RoleNone
}

// Normalize maps a client-supplied role name onto the canonical enum.
// "lector" is a legacy spelling of viewer still sent by older clients.
// Owner is not grantable and is rejected here.
func Normalize(role string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "editor":
		return RoleEditor, true
	case "viewer", "lector":
		return RoleViewer, true
	default:
		return "", false
	}
}
