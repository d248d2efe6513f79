// Package access decides what the current actor may do with a shared
// record. Shared records carry a role describing the actor's relationship
// to them; the predicates here are the single place those roles are
// interpreted. Everything is pure, no I/O.
package access

// Role is the actor's permission level on a shared record.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Normalize maps an arbitrary role string onto a known Role.
// Unknown or empty strings fail closed to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Resolve determines the effective role for a record. A missing role is
// treated as owner only when the record's owner id equals the actor id;
// anything else fails closed to viewer.
func Resolve(role string, ownerID, actorID string) Role {
	if role == "" {
		if actorID != "" && ownerID == actorID {
			return RoleOwner
		}
		return RoleViewer
	}
	return Normalize(role)
}

// CanEdit reports whether the role permits modifying content fields.
func CanEdit(r Role) bool {
	return r == RoleOwner || r == RoleEditor
}

// CanDelete reports whether the role permits deleting the record.
func CanDelete(r Role) bool {
	return r == RoleOwner
}

// CanManageMembers reports whether the role permits inviting members or
// changing their roles.
func CanManageMembers(r Role) bool {
	return r == RoleOwner
}

// CanRemoveMember reports whether the actor may remove a member.
// Any non-owner member may remove themselves; removing anyone else
// requires ownership.
func CanRemoveMember(r Role, actorIsTarget bool) bool {
	if actorIsTarget {
		return r != RoleOwner
	}
	return r == RoleOwner
}
