package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RolePartner Role = "partner"
	RoleOwner   Role = "owner"
)

const (
	ActionRead Action = "read"
	ActionEdit Action = "edit"
	ActionLock Action = "lock"
	// ActionCreate adds a task to the shared list.
	ActionCreate Action = "create"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return action == ActionRead || action == ActionEdit || action == ActionLock || action == ActionCreate
	case RolePartner:
		return action == ActionRead || action == ActionEdit || action == ActionLock
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps an empty role to partner, the role every account holder
// starts with, and anything unrecognised to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RolePartner, RoleOwner:
		return Role(role)
	case "":
		return RolePartner
	default:
		return RoleViewer
	}
}
