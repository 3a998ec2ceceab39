package rbac

// Role names. Keep these stable; they are part of the token contract.
// Dispatchers submit and cancel calls, operators manage agents.
const (
	RoleDispatcher = "dispatcher"
	RoleOperator   = "operator"
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func Known(role string) bool {
	switch role {
	case RoleDispatcher, RoleOperator, RoleAnalyst, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
