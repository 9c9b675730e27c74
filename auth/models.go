package auth

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleLegal   Role = "legal"
	RoleFinance Role = "finance"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleLegal, RoleFinance:
		return true
	default:
		return false
	}
}

// Actor is the authenticated caller of a request.
type Actor struct {
	ID   string
	Role Role
}

// Permission names a class of operations guarded by role.
type Permission string

const (
	PermRead           Permission = "read"
	PermWriteContract  Permission = "contract:write"
	PermWriteLedger    Permission = "settlement:write"
	PermDeleteContract Permission = "contract:delete"
	PermRunMaintenance Permission = "maintenance"
)

var grants = map[Permission][]Role{
	PermRead:           {RoleAdmin, RoleLegal, RoleFinance},
	PermWriteContract:  {RoleAdmin, RoleLegal},
	PermWriteLedger:    {RoleAdmin, RoleFinance},
	PermDeleteContract: {RoleAdmin},
	PermRunMaintenance: {RoleAdmin},
}

// Allows reports whether role is granted perm.
func Allows(role Role, perm Permission) bool {
	for _, r := range grants[perm] {
		if r == role {
			return true
		}
	}
	return false
}

// Can reports whether the actor is granted perm.
func (a Actor) Can(perm Permission) bool {
	return a.ID != "" && Allows(a.Role, perm)
}
