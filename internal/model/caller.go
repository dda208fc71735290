package model

// Role identifies what kind of principal is issuing a request
type Role string

const (
	RoleAnonymous    Role = "anonymous"
	RoleClusterAdmin Role = "cluster_admin"
	RoleTenantUser   Role = "tenant_user"
)

// Caller describes the identity the contextual router authorizes against.
// TenantID is the hospital a tenant user is bound to; zero means unbound.
type Caller struct {
	Role     Role
	TenantID int64
	Username string
}

// ParseRole maps a header or claim value to a Role. Unknown values are anonymous.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleClusterAdmin, RoleTenantUser:
		return Role(s)
	default:
		return RoleAnonymous
	}
}
