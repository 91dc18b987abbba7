package domain

import "strings"

// Actor roles. super_admin is a strict superset of admin.
const (
	RoleCustomer   = "customer"
	RoleSalesRep   = "sales_rep"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	RoleSystem     = "system"
)

// ValidRoles are the roles a bearer token may carry. The system role is
// reserved for background jobs.
var ValidRoles = map[string]struct{}{
	RoleCustomer:   {},
	RoleSalesRep:   {},
	RoleAdmin:      {},
	RoleSuperAdmin: {},
}

// Actor identifies who triggered a mutation; it is copied into every audit entry.
type Actor struct {
	Type string
	ID   string
}

// SystemActor is used by the allocator, sender and reconciliation jobs.
var SystemActor = Actor{Type: RoleSystem}

// IDPtr returns nil for the system actor so audit rows keep actor_id null.
func (a Actor) IDPtr() *string {
	if strings.TrimSpace(a.ID) == "" {
		return nil
	}
	id := a.ID
	return &id
}

// IsAdmin reports whether the actor may use the admin control surface.
func (a Actor) IsAdmin() bool {
	return a.Type == RoleAdmin || a.Type == RoleSuperAdmin
}

// IsSuperAdmin reports whether the actor may use restricted admin operations.
func (a Actor) IsSuperAdmin() bool {
	return a.Type == RoleSuperAdmin
}
